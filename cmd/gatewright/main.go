package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	gwhttp "github.com/gatewright/gatewright/internal/adapter/http"
	gwnats "github.com/gatewright/gatewright/internal/adapter/nats"
	gwotel "github.com/gatewright/gatewright/internal/adapter/otel"
	"github.com/gatewright/gatewright/internal/adapter/postgres"
	"github.com/gatewright/gatewright/internal/adapter/ristretto"
	"github.com/gatewright/gatewright/internal/adapter/ws"
	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/consensus"
	"github.com/gatewright/gatewright/internal/logger"
	"github.com/gatewright/gatewright/internal/resilience"
	"github.com/gatewright/gatewright/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"tier", cfg.Engine.Tier,
	)

	ctx := context.Background()

	// --- Telemetry ---
	shutdownOtel, err := gwotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(sctx)
	}()

	metrics, err := gwotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	// The Knowledge Bridge flushes its offline write buffer whenever NATS
	// connectivity returns; knowledgeSvc is assigned below.
	var knowledgeSvc *service.KnowledgeService
	bridge, err := gwnats.Connect(ctx, cfg.NATS.URL, func() {
		if knowledgeSvc != nil {
			knowledgeSvc.Flush(context.Background())
		}
	})
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = bridge.Close() }()

	queryCache, err := ristretto.New(cfg.Knowledge.CacheSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer queryCache.Close()

	// --- Services ---
	hub := ws.NewHub()
	eventStore := postgres.NewEventStore(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	knowledgeSvc = service.NewKnowledgeService(cfg.Knowledge, bridge, breaker, queryCache)

	collab := bridge.CollabOn()
	dispatcher := service.NewDispatcher(cfg.Dispatch, cfg.Timeouts, collab)
	consensusDriver := service.NewConsensusDriver(cfg.Consensus, cfg.Timeouts, roster(cfg.Consensus), collab)

	checkpoints, err := service.NewCheckpointManager(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("checkpoints: %w", err)
	}

	engine := service.NewEngineService(
		*cfg,
		collab,
		service.PayloadPlanner{},
		dispatcher,
		consensusDriver,
		knowledgeSvc,
		checkpoints,
		eventStore,
		hub,
		metrics,
	)

	// --- HTTP ---
	handlers := gwhttp.NewHandlers(engine, consensusDriver, knowledgeSvc, eventStore, hub)

	r := chi.NewRouter()
	r.Use(gwhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(gwhttp.RequestID)
	r.Use(gwhttp.Logger)
	r.Use(gwotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/ws", hub.HandleWS)
	gwhttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("gatewright listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
			done <- syscall.SIGTERM
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// roster maps the configured participant pool into the domain type.
func roster(cfg config.Consensus) consensus.Roster {
	out := make(consensus.Roster, 0, len(cfg.Roster))
	for _, p := range cfg.Roster {
		out = append(out, consensus.Participant{ID: p.ID, Role: p.Role, Topics: p.Topics})
	}
	return out
}
