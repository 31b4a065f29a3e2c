package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "gatewright.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "GATEWRIGHT_PORT")
	setString(&cfg.Server.CORSOrigin, "GATEWRIGHT_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "GATEWRIGHT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "GATEWRIGHT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "GATEWRIGHT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "GATEWRIGHT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "GATEWRIGHT_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Telemetry.OTLPEndpoint, "GATEWRIGHT_OTLP_ENDPOINT")
	setString(&cfg.Logging.Level, "GATEWRIGHT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "GATEWRIGHT_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "GATEWRIGHT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "GATEWRIGHT_BREAKER_TIMEOUT")

	// Engine
	setInt(&cfg.Engine.Tier, "GATEWRIGHT_ENGINE_TIER")
	setInt(&cfg.Engine.Weights.Validation, "GATEWRIGHT_WEIGHT_VALIDATION")
	setInt(&cfg.Engine.Weights.Knowledge, "GATEWRIGHT_WEIGHT_KNOWLEDGE")
	setInt(&cfg.Engine.Weights.Reviewer, "GATEWRIGHT_WEIGHT_REVIEWER")
	setInt(&cfg.Engine.Weights.Consensus, "GATEWRIGHT_WEIGHT_CONSENSUS")
	setInt(&cfg.Engine.HighBand, "GATEWRIGHT_BAND_HIGH")
	setInt(&cfg.Engine.MediumBand, "GATEWRIGHT_BAND_MEDIUM")
	setInt(&cfg.Engine.MaxStepIterations, "GATEWRIGHT_MAX_STEP_ITERATIONS")
	setInt(&cfg.Engine.MaxIdenticalResumes, "GATEWRIGHT_MAX_IDENTICAL_RESUMES")

	// Dispatch
	setInt(&cfg.Dispatch.MaxConcurrent, "GATEWRIGHT_DISPATCH_MAX_CONCURRENT")
	setDuration(&cfg.Dispatch.BarrierTimeout, "GATEWRIGHT_DISPATCH_BARRIER_TIMEOUT")
	setDuration(&cfg.Dispatch.LockTimeout, "GATEWRIGHT_DISPATCH_LOCK_TIMEOUT")

	// Consensus
	setInt(&cfg.Consensus.MaxRounds, "GATEWRIGHT_CONSENSUS_MAX_ROUNDS")
	setDuration(&cfg.Consensus.RoundTimeout, "GATEWRIGHT_CONSENSUS_ROUND_TIMEOUT")
	setDuration(&cfg.Consensus.GracePeriod, "GATEWRIGHT_CONSENSUS_GRACE_PERIOD")

	// Stall
	setInt(&cfg.Stall.Window, "GATEWRIGHT_STALL_WINDOW")
	setInt(&cfg.Stall.MinAttempts, "GATEWRIGHT_STALL_MIN_ATTEMPTS")

	// Timeouts
	setDuration(&cfg.Timeouts.Operation, "GATEWRIGHT_TIMEOUT_OPERATION")
	setDuration(&cfg.Timeouts.NestedCall, "GATEWRIGHT_TIMEOUT_NESTED_CALL")
	setDuration(&cfg.Timeouts.Session, "GATEWRIGHT_TIMEOUT_SESSION")

	// Checkpoint
	setString(&cfg.Checkpoint.Dir, "GATEWRIGHT_CHECKPOINT_DIR")
	setDuration(&cfg.Checkpoint.LockStaleness, "GATEWRIGHT_CHECKPOINT_LOCK_STALENESS")

	// Knowledge
	setDuration(&cfg.Knowledge.QueryTimeout, "GATEWRIGHT_KNOWLEDGE_QUERY_TIMEOUT")
	setInt(&cfg.Knowledge.TopK, "GATEWRIGHT_KNOWLEDGE_TOP_K")
	setInt64(&cfg.Knowledge.CacheSizeMB, "GATEWRIGHT_KNOWLEDGE_CACHE_SIZE_MB")
	setInt(&cfg.Knowledge.WriteBufferCap, "GATEWRIGHT_KNOWLEDGE_WRITE_BUFFER_CAP")
}

// validate checks that required fields are set and thresholds are coherent.
// A violation here is a ConfigurationError: it halts the service before any
// session starts.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Engine.Tier < 0 || cfg.Engine.Tier > 4 {
		return fmt.Errorf("engine.tier must be 0-4, got %d", cfg.Engine.Tier)
	}
	w := cfg.Engine.Weights
	sum := w.Validation + w.Knowledge + w.Reviewer + w.Consensus
	if sum > 100 {
		return fmt.Errorf("engine.weights must sum to <= 100, got %d", sum)
	}
	for _, wv := range []int{w.Validation, w.Knowledge, w.Reviewer, w.Consensus} {
		if wv < 0 || wv > 100 {
			return fmt.Errorf("engine weight out of range 0-100: %d", wv)
		}
	}
	if cfg.Engine.MediumBand >= cfg.Engine.HighBand {
		return fmt.Errorf("engine.medium_band (%d) must be below engine.high_band (%d)",
			cfg.Engine.MediumBand, cfg.Engine.HighBand)
	}
	if cfg.Dispatch.MaxConcurrent < 1 {
		return errors.New("dispatch.max_concurrent must be >= 1")
	}
	if cfg.Consensus.MinParticipants < 2 || cfg.Consensus.MaxParticipants > 3 ||
		cfg.Consensus.MinParticipants > cfg.Consensus.MaxParticipants {
		return errors.New("consensus participants must be within 2-3")
	}
	if cfg.Consensus.MaxRounds < 1 {
		return errors.New("consensus.max_rounds must be >= 1")
	}
	if len(cfg.Consensus.Roster) < cfg.Consensus.MinParticipants {
		return fmt.Errorf("consensus.roster has %d participants, need at least %d",
			len(cfg.Consensus.Roster), cfg.Consensus.MinParticipants)
	}
	if cfg.Stall.Window < 1 {
		return errors.New("stall.window must be >= 1")
	}
	if cfg.Checkpoint.Dir == "" {
		return errors.New("checkpoint.dir is required")
	}
	if cfg.Knowledge.WriteBufferCap < 1 {
		return errors.New("knowledge.write_buffer_cap must be >= 1")
	}
	// Timeout tiers must strictly nest: operation < consensus round < nested call < session.
	if !(cfg.Timeouts.Operation < cfg.Consensus.RoundTimeout &&
		cfg.Consensus.RoundTimeout < cfg.Timeouts.NestedCall &&
		cfg.Timeouts.NestedCall < cfg.Timeouts.Session) {
		return errors.New("timeout tiers must satisfy operation < consensus round < nested call < session")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
