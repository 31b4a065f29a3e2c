package http

import (
	"net/http"
	"time"

	"github.com/gatewright/gatewright/internal/adapter/ws"
	"github.com/gatewright/gatewright/internal/domain/knowledge"
	"github.com/gatewright/gatewright/internal/port/eventstore"
	"github.com/gatewright/gatewright/internal/service"
)

// Handlers bundles the services the REST adapter exposes.
type Handlers struct {
	engine    *service.EngineService
	consensus *service.ConsensusDriver
	knowledge *service.KnowledgeService
	events    eventstore.Store
	hub       *ws.Hub
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(engine *service.EngineService, consensus *service.ConsensusDriver, knowledgeSvc *service.KnowledgeService, events eventstore.Store, hub *ws.Hub) *Handlers {
	return &Handlers{
		engine:    engine,
		consensus: consensus,
		knowledge: knowledgeSvc,
		events:    events,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// Health reports service liveness plus bridge and buffer state.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptime_seconds":    int(time.Since(h.startedAt).Seconds()),
		"ws_connections":    h.hub.ConnectionCount(),
		"knowledge_breaker": h.knowledge.BreakerState(),
		"knowledge_buffer":  h.knowledge.Buffered(),
	})
}

// GetConsensusSession returns one consensus session with its transcript.
func (h *Handlers) GetConsensusSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	s, turns, ok := h.consensus.Session(id)
	if !ok {
		writeError(w, http.StatusNotFound, "consensus session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    s,
		"transcript": turns,
	})
}

// SignalConsensus records a human driver input for a running consensus
// session; exact-match exit keywords end it after the current round.
func (h *Handlers) SignalConsensus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[struct {
		Input string `json:"input"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Input, "input") {
		return
	}
	h.consensus.Signal(id, req.Input)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "signalled"})
}

// QueryKnowledge proxies a topic query to the Knowledge Bridge.
func (h *Handlers) QueryKnowledge(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[struct {
		Topic string `json:"topic"`
		K     int    `json:"k"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Topic, "topic") {
		return
	}
	writeJSON(w, http.StatusOK, h.knowledge.Query(r.Context(), req.Topic, req.K))
}

// WriteKnowledge persists a record through the Knowledge Bridge, buffering
// it locally when the memory service is unreachable.
func (h *Handlers) WriteKnowledge(w http.ResponseWriter, r *http.Request) {
	rec, ok := readJSON[knowledge.Record](w, r)
	if !ok {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if err := h.knowledge.Write(r.Context(), rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "acknowledged",
		"buffered": h.knowledge.Buffered(),
	})
}
