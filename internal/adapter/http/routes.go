package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Sessions
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Post("/sessions/{id}/start", h.StartSession)
		r.Post("/sessions/{id}/decision", h.DecideCheckpoint)
		r.Post("/sessions/{id}/choice", h.ResolveChoice)
		r.Post("/sessions/{id}/resume", h.ResumeSession)
		r.Get("/sessions/{id}/findings", h.ListFindings)
		r.Get("/sessions/{id}/prompt", h.GetPrompt)
		r.Get("/sessions/{id}/events", h.ListSessionEvents)

		// Consensus inspection
		r.Get("/consensus/{id}", h.GetConsensusSession)
		r.Post("/consensus/{id}/signal", h.SignalConsensus)

		// Knowledge Bridge
		r.Post("/knowledge/query", h.QueryKnowledge)
		r.Post("/knowledge/write", h.WriteKnowledge)
	})
}
