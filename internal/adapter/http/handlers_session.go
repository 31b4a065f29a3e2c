package http

import (
	"net/http"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/session"
)

type createSessionRequest struct {
	Name     string          `json:"name"`
	Graph    string          `json:"graph"` // YAML step graph
	Override config.Override `json:"override"`
}

// CreateSession instantiates a workflow session from a step graph.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createSessionRequest](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Graph, "graph") {
		return
	}

	ws, err := h.engine.CreateSession(r.Context(), req.Name, []byte(req.Graph), req.Override)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

// ListSessions returns all sessions, newest first.
func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Sessions())
}

// GetSession returns one session aggregate including confidence history.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ws, err := h.engine.Session(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// StartSession begins driving the session's control loop.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.engine.StartSession(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// DecideCheckpoint supplies the human decision for a paused checkpoint.
func (h *Handlers) DecideCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[struct {
		Decision string `json:"decision"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Decision, "decision") {
		return
	}

	if err := h.engine.Decide(r.Context(), id, session.HumanDecision(req.Decision)); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

// ResolveChoice supplies the forced choice after the resume loop-guard or
// the iteration bound tripped.
func (h *Handlers) ResolveChoice(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[struct {
		Choice string `json:"choice"`
	}](w, r)
	if !ok {
		return
	}
	if !requireField(w, req.Choice, "choice") {
		return
	}

	if err := h.engine.ResolveChoice(r.Context(), id, session.ResumeChoice(req.Choice)); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "applied"})
}

// ResumeSession reloads a session from its latest good checkpoint.
func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.engine.ResumeSession(r.Context(), id); err != nil {
		writeDomainError(w, err, "no checkpoint found for session")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
}

// ListFindings returns the session's aggregated review findings.
func (h *Handlers) ListFindings(w http.ResponseWriter, r *http.Request) {
	findings, err := h.engine.Findings(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

// GetPrompt returns the pending checkpoint presentation for a paused
// session.
func (h *Handlers) GetPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := h.engine.Prompt(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "no pending prompt")
		return
	}
	writeJSON(w, http.StatusOK, prompt)
}

// ListSessionEvents returns the session's audit trail in sequence order.
func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.LoadBySession(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
