package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventSessionStatus   = "session.status"
	EventStepDecision    = "step.decision"
	EventCheckpoint      = "checkpoint.written"
	EventHumanPrompt     = "checkpoint.prompt"
	EventStallDetected   = "stall.detected"
	EventConsensusStatus = "consensus.status"
	EventReviewRound     = "review.round"
)

// SessionStatusEvent is broadcast when a session's status changes.
type SessionStatusEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StepID    string `json:"step_id,omitempty"`
}

// StepDecisionEvent is broadcast after each step-boundary decision.
type StepDecisionEvent struct {
	SessionID  string `json:"session_id"`
	StepID     string `json:"step_id"`
	Transition string `json:"transition"`
	Confidence int    `json:"confidence"`
	Band       string `json:"band"`
	EdgeCase   string `json:"edge_case,omitempty"`
}

// CheckpointEvent is broadcast when a checkpoint lands on disk.
type CheckpointEvent struct {
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
	Seq       int    `json:"seq"`
}

// HumanPromptEvent carries a rendered checkpoint presentation awaiting a
// human decision.
type HumanPromptEvent struct {
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id"`
	Format    string          `json:"format"`
	Prompt    json.RawMessage `json:"prompt"`
}

// StallEvent is broadcast when the detector flags a repeated outcome.
type StallEvent struct {
	SessionID   string `json:"session_id"`
	StepID      string `json:"step_id"`
	Hash        string `json:"hash"`
	Oscillation bool   `json:"oscillation,omitempty"`
	Routing     string `json:"routing"` // "consensus" or "human"
}

// ConsensusStatusEvent is broadcast on consensus session transitions.
type ConsensusStatusEvent struct {
	SessionID          string `json:"session_id"`
	ConsensusSessionID string `json:"consensus_session_id"`
	State              string `json:"state"`
	Round              int    `json:"round,omitempty"`
	ExitReason         string `json:"exit_reason,omitempty"`
	Summary            string `json:"summary,omitempty"`
}

// ReviewRoundEvent is broadcast when a dispatch round aggregates.
type ReviewRoundEvent struct {
	SessionID string  `json:"session_id"`
	StepID    string  `json:"step_id"`
	Tag       string  `json:"tag"`
	Findings  int     `json:"findings"`
	Agreement float64 `json:"agreement"`
}

// scoped is implemented by events that belong to a single session, so
// the hub can route them to that session's subscribers only.
type scoped interface {
	scope() string
}

func (e SessionStatusEvent) scope() string   { return e.SessionID }
func (e StepDecisionEvent) scope() string    { return e.SessionID }
func (e CheckpointEvent) scope() string      { return e.SessionID }
func (e HumanPromptEvent) scope() string     { return e.SessionID }
func (e StallEvent) scope() string           { return e.SessionID }
func (e ConsensusStatusEvent) scope() string { return e.SessionID }
func (e ReviewRoundEvent) scope() string     { return e.SessionID }

// BroadcastEvent marshals a typed event and routes it to the clients
// subscribed to its session. Unscoped payloads go to every client.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}
	msg, err := json.Marshal(Message{Type: eventType, Payload: json.RawMessage(data)})
	if err != nil {
		slog.Error("marshal ws event envelope", "type", eventType, "error", err)
		return
	}

	var sessionID string
	if s, ok := payload.(scoped); ok {
		sessionID = s.scope()
	}
	h.broadcast(ctx, sessionID, msg)
}
