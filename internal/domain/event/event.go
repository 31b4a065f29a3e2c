// Package event defines the append-only engine audit events.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies an engine event kind.
type Type string

const (
	TypeSessionCreated   Type = "session_created"
	TypeSessionStarted   Type = "session_started"
	TypeSessionCompleted Type = "session_completed"
	TypeSessionAborted   Type = "session_aborted"
	TypeSessionResumed   Type = "session_resumed"

	TypeDecision          Type = "decision"
	TypeHumanDecision     Type = "human_decision"
	TypeCheckpointWritten Type = "checkpoint_written"

	TypeReviewRound       Type = "review_round"
	TypeStallDetected     Type = "stall_detected"
	TypeDeadlockCancelled Type = "deadlock_cancelled"

	TypeConsensusStarted Type = "consensus_started"
	TypeConsensusRound   Type = "consensus_round"
	TypeConsensusEnded   Type = "consensus_ended"

	TypeKnowledgeDegraded Type = "knowledge_degraded"
)

// EngineEvent is one record in the append-only audit trail. Seq is the
// per-session monotonic sequence assigned by the store.
type EngineEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int             `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}
