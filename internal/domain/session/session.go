// Package session defines the WorkflowSession domain entity: a multi-step,
// confidence-gated workflow owned exclusively by the decision engine.
package session

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow session.
type Status string

const (
	StatusRunning           Status = "running"
	StatusPausedForHuman    Status = "paused_for_human"
	StatusAwaitingConsensus Status = "awaiting_consensus"
	StatusCompleted         Status = "completed"
	StatusAborted           Status = "aborted"
)

// IsTerminal returns true if the session is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted
}

// ValidationKind identifies how a step's output is validated.
type ValidationKind string

const (
	ValidationVerdict    ValidationKind = "verdict"
	ValidationErrorCount ValidationKind = "error_count"
	ValidationChecklist  ValidationKind = "checklist"
)

// Transition is the decision the engine takes at a step boundary.
type Transition string

const (
	TransitionAutoAdvance       Transition = "auto_advance"
	TransitionCheckpoint        Transition = "checkpoint"
	TransitionAwaitingConsensus Transition = "awaiting_consensus"
	TransitionAborted           Transition = "aborted"
	TransitionCompleted         Transition = "completed"
)

// Step is one unit of the workflow graph. Steps are immutable once the
// graph is loaded.
type Step struct {
	ID                  string          `json:"id" yaml:"id"`
	Ordinal             int             `json:"ordinal" yaml:"ordinal"`
	RequiredInputs      []string        `json:"required_inputs,omitempty" yaml:"required_inputs,omitempty"`
	MandatoryCheckpoint bool            `json:"mandatory_checkpoint" yaml:"mandatory_checkpoint"`
	ValidationKind      ValidationKind  `json:"validation_kind" yaml:"validation_kind"`
	Payload             json.RawMessage `json:"payload,omitempty" yaml:"-"`

	// LoopTo, when set, is an explicit transition edge back to an earlier
	// ordinal, bounded by MaxIterations.
	LoopTo        *int `json:"loop_to,omitempty" yaml:"loop_to,omitempty"`
	MaxIterations int  `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// ConfidencePoint is one entry in a session's append-only confidence history.
type ConfidencePoint struct {
	StepID     string     `json:"step_id"`
	Score      int        `json:"score"`
	Band       string     `json:"band"`
	Transition Transition `json:"transition"`
	At         time.Time  `json:"at"`
}

// WorkflowSession is the aggregate the engine drives. Only the engine
// mutates it; workers return results and never touch session state.
type WorkflowSession struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Tier        int    `json:"tier"`
	Status      Status `json:"status"`
	Steps       []Step `json:"steps"`
	CurrentStep int    `json:"current_step"`

	// ConfidenceHistory is append-only: one point per decision.
	ConfidenceHistory []ConfidencePoint `json:"confidence_history"`

	// Iterations counts loop-back re-entries per step id.
	Iterations map[string]int `json:"iterations,omitempty"`

	// AbortReason records the failure that aborted the session, if any.
	AbortReason string `json:"abort_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Current returns the step at the current index, or nil past the end.
func (ws *WorkflowSession) Current() *Step {
	if ws.CurrentStep < 0 || ws.CurrentStep >= len(ws.Steps) {
		return nil
	}
	return &ws.Steps[ws.CurrentStep]
}

// RecordConfidence appends a point to the confidence history.
func (ws *WorkflowSession) RecordConfidence(p ConfidencePoint) {
	ws.ConfidenceHistory = append(ws.ConfidenceHistory, p)
}

// StepResult is the validation output a step execution collaborator returns.
// Output is the raw content the stall detector hashes.
type StepResult struct {
	StepID          string `json:"step_id"`
	Output          []byte `json:"output"`
	Verdict         string `json:"verdict,omitempty"`
	ErrorCount      int    `json:"error_count,omitempty"`
	ChecklistPassed int    `json:"checklist_passed,omitempty"`
	ChecklistTotal  int    `json:"checklist_total,omitempty"`
	Attempt         int    `json:"attempt"`
}

// HumanDecision is the choice supplied at a paused checkpoint.
type HumanDecision string

const (
	DecisionApprove HumanDecision = "approve"
	DecisionRevise  HumanDecision = "revise"
	DecisionAbort   HumanDecision = "abort"
)

// ResumeChoice is the forced choice after the resume loop-guard trips, and
// the terminal choice after MaxIterationsExceeded.
type ResumeChoice string

const (
	ChoiceRestart          ResumeChoice = "restart"
	ChoiceSkip             ResumeChoice = "skip"
	ChoiceAbort            ResumeChoice = "abort"
	ChoiceAcceptWithIssues ResumeChoice = "accept_with_issues"
	ChoiceManualTakeover   ResumeChoice = "manual_takeover"
)
