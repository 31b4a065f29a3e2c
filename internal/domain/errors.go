// Package domain holds cross-cutting domain errors for the engine.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned when request input fails validation.
var ErrValidation = errors.New("validation failed")

// ErrConflict is returned when an operation conflicts with the current
// state of a session, such as resuming a session that is still running.
var ErrConflict = errors.New("conflict")

// Error taxonomy for the engine. Only ErrConfiguration and
// ErrCheckpointCorrupt are fatal to a whole session; every other kind
// degrades functionality or triggers escalation but keeps the session
// resumable.
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrSignalUnavailable = errors.New("signal unavailable")
	ErrTaskFailure       = errors.New("task failure")
	ErrStallDetected     = errors.New("stall detected")
	ErrDeadlockTimeout   = errors.New("deadlock timeout")
	ErrCheckpointCorrupt = errors.New("checkpoint corruption")
	ErrMaxIterations     = errors.New("max iterations exceeded")
)

// Fatal reports whether err terminates the whole session.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrCheckpointCorrupt)
}

// Failure is a user-visible failure. It always carries what failed, why,
// and at least one concrete next action, never a bare error code.
type Failure struct {
	What       string `json:"what"`
	Why        string `json:"why"`
	NextAction string `json:"next_action"`
	Kind       error  `json:"-"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s (next: %s)", f.What, f.Why, f.NextAction)
}

func (f *Failure) Unwrap() error {
	return f.Kind
}

// NewFailure builds a Failure wrapping one of the taxonomy sentinels.
func NewFailure(kind error, what, why, next string) *Failure {
	return &Failure{What: what, Why: why, NextAction: next, Kind: kind}
}
