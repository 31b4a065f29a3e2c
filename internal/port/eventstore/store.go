// Package eventstore defines the port interface for the append-only engine
// audit store.
package eventstore

import (
	"context"

	"github.com/gatewright/gatewright/internal/domain/event"
)

// Store is the port interface for appending and loading engine events.
type Store interface {
	// Append persists a new event. The store assigns the per-session
	// monotonic sequence number.
	Append(ctx context.Context, ev *event.EngineEvent) error

	// LoadBySession returns all events for the session, ordered by sequence.
	LoadBySession(ctx context.Context, sessionID string) ([]event.EngineEvent, error)

	// LoadByType returns the session's events of one type, ordered by sequence.
	LoadByType(ctx context.Context, sessionID string, t event.Type) ([]event.EngineEvent, error)
}
