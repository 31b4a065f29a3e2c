package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatewright/gatewright/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
// Past rows are never updated; the per-session seq is assigned atomically
// at insert time so checkpoint and decision events stay strictly ordered.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event, assigning the next per-session sequence number.
func (s *EventStore) Append(ctx context.Context, ev *event.EngineEvent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO engine_events (session_id, step_id, event_type, payload, seq)
		 VALUES ($1, $2, $3, COALESCE($4, '{}'::jsonb),
		         (SELECT COALESCE(MAX(seq), 0) + 1 FROM engine_events WHERE session_id = $1))
		 RETURNING id, seq, created_at`,
		ev.SessionID, ev.StepID, string(ev.Type), ev.Payload)
	if err := row.Scan(&ev.ID, &ev.Seq, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = `id, session_id, step_id, event_type, payload, seq, created_at`

func scanEvent(scanner interface{ Scan(dest ...any) error }, ev *event.EngineEvent) error {
	return scanner.Scan(&ev.ID, &ev.SessionID, &ev.StepID, &ev.Type, &ev.Payload, &ev.Seq, &ev.CreatedAt)
}

// LoadBySession returns all events for the session, ordered by sequence.
func (s *EventStore) LoadBySession(ctx context.Context, sessionID string) ([]event.EngineEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM engine_events WHERE session_id = $1 ORDER BY seq ASC`, eventColumns),
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("load events for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []event.EngineEvent
	for rows.Next() {
		var ev event.EngineEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadByType returns the session's events of one type, ordered by sequence.
func (s *EventStore) LoadByType(ctx context.Context, sessionID string, t event.Type) ([]event.EngineEvent, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM engine_events WHERE session_id = $1 AND event_type = $2 ORDER BY seq ASC`, eventColumns),
		sessionID, string(t))
	if err != nil {
		return nil, fmt.Errorf("load %s events for session %s: %w", t, sessionID, err)
	}
	defer rows.Close()

	var events []event.EngineEvent
	for rows.Next() {
		var ev event.EngineEvent
		if err := scanEvent(rows, &ev); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
