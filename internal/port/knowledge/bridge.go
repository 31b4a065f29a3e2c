// Package knowledge defines the transport port for the external memory
// service.
package knowledge

import (
	"context"

	"github.com/gatewright/gatewright/internal/domain/knowledge"
)

// Bridge is the transport interface to the external memory service.
// Both operations are idempotent and safe to retry; degradation handling
// (buffering, caching, breaker) lives above this port.
type Bridge interface {
	// Query returns up to k ranked matches for a topic. An empty result is
	// valid.
	Query(ctx context.Context, topic string, k int) ([]knowledge.Match, error)

	// Write persists a record and returns once the service acknowledges it.
	Write(ctx context.Context, rec knowledge.Record) error

	// Connected reports current connectivity to the memory service.
	Connected() bool

	// Close releases the transport.
	Close() error
}
