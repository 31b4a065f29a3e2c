// Package knowledge defines the types exchanged with the external memory
// service through the Knowledge Bridge.
package knowledge

import (
	"errors"
	"time"
)

// Match is one ranked result of a topic query.
type Match struct {
	Topic   string  `json:"topic"`
	Content string  `json:"content"`
	Score   float64 `json:"score"` // normalized relevance in [0,1]
}

// QueryResult wraps matches with degradation state. A degraded result is
// not an error: the confidence calculator treats it as a missing signal.
type QueryResult struct {
	Matches  []Match `json:"matches"`
	Degraded bool    `json:"degraded,omitempty"`
}

// Quality reduces a result to the knowledge-match signal value: the best
// match score, or zero availability when degraded or empty.
func (r QueryResult) Quality() (float64, bool) {
	if r.Degraded || len(r.Matches) == 0 {
		return 0, false
	}
	best := r.Matches[0].Score
	for _, m := range r.Matches[1:] {
		if m.Score > best {
			best = m.Score
		}
	}
	return best, true
}

// Record is a write to the memory service. Writes are idempotent and safe
// to retry.
type Record struct {
	Topic     string    `json:"topic"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

var (
	ErrTopicRequired   = errors.New("record topic is required")
	ErrContentRequired = errors.New("record content is required")
)

// Validate checks a record before it is written or buffered.
func (r *Record) Validate() error {
	if r.Topic == "" {
		return ErrTopicRequired
	}
	if r.Content == "" {
		return ErrContentRequired
	}
	return nil
}
