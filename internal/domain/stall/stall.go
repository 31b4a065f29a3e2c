// Package stall detects repeated step outcomes. A stall is repetition of
// the same validation output across attempts; deadlocks are timing-based
// and handled by the engine's timeout tiers, not here.
package stall

import (
	"encoding/hex"
	"hash/fnv"
)

// Record tracks consensus history for one distinct output hash. It prevents
// repeated failed consensus attempts on the identical error set.
type Record struct {
	Hash               string `json:"hash"`
	Count              int    `json:"count"`
	ConsensusAttempted bool   `json:"consensus_attempted"`
	NoConsensus        bool   `json:"no_consensus"`
}

// Verdict is the detector's answer for one recorded output.
type Verdict struct {
	Hash        string
	Stalled     bool
	Oscillation bool
}

// Tracker monitors successive validation-output hashes for one session.
// Owned exclusively by the engine; never shared across sessions.
type Tracker struct {
	window      int
	oscWindow   int
	minAttempts int

	history []string
	records map[string]*Record
}

// NewTracker creates a tracker. window is the repeat-hash sliding window,
// oscWindow the A-B-A-B detection window, minAttempts the attempt count
// below which repeats are not yet stalls.
func NewTracker(window, oscWindow, minAttempts int) *Tracker {
	if window <= 0 {
		window = 2
	}
	if oscWindow < window {
		oscWindow = 2 * window
	}
	if minAttempts <= 0 {
		minAttempts = 2
	}
	return &Tracker{
		window:      window,
		oscWindow:   oscWindow,
		minAttempts: minAttempts,
		records:     make(map[string]*Record),
	}
}

// Observe hashes a step's validation output and reports whether the session
// is stalled. A repeat within the window counts only once the step has been
// attempted at least minAttempts times; an A-B-A-B oscillation across the
// longer window is treated identically to a plain stall.
func (t *Tracker) Observe(output []byte, attempt int) Verdict {
	h := Hash(output)
	v := Verdict{Hash: h}

	rec, ok := t.records[h]
	if !ok {
		rec = &Record{Hash: h}
		t.records[h] = rec
	}
	rec.Count++

	if attempt >= t.minAttempts {
		v.Stalled = t.repeatedRecently(h)
		if !v.Stalled && t.oscillating(h) {
			v.Stalled = true
			v.Oscillation = true
		}
	}

	t.push(h)
	return v
}

// RecordFor returns the stall record for a hash, or nil if never seen.
func (t *Tracker) RecordFor(hash string) *Record {
	return t.records[hash]
}

// ShouldConvene reports whether a consensus session may be convened for the
// hash: at most one per distinct hash.
func (t *Tracker) ShouldConvene(hash string) bool {
	rec := t.records[hash]
	return rec != nil && !rec.ConsensusAttempted
}

// MarkConvened records that a consensus session was created for the hash.
func (t *Tracker) MarkConvened(hash string) {
	if rec := t.records[hash]; rec != nil {
		rec.ConsensusAttempted = true
	}
}

// MarkNoConsensus records a no_consensus outcome; a later stall on the same
// hash routes directly to human escalation.
func (t *Tracker) MarkNoConsensus(hash string) {
	if rec := t.records[hash]; rec != nil {
		rec.NoConsensus = true
	}
}

// EscalateDirectly reports whether the hash already burned its consensus
// attempt without converging.
func (t *Tracker) EscalateDirectly(hash string) bool {
	rec := t.records[hash]
	return rec != nil && rec.NoConsensus
}

// Records returns all stall records, for checkpoint snapshots.
func (t *Tracker) Records() []Record {
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// Restore reloads stall records from a checkpoint snapshot.
func (t *Tracker) Restore(records []Record) {
	for i := range records {
		r := records[i]
		t.records[r.Hash] = &r
	}
}

func (t *Tracker) repeatedRecently(h string) bool {
	n := len(t.history)
	for i := n - 1; i >= 0 && i >= n-t.window; i-- {
		if t.history[i] == h {
			return true
		}
	}
	return false
}

// oscillating detects a period-2 pattern: the new hash matches two
// positions back and the last hash matches three back, within the window.
func (t *Tracker) oscillating(h string) bool {
	n := len(t.history)
	if n < 3 || t.oscWindow < 4 {
		return false
	}
	return h == t.history[n-2] && t.history[n-1] == t.history[n-3] && h != t.history[n-1]
}

func (t *Tracker) push(h string) {
	t.history = append(t.history, h)
	if len(t.history) > t.oscWindow {
		t.history = t.history[len(t.history)-t.oscWindow:]
	}
}

// Hash returns the FNV-64a content hash of a validation output, hex-encoded
// for use as a stable record key.
func Hash(output []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(output)
	return hex.EncodeToString(h.Sum(nil))
}
