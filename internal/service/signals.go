package service

import (
	"sync"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/confidence"
	"github.com/gatewright/gatewright/internal/domain/session"
)

// StepSignals holds the raw observable outcomes for one step. A nil pointer
// means the signal was never measured, which is different from measuring
// zero.
type StepSignals struct {
	Validation *float64 `json:"validation,omitempty"`
	Knowledge  *float64 `json:"knowledge,omitempty"`
	Reviewer   *float64 `json:"reviewer,omitempty"`
	Consensus  *float64 `json:"consensus,omitempty"`
}

// SignalStore keeps per-step signal values for one session. Signals are
// computed fresh per decision point and snapshotted into checkpoints, never
// otherwise persisted.
type SignalStore struct {
	mu    sync.Mutex
	steps map[string]*StepSignals
}

// NewSignalStore creates an empty signal store.
func NewSignalStore() *SignalStore {
	return &SignalStore{steps: make(map[string]*StepSignals)}
}

func (s *SignalStore) step(stepID string) *StepSignals {
	ss, ok := s.steps[stepID]
	if !ok {
		ss = &StepSignals{}
		s.steps[stepID] = ss
	}
	return ss
}

// SetValidation records the validation signal derived from a step result.
func (s *SignalStore) SetValidation(stepID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step(stepID).Validation = &v
}

// SetKnowledge records the knowledge-match quality signal.
func (s *SignalStore) SetKnowledge(stepID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step(stepID).Knowledge = &v
}

// SetReviewer records the reviewer-agreement signal.
func (s *SignalStore) SetReviewer(stepID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step(stepID).Reviewer = &v
}

// SetConsensus records the consensus-outcome signal.
func (s *SignalStore) SetConsensus(stepID string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step(stepID).Consensus = &v
}

// Clear drops the signals for a step, used when a step re-enters through a
// loop edge and must be measured fresh.
func (s *SignalStore) Clear(stepID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, stepID)
}

// Collect assembles the weighted signal set for a decision point. Missing
// signals are included unavailable so the calculator can distinguish them
// from measured zeros.
func (s *SignalStore) Collect(w config.Weights, stepID string) []confidence.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss, ok := s.steps[stepID]
	if !ok {
		ss = &StepSignals{}
	}
	return []confidence.Signal{
		signal(confidence.SignalValidation, w.Validation, ss.Validation),
		signal(confidence.SignalKnowledge, w.Knowledge, ss.Knowledge),
		signal(confidence.SignalReviewer, w.Reviewer, ss.Reviewer),
		signal(confidence.SignalConsensus, w.Consensus, ss.Consensus),
	}
}

func signal(name string, weight int, v *float64) confidence.Signal {
	out := confidence.Signal{Name: name, Weight: weight}
	if v != nil {
		out.Raw = *v
		out.Available = true
	}
	return out
}

// Snapshot returns a copy of all step signals for checkpointing.
func (s *SignalStore) Snapshot() map[string]StepSignals {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]StepSignals, len(s.steps))
	for id, ss := range s.steps {
		out[id] = *ss
	}
	return out
}

// Restore reloads step signals from a checkpoint snapshot.
func (s *SignalStore) Restore(snap map[string]StepSignals) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps = make(map[string]*StepSignals, len(snap))
	for id, ss := range snap {
		c := ss
		s.steps[id] = &c
	}
}

// ValidationSignal reduces a step result to the normalized validation
// signal value in [0,1] according to the step's validation kind.
func ValidationSignal(kind session.ValidationKind, res *session.StepResult) float64 {
	switch kind {
	case session.ValidationVerdict:
		if res.Verdict == "pass" {
			return 1
		}
		return 0
	case session.ValidationErrorCount:
		if res.ErrorCount <= 0 {
			return 1
		}
		return 1 / float64(1+res.ErrorCount)
	case session.ValidationChecklist:
		if res.ChecklistTotal <= 0 {
			return 0
		}
		return float64(res.ChecklistPassed) / float64(res.ChecklistTotal)
	default:
		return 0
	}
}

// ValidationPassed reports whether a step result counts as passing for
// loop-edge purposes.
func ValidationPassed(kind session.ValidationKind, res *session.StepResult) bool {
	switch kind {
	case session.ValidationVerdict:
		return res.Verdict == "pass"
	case session.ValidationErrorCount:
		return res.ErrorCount == 0
	case session.ValidationChecklist:
		return res.ChecklistTotal > 0 && res.ChecklistPassed == res.ChecklistTotal
	default:
		return false
	}
}
