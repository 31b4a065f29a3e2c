package service

import (
	"testing"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/confidence"
	"github.com/gatewright/gatewright/internal/domain/session"
)

var testWeights = config.Weights{Validation: 35, Knowledge: 25, Reviewer: 25, Consensus: 15}

func TestSignalStoreCollectDistinguishesMissingFromZero(t *testing.T) {
	s := NewSignalStore()
	s.SetValidation("draft", 0) // measured zero
	s.SetReviewer("draft", 0.8)

	got := s.Collect(testWeights, "draft")
	if len(got) != 4 {
		t.Fatalf("collected %d signals, want 4", len(got))
	}

	byName := make(map[string]confidence.Signal)
	for _, sig := range got {
		byName[sig.Name] = sig
	}

	v := byName[confidence.SignalValidation]
	if !v.Available || v.Raw != 0 {
		t.Errorf("validation = %+v, want available measured zero", v)
	}
	if byName[confidence.SignalKnowledge].Available {
		t.Error("knowledge was never measured, must be unavailable")
	}
	if byName[confidence.SignalConsensus].Available {
		t.Error("consensus was never measured, must be unavailable")
	}
	if r := byName[confidence.SignalReviewer]; !r.Available || r.Raw != 0.8 {
		t.Errorf("reviewer = %+v", r)
	}
}

func TestSignalStoreClearAndIsolationPerStep(t *testing.T) {
	s := NewSignalStore()
	s.SetValidation("a", 1)
	s.SetValidation("b", 0.5)

	s.Clear("a")

	for _, sig := range s.Collect(testWeights, "a") {
		if sig.Available {
			t.Errorf("step a signal %s survived Clear", sig.Name)
		}
	}
	for _, sig := range s.Collect(testWeights, "b") {
		if sig.Name == confidence.SignalValidation && !sig.Available {
			t.Error("Clear of step a dropped step b's signal")
		}
	}
}

func TestSignalStoreSnapshotRestore(t *testing.T) {
	s := NewSignalStore()
	s.SetValidation("draft", 1)
	s.SetKnowledge("draft", 0.7)

	restored := NewSignalStore()
	restored.Restore(s.Snapshot())

	for _, sig := range restored.Collect(testWeights, "draft") {
		switch sig.Name {
		case confidence.SignalValidation:
			if !sig.Available || sig.Raw != 1 {
				t.Errorf("validation lost in round trip: %+v", sig)
			}
		case confidence.SignalKnowledge:
			if !sig.Available || sig.Raw != 0.7 {
				t.Errorf("knowledge lost in round trip: %+v", sig)
			}
		}
	}
}

func TestValidationSignal(t *testing.T) {
	tests := []struct {
		name string
		kind session.ValidationKind
		res  session.StepResult
		want float64
	}{
		{"verdict pass", session.ValidationVerdict, session.StepResult{Verdict: "pass"}, 1},
		{"verdict fail", session.ValidationVerdict, session.StepResult{Verdict: "fail"}, 0},
		{"zero errors", session.ValidationErrorCount, session.StepResult{ErrorCount: 0}, 1},
		{"three errors", session.ValidationErrorCount, session.StepResult{ErrorCount: 3}, 0.25},
		{"checklist partial", session.ValidationChecklist, session.StepResult{ChecklistPassed: 3, ChecklistTotal: 4}, 0.75},
		{"checklist empty", session.ValidationChecklist, session.StepResult{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidationSignal(tt.kind, &tt.res); got != tt.want {
				t.Errorf("ValidationSignal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationPassed(t *testing.T) {
	if !ValidationPassed(session.ValidationVerdict, &session.StepResult{Verdict: "pass"}) {
		t.Error("verdict pass should pass")
	}
	if ValidationPassed(session.ValidationErrorCount, &session.StepResult{ErrorCount: 1}) {
		t.Error("nonzero error count should fail")
	}
	if ValidationPassed(session.ValidationChecklist, &session.StepResult{ChecklistPassed: 0, ChecklistTotal: 0}) {
		t.Error("empty checklist should fail")
	}
	if !ValidationPassed(session.ValidationChecklist, &session.StepResult{ChecklistPassed: 4, ChecklistTotal: 4}) {
		t.Error("complete checklist should pass")
	}
}
