package session

import (
	"encoding/json"
	"errors"
	"testing"
)

const validGraph = `
name: doc-pipeline
steps:
  - id: outline
    validation_kind: checklist
  - id: draft
    validation_kind: verdict
    required_inputs: [outline]
    payload:
      review:
        - reviewer_id: r1
          focus: structure
  - id: validate
    validation_kind: error_count
    mandatory_checkpoint: true
    loop_to: 1
    max_iterations: 3
`

func TestParseGraph(t *testing.T) {
	g, err := ParseGraph([]byte(validGraph))
	if err != nil {
		t.Fatalf("ParseGraph: %v", err)
	}
	if g.Name != "doc-pipeline" || len(g.Steps) != 3 {
		t.Fatalf("unexpected graph: %+v", g)
	}

	for i, s := range g.Steps {
		if s.Ordinal != i {
			t.Errorf("step %s ordinal = %d, want %d", s.ID, s.Ordinal, i)
		}
	}

	if !g.Steps[2].MandatoryCheckpoint {
		t.Error("mandatory_checkpoint not parsed")
	}
	if g.Steps[2].LoopTo == nil || *g.Steps[2].LoopTo != 1 {
		t.Error("loop_to not parsed")
	}

	// Payloads arrive as JSON for the collaborators.
	var payload map[string]any
	if err := json.Unmarshal(g.Steps[1].Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if _, ok := payload["review"]; !ok {
		t.Error("payload lost the review block")
	}
}

func TestParseGraphErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{"empty", "steps: []", ErrNoSteps},
		{"missing id", "steps:\n  - validation_kind: verdict", ErrStepMissingID},
		{
			"duplicate id",
			"steps:\n  - id: a\n    validation_kind: verdict\n  - id: a\n    validation_kind: verdict",
			ErrDuplicateStepID,
		},
		{"bad validation", "steps:\n  - id: a\n    validation_kind: vibes", ErrInvalidValidation},
		{
			"forward loop",
			"steps:\n  - id: a\n    validation_kind: verdict\n    loop_to: 0\n    max_iterations: 2",
			ErrLoopTargetInvalid,
		},
		{
			"unbounded loop",
			"steps:\n  - id: a\n    validation_kind: verdict\n  - id: b\n    validation_kind: verdict\n    loop_to: 0",
			ErrLoopUnbounded,
		},
		{
			"unknown required input",
			"steps:\n  - id: a\n    validation_kind: verdict\n    required_inputs: [ghost]",
			ErrUnknownRequiredStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGraph([]byte(tt.yaml))
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWorkflowSessionCurrent(t *testing.T) {
	ws := WorkflowSession{Steps: []Step{{ID: "a"}, {ID: "b"}}}

	if got := ws.Current(); got == nil || got.ID != "a" {
		t.Errorf("Current() = %v, want step a", got)
	}
	ws.CurrentStep = 2
	if ws.Current() != nil {
		t.Error("Current() past the end should be nil")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusRunning, StatusPausedForHuman, StatusAwaitingConsensus} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusAborted} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}
