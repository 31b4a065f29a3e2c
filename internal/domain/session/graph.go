package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoSteps             = errors.New("graph must have at least one step")
	ErrStepMissingID       = errors.New("step id is required")
	ErrDuplicateStepID     = errors.New("duplicate step id")
	ErrInvalidValidation   = errors.New("invalid validation_kind")
	ErrLoopTargetInvalid   = errors.New("loop_to must reference an earlier ordinal")
	ErrLoopUnbounded       = errors.New("loop_to requires max_iterations >= 1")
	ErrUnknownRequiredStep = errors.New("required input references unknown step")
)

// Graph is the ordered step list a session is instantiated from.
// The free-form step payloads are consumed by the external step-execution
// collaborator; the engine only reads the gating fields.
type Graph struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// rawGraph mirrors Graph with the free-form payloads kept as YAML maps so
// they can be re-encoded to JSON for the collaborators.
type rawGraph struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Step    `yaml:",inline"`
		Payload map[string]any `yaml:"payload"`
	} `yaml:"steps"`
}

// ParseGraph decodes a YAML step graph definition and validates it.
func ParseGraph(data []byte) (*Graph, error) {
	var raw rawGraph
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}

	g := Graph{Name: raw.Name, Steps: make([]Step, 0, len(raw.Steps))}
	for i, rs := range raw.Steps {
		step := rs.Step
		// Ordinals follow list order when omitted.
		step.Ordinal = i
		if len(rs.Payload) > 0 {
			payload, err := json.Marshal(rs.Payload)
			if err != nil {
				return nil, fmt.Errorf("step %d payload: %w", i, err)
			}
			step.Payload = payload
		}
		g.Steps = append(g.Steps, step)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate checks the graph for structural correctness: unique ids, known
// validation kinds, required inputs referencing earlier steps, and bounded
// loop edges pointing backwards.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return ErrNoSteps
	}

	ordinals := make(map[string]int, len(g.Steps))
	for i, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingID)
		}
		if _, dup := ordinals[s.ID]; dup {
			return fmt.Errorf("step %d (%s): %w", i, s.ID, ErrDuplicateStepID)
		}
		ordinals[s.ID] = i

		switch s.ValidationKind {
		case ValidationVerdict, ValidationErrorCount, ValidationChecklist:
		default:
			return fmt.Errorf("step %s: %q: %w", s.ID, s.ValidationKind, ErrInvalidValidation)
		}
	}

	for _, s := range g.Steps {
		for _, in := range s.RequiredInputs {
			ord, ok := ordinals[in]
			if !ok || ord >= s.Ordinal {
				return fmt.Errorf("step %s requires %q: %w", s.ID, in, ErrUnknownRequiredStep)
			}
		}
		if s.LoopTo != nil {
			if *s.LoopTo < 0 || *s.LoopTo >= s.Ordinal {
				return fmt.Errorf("step %s loop_to %d: %w", s.ID, *s.LoopTo, ErrLoopTargetInvalid)
			}
			if s.MaxIterations < 1 {
				return fmt.Errorf("step %s: %w", s.ID, ErrLoopUnbounded)
			}
		}
	}

	return nil
}
