package service

import (
	"encoding/json"
	"fmt"

	"github.com/gatewright/gatewright/internal/domain/review"
	"github.com/gatewright/gatewright/internal/domain/session"
)

// PayloadPlanner derives a step's review plan from an optional `review`
// block inside the step payload. Steps without one get no review round.
type PayloadPlanner struct{}

type payloadReviewSpec struct {
	Review []struct {
		ReviewerID string `json:"reviewer_id"`
		Focus      string `json:"focus"`
	} `json:"review"`
}

// Plan parses the payload's review block into dispatchable tasks.
func (PayloadPlanner) Plan(s session.Step) []review.Task {
	if len(s.Payload) == 0 {
		return nil
	}
	var spec payloadReviewSpec
	if json.Unmarshal(s.Payload, &spec) != nil {
		return nil
	}

	tasks := make([]review.Task, 0, len(spec.Review))
	for i, r := range spec.Review {
		if r.ReviewerID == "" {
			continue
		}
		tasks = append(tasks, review.Task{
			ID:         fmt.Sprintf("%s-review-%d", s.ID, i+1),
			ReviewerID: r.ReviewerID,
			Focus:      r.Focus,
		})
	}
	return tasks
}
