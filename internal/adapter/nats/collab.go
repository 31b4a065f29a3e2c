package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/gatewright/gatewright/internal/domain/consensus"
	"github.com/gatewright/gatewright/internal/domain/review"
	"github.com/gatewright/gatewright/internal/domain/session"
)

// Collaborator subjects. Workers subscribe to these and reply with the
// structured result the engine consumes; their inner semantics stay
// outside the engine.
const (
	subjectExecute = "collab.step.execute"
	subjectReview  = "collab.review.task"
	subjectRespond = "collab.consensus.turn"
)

// Collab implements the engine's collaborator ports (step execution,
// review tasks, consensus turns) over NATS request/reply.
type Collab struct {
	nc *nats.Conn
}

// NewCollab creates the collaborator adapter on an existing connection.
func NewCollab(nc *nats.Conn) *Collab {
	return &Collab{nc: nc}
}

// CollabOn exposes the bridge's connection for collaborator traffic so the
// engine and the Knowledge Bridge share one NATS link.
func (b *Bridge) CollabOn() *Collab {
	return NewCollab(b.nc)
}

type executeRequest struct {
	Step    session.Step `json:"step"`
	Attempt int          `json:"attempt"`
}

// Execute sends the step to the external step-execution worker and waits
// for its validation result within the caller's deadline.
func (c *Collab) Execute(ctx context.Context, s session.Step, attempt int) (*session.StepResult, error) {
	data, err := json.Marshal(executeRequest{Step: s, Attempt: attempt})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subjectExecute, data)
	if err != nil {
		return nil, fmt.Errorf("execute step %q: %w", s.ID, err)
	}

	var res session.StepResult
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal step result: %w", err)
	}
	if res.StepID == "" {
		res.StepID = s.ID
	}
	res.Attempt = attempt
	return &res, nil
}

type reviewRequest struct {
	Snapshot review.Snapshot `json:"snapshot"`
	Task     review.Task     `json:"task"`
}

type reviewResponse struct {
	Findings []review.Finding `json:"findings"`
	Error    string           `json:"error,omitempty"`
}

// Review sends one review task with its context fork to a reviewer worker.
func (c *Collab) Review(ctx context.Context, snap review.Snapshot, task review.Task) ([]review.Finding, error) {
	data, err := json.Marshal(reviewRequest{Snapshot: snap, Task: task})
	if err != nil {
		return nil, fmt.Errorf("marshal review request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subjectReview, data)
	if err != nil {
		return nil, fmt.Errorf("review task %q: %w", task.ID, err)
	}

	var resp reviewResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal review response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("reviewer %q: %s", task.ReviewerID, resp.Error)
	}
	return resp.Findings, nil
}

type respondRequest struct {
	Participant consensus.Participant `json:"participant"`
	Topic       string                `json:"topic"`
	Round       int                   `json:"round"`
	Transcript  []consensus.Turn      `json:"transcript"`
}

// Respond asks one consensus participant for its turn in a round.
func (c *Collab) Respond(ctx context.Context, p consensus.Participant, topic string, round int, transcript []consensus.Turn) (*consensus.Turn, error) {
	data, err := json.Marshal(respondRequest{Participant: p, Topic: topic, Round: round, Transcript: transcript})
	if err != nil {
		return nil, fmt.Errorf("marshal respond request: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, subjectRespond, data)
	if err != nil {
		return nil, fmt.Errorf("consensus turn for %q: %w", p.ID, err)
	}

	var turn consensus.Turn
	if err := json.Unmarshal(msg.Data, &turn); err != nil {
		return nil, fmt.Errorf("unmarshal consensus turn: %w", err)
	}
	if turn.ParticipantID == "" {
		turn.ParticipantID = p.ID
	}
	return &turn, nil
}
