// Package collab defines the ports for the engine's external collaborators:
// step execution, review tasks, and consensus participants. Their inner
// semantics are out of scope for the engine; it only consumes their
// structured results.
package collab

import (
	"context"

	"github.com/gatewright/gatewright/internal/domain/consensus"
	"github.com/gatewright/gatewright/internal/domain/review"
	"github.com/gatewright/gatewright/internal/domain/session"
)

// StepExecutor runs one workflow step's payload and returns its validation
// output. An error return is an unrecoverable handler failure; the engine
// aborts the session and never retries automatically.
type StepExecutor interface {
	Execute(ctx context.Context, s session.Step, attempt int) (*session.StepResult, error)
}

// ReviewPlanner decides which review tasks a step gets. An empty plan
// skips the review round for that step.
type ReviewPlanner interface {
	Plan(s session.Step) []review.Task
}

// Reviewer runs one review task against an immutable context fork and
// returns a findings list, possibly empty.
type Reviewer interface {
	Review(ctx context.Context, snap review.Snapshot, task review.Task) ([]review.Finding, error)
}

// Responder produces one participant's turn in a consensus round.
type Responder interface {
	Respond(ctx context.Context, p consensus.Participant, topic string, round int, transcript []consensus.Turn) (*consensus.Turn, error)
}
