package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/review"
	"github.com/gatewright/gatewright/internal/port/collab"
)

// ErrAggregationLock is returned when the aggregation lock could not be
// taken within the configured timeout, after one retry.
var ErrAggregationLock = errors.New("aggregation lock timeout")

// Dispatcher runs review tasks concurrently against one immutable context
// snapshot and aggregates their findings. Findings from successful tasks
// are never discarded, whatever happens to the rest of the round.
type Dispatcher struct {
	cfg      config.Dispatch
	timeouts config.Timeouts
	reviewer collab.Reviewer
}

// NewDispatcher creates a dispatcher backed by the given reviewer port.
func NewDispatcher(cfg config.Dispatch, timeouts config.Timeouts, reviewer collab.Reviewer) *Dispatcher {
	return &Dispatcher{cfg: cfg, timeouts: timeouts, reviewer: reviewer}
}

// aggregation is the shared structure review tasks write into. Access goes
// through a timed lock so a wedged writer cannot hang the whole round.
type aggregation struct {
	lock     chan struct{}
	findings []review.Finding
	ok       []string // reviewer ids of succeeded tasks
	okTasks  []string // task ids of succeeded tasks
}

func newAggregation() *aggregation {
	a := &aggregation{lock: make(chan struct{}, 1)}
	a.lock <- struct{}{}
	return a
}

// add records one task's findings under the timed lock, retrying once
// after a lock timeout before giving up.
func (a *aggregation) add(task review.Task, findings []review.Finding, lockTimeout time.Duration) error {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case <-a.lock:
			a.findings = append(a.findings, findings...)
			a.ok = append(a.ok, task.ReviewerID)
			a.okTasks = append(a.okTasks, task.ID)
			a.lock <- struct{}{}
			return nil
		case <-time.After(lockTimeout):
			slog.Warn("aggregation lock timeout", "task_id", task.ID, "attempt", attempt+1)
		}
	}
	return ErrAggregationLock
}

// Dispatch runs the round: bounded concurrency, a barrier timeout covering
// all tasks, then one sequential retry of each failed task. The result is
// tagged complete, partial, or failed.
func (d *Dispatcher) Dispatch(ctx context.Context, snap review.Snapshot, tasks []review.Task) (*review.RoundResult, error) {
	if len(tasks) == 0 {
		return &review.RoundResult{Tag: review.RoundComplete, Agreement: 0}, nil
	}

	barrier, cancel := context.WithTimeout(ctx, d.cfg.BarrierTimeout)
	defer cancel()

	agg := newAggregation()

	var failedMu sync.Mutex
	var failed []review.Task

	g, gctx := errgroup.WithContext(barrier)
	g.SetLimit(d.cfg.MaxConcurrent)

	for _, task := range tasks {
		g.Go(func() error {
			if err := d.runTask(gctx, snap, task, agg); err != nil {
				slog.Warn("review task failed", "task_id", task.ID, "error", err)
				failedMu.Lock()
				failed = append(failed, task)
				failedMu.Unlock()
			}
			// Task failures never fail the group; the barrier waits for
			// everyone and the retry pass handles the rest.
			return nil
		})
	}
	_ = g.Wait()

	// Sequential retry of failed tasks, once each, on the parent context so
	// a blown barrier does not forfeit the retry budget.
	var stillFailed []review.Task
	for _, task := range failed {
		var err error
		for attempt := 0; attempt < d.cfg.TaskRetries; attempt++ {
			if err = d.runTask(ctx, snap, task, agg); err == nil {
				break
			}
		}
		if err != nil {
			stillFailed = append(stillFailed, task)
		}
	}

	failedIDs := make([]string, 0, len(stillFailed))
	for _, t := range stillFailed {
		failedIDs = append(failedIDs, t.ID)
	}

	result := &review.RoundResult{
		Tag:       review.Tag(len(tasks), len(agg.okTasks)),
		Findings:  review.Dedupe(agg.findings),
		Succeeded: agg.okTasks,
		Failed:    failedIDs,
		Agreement: review.Agreement(agg.ok, agg.findings),
	}
	return result, nil
}

// runTask executes one review task against its own fork of the snapshot
// under the per-operation timeout tier.
func (d *Dispatcher) runTask(ctx context.Context, snap review.Snapshot, task review.Task, agg *aggregation) error {
	tctx, cancel := context.WithTimeout(ctx, childTimeout(d.timeouts.Operation, ctx, d.timeouts.CleanupBuffer))
	defer cancel()

	// Each reviewer gets an independent copy; its effects are discarded and
	// never contaminate another task.
	findings, err := d.reviewer.Review(tctx, snap.Fork(), task)
	if err != nil {
		return err
	}
	for i := range findings {
		findings[i].ReviewerID = task.ReviewerID
		if findings[i].Status == "" {
			findings[i].Status = review.FindingOpen
		}
		if err := findings[i].Validate(); err != nil {
			return err
		}
	}
	return agg.add(task, findings, d.cfg.LockTimeout)
}
