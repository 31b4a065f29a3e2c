package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/internal/adapter/otel"
	"github.com/gatewright/gatewright/internal/adapter/ws"
	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain"
	"github.com/gatewright/gatewright/internal/domain/confidence"
	"github.com/gatewright/gatewright/internal/domain/event"
	"github.com/gatewright/gatewright/internal/domain/review"
	"github.com/gatewright/gatewright/internal/domain/session"
	"github.com/gatewright/gatewright/internal/domain/stall"
	"github.com/gatewright/gatewright/internal/port/broadcast"
	"github.com/gatewright/gatewright/internal/port/collab"
	"github.com/gatewright/gatewright/internal/port/eventstore"
)

// EngineService is the decision engine: the single-writer state machine
// that owns every WorkflowSession. Workers (review tasks, consensus
// participants, step executors) only return results; all session mutation
// happens here.
type EngineService struct {
	cfg         config.Config
	executor    collab.StepExecutor
	planner     collab.ReviewPlanner
	dispatcher  *Dispatcher
	consensus   *ConsensusDriver
	knowledge   *KnowledgeService
	checkpoints *CheckpointManager
	events      eventstore.Store
	hub         broadcast.Broadcaster
	metrics     *otel.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionRuntime
}

// sessionRuntime is the in-memory state the engine keeps per session on
// top of the checkpoint log.
type sessionRuntime struct {
	mu sync.Mutex

	ws        *session.WorkflowSession
	engineCfg config.Engine
	calc      *confidence.Calculator
	signals   *SignalStore
	tracker   *stall.Tracker

	attempts map[string]int // execution attempts per step id, reset on advance
	findings []review.Finding

	lastReport confidence.Report
	lastError  string
	prompt     *Prompt

	// forcedChoice is set when the resume loop-guard or the iteration bound
	// trips: plain approve/revise is disabled until a ResumeChoice arrives.
	forcedChoice  bool
	forcedChoices []session.ResumeChoice

	deadline time.Time
	cancel   context.CancelFunc
	gen      uint64 // bumped on every loop launch; stale loops must not clear cancel
}

// NewEngineService wires the decision engine. metrics may be nil.
func NewEngineService(
	cfg config.Config,
	executor collab.StepExecutor,
	planner collab.ReviewPlanner,
	dispatcher *Dispatcher,
	consensusDriver *ConsensusDriver,
	knowledgeSvc *KnowledgeService,
	checkpoints *CheckpointManager,
	events eventstore.Store,
	hub broadcast.Broadcaster,
	metrics *otel.Metrics,
) *EngineService {
	return &EngineService{
		cfg:         cfg,
		executor:    executor,
		planner:     planner,
		dispatcher:  dispatcher,
		consensus:   consensusDriver,
		knowledge:   knowledgeSvc,
		checkpoints: checkpoints,
		events:      events,
		hub:         hub,
		metrics:     metrics,
		sessions:    make(map[string]*sessionRuntime),
	}
}

// CreateSession instantiates a session from a step graph and a per-session
// override. Configuration problems block the session before it starts.
func (e *EngineService) CreateSession(ctx context.Context, name string, graphYAML []byte, o config.Override) (*session.WorkflowSession, error) {
	g, err := session.ParseGraph(graphYAML)
	if err != nil {
		return nil, domain.NewFailure(domain.ErrConfiguration,
			"session creation", err.Error(),
			"fix the step graph definition and retry")
	}
	if name == "" {
		name = g.Name
	}

	engineCfg := e.cfg.Engine.Resolve(o)

	now := time.Now().UTC()
	ws := &session.WorkflowSession{
		ID:         uuid.NewString(),
		Name:       name,
		Tier:       engineCfg.Tier,
		Status:     session.StatusRunning,
		Steps:      g.Steps,
		Iterations: make(map[string]int),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	rt := &sessionRuntime{
		ws:        ws,
		engineCfg: engineCfg,
		calc: confidence.NewCalculator(confidence.Params{
			HighBand:           engineCfg.HighBand,
			MediumBand:         engineCfg.MediumBand,
			NoSignalConfidence: engineCfg.NoSignalConfidence,
			FailureConfidence:  engineCfg.FailureConfidence,
			SingleSignalCap:    engineCfg.SingleSignalCap,
			TierPenalty:        engineCfg.TierPenalty,
		}),
		signals:  NewSignalStore(),
		tracker:  stall.NewTracker(e.cfg.Stall.Window, e.cfg.Stall.OscillationWindow, e.cfg.Stall.MinAttempts),
		attempts: make(map[string]int),
	}

	e.mu.Lock()
	e.sessions[ws.ID] = rt
	e.mu.Unlock()

	e.appendEvent(ctx, ws.ID, "", event.TypeSessionCreated, map[string]any{
		"name": name, "tier": engineCfg.Tier, "steps": len(g.Steps),
	})
	slog.Info("session created", "session_id", ws.ID, "name", name, "tier", engineCfg.Tier)
	return e.snapshotSession(rt), nil
}

// StartSession begins driving the session's control loop in the
// background. The loop runs until the session pauses or terminates.
func (e *EngineService) StartSession(ctx context.Context, id string) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.ws.Status.IsTerminal() {
		rt.mu.Unlock()
		return domain.ErrConflict
	}
	if rt.cancel != nil {
		rt.mu.Unlock()
		return domain.ErrConflict
	}
	rt.ws.Status = session.StatusRunning
	rt.deadline = time.Now().Add(e.cfg.Timeouts.Session)
	rt.mu.Unlock()

	e.appendEvent(ctx, id, "", event.TypeSessionStarted, nil)
	e.resumeLoop(rt)
	return nil
}

// resumeLoop launches (or relaunches) the control loop goroutine for a
// session bounded by its remaining whole-session budget.
func (e *EngineService) resumeLoop(rt *sessionRuntime) {
	rt.mu.Lock()
	remaining := time.Until(rt.deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	rt.gen++
	gen := rt.gen
	rt.cancel = cancel
	rt.mu.Unlock()

	go func() {
		defer cancel()
		e.run(ctx, rt)
		rt.loopDone(gen)
	}()
}

// loopDone clears the cancel slot for the loop generation that exited. A
// loop returning after a newer loop was launched leaves the newer cancel
// in place.
func (rt *sessionRuntime) loopDone(gen uint64) {
	rt.mu.Lock()
	if rt.gen == gen {
		rt.cancel = nil
	}
	rt.mu.Unlock()
}

// run is the single-threaded control loop: execute the current step,
// gather signals, decide, repeat until the session pauses or terminates.
func (e *EngineService) run(ctx context.Context, rt *sessionRuntime) {
	for {
		rt.mu.Lock()
		if rt.ws.Status != session.StatusRunning {
			rt.mu.Unlock()
			return
		}
		step := rt.ws.Current()
		rt.mu.Unlock()

		if step == nil {
			e.complete(ctx, rt)
			return
		}

		if ctx.Err() != nil {
			e.deadlock(ctx, rt, *step, "whole-session budget exhausted")
			return
		}

		if !e.runStep(ctx, rt, *step) {
			return
		}
	}
}

// runStep drives one step boundary end to end. It returns true when the
// loop should continue with the next step.
func (e *EngineService) runStep(ctx context.Context, rt *sessionRuntime, step session.Step) bool {
	rt.mu.Lock()
	rt.attempts[step.ID]++
	attempt := rt.attempts[step.ID]
	rt.mu.Unlock()

	sctx, span := otel.StartStepSpan(ctx, rt.ws.ID, step.ID, attempt)
	defer span.End()
	start := time.Now()

	res, err := e.executeStep(sctx, rt, step, attempt)
	if e.metrics != nil {
		e.metrics.StepDuration.Record(sctx, time.Since(start).Seconds())
	}
	if err != nil {
		// Blown timeout tiers are deadlocks, not handler failures: the
		// nested-call tier expires on its own even while the session budget
		// is untouched.
		if sctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			e.deadlock(sctx, rt, step, "step execution exceeded its timeout tier")
			return false
		}
		// Unrecoverable handler failure: abort, never retry automatically.
		e.abort(sctx, rt, step, fmt.Sprintf("step handler failed: %v", err))
		return false
	}

	// Signals for this decision point.
	rt.signals.SetValidation(step.ID, ValidationSignal(step.ValidationKind, res))
	e.gatherKnowledge(sctx, rt, step)
	if !e.reviewRound(sctx, rt, step) {
		return false
	}

	// Stall check overrides the confidence path entirely.
	rt.mu.Lock()
	verdict := rt.tracker.Observe(res.Output, attempt)
	rt.mu.Unlock()

	if verdict.Stalled {
		return e.handleStall(sctx, rt, step, res, verdict)
	}

	return e.decide(sctx, rt, step, res)
}

// executeStep runs the external step handler under the nested-call timeout
// tier, with a forced-termination window after a graceful cancellation.
func (e *EngineService) executeStep(ctx context.Context, rt *sessionRuntime, step session.Step, attempt int) (*session.StepResult, error) {
	tctx, cancel := context.WithTimeout(ctx, childTimeout(e.cfg.Timeouts.NestedCall, ctx, e.cfg.Timeouts.CleanupBuffer))
	defer cancel()

	type outcome struct {
		res *session.StepResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.executor.Execute(tctx, step, attempt)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-tctx.Done():
	}

	// Graceful cancellation was signalled by the context; give the worker
	// the force-kill window to come back before abandoning it.
	select {
	case out := <-done:
		return out.res, out.err
	case <-time.After(e.cfg.Timeouts.ForceKill):
		slog.Error("step worker did not exit after forced termination window",
			"session_id", rt.ws.ID, "step_id", step.ID)
		return nil, tctx.Err()
	}
}

// gatherKnowledge queries the memory service for the step topic. A
// degraded bridge is a missing signal, never an error.
func (e *EngineService) gatherKnowledge(ctx context.Context, rt *sessionRuntime, step session.Step) {
	result := e.knowledge.Query(ctx, step.ID, e.cfg.Knowledge.TopK)
	if quality, ok := result.Quality(); ok {
		rt.signals.SetKnowledge(step.ID, quality)
		return
	}
	if result.Degraded {
		e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeKnowledgeDegraded, nil)
		if e.metrics != nil {
			e.metrics.KnowledgeDegraded.Add(ctx, 1)
		}
	}
}

// reviewRound dispatches the step's review plan and folds the aggregation
// into signals and the session findings record. Returns false when the
// session left the running state.
func (e *EngineService) reviewRound(ctx context.Context, rt *sessionRuntime, step session.Step) bool {
	tasks := e.planner.Plan(step)
	if len(tasks) == 0 {
		return true
	}

	rctx, span := otel.StartReviewRoundSpan(ctx, rt.ws.ID, step.ID, len(tasks))
	defer span.End()

	snap := review.Snapshot{SessionID: rt.ws.ID, StepID: step.ID, Content: step.Payload}
	result, err := e.dispatcher.Dispatch(rctx, snap, tasks)
	if err != nil {
		e.abort(rctx, rt, step, fmt.Sprintf("review aggregation failed: %v", err))
		return false
	}

	rt.mu.Lock()
	// Ownership of the round's findings transfers to the engine here.
	rt.findings = append(rt.findings, result.Findings...)
	rt.mu.Unlock()

	if result.Tag != review.RoundFailed {
		rt.signals.SetReviewer(step.ID, result.Agreement)
	}

	e.appendEvent(rctx, rt.ws.ID, step.ID, event.TypeReviewRound, map[string]any{
		"tag": result.Tag, "findings": len(result.Findings),
		"succeeded": len(result.Succeeded), "failed": len(result.Failed),
		"agreement": result.Agreement,
	})
	e.hub.BroadcastEvent(rctx, ws.EventReviewRound, ws.ReviewRoundEvent{
		SessionID: rt.ws.ID,
		StepID:    step.ID,
		Tag:       string(result.Tag),
		Findings:  len(result.Findings),
		Agreement: result.Agreement,
	})
	if e.metrics != nil {
		e.metrics.ReviewRounds.Add(rctx, 1)
	}
	return true
}

// decide applies the step-boundary decision rules: mandatory checkpoint
// beats confidence, edge-case tagged reports never auto-advance, and the
// tier's threshold gates the fast path.
func (e *EngineService) decide(ctx context.Context, rt *sessionRuntime, step session.Step, res *session.StepResult) bool {
	rep := rt.calc.Evaluate(rt.engineCfg.Tier, rt.signals.Collect(rt.engineCfg.Weights, step.ID))

	rt.mu.Lock()
	rt.lastReport = rep
	rt.mu.Unlock()

	var transition session.Transition
	switch {
	case step.MandatoryCheckpoint:
		transition = session.TransitionCheckpoint
	case rep.Gated():
		transition = session.TransitionCheckpoint
	case rep.Score >= rt.engineCfg.AutoAdvance[rt.engineCfg.Tier]:
		transition = session.TransitionAutoAdvance
	default:
		transition = session.TransitionCheckpoint
	}

	rt.mu.Lock()
	rt.ws.RecordConfidence(session.ConfidencePoint{
		StepID:     step.ID,
		Score:      rep.Score,
		Band:       string(rep.Band),
		Transition: transition,
		At:         rep.At,
	})
	rt.ws.UpdatedAt = time.Now().UTC()
	rt.mu.Unlock()

	e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeDecision, map[string]any{
		"transition": transition, "confidence": rep.Score,
		"band": rep.Band, "edge_case": rep.EdgeCase,
	})
	e.hub.BroadcastEvent(ctx, ws.EventStepDecision, ws.StepDecisionEvent{
		SessionID:  rt.ws.ID,
		StepID:     step.ID,
		Transition: string(transition),
		Confidence: rep.Score,
		Band:       string(rep.Band),
		EdgeCase:   rep.EdgeCase,
	})
	if e.metrics != nil {
		e.metrics.Decisions.Add(ctx, 1)
		e.metrics.ConfidenceScore.Record(ctx, int64(rep.Score))
	}

	if transition == session.TransitionAutoAdvance {
		// Exactly one checkpoint per successful transition, before the next
		// step begins.
		if !e.writeCheckpoint(ctx, rt, step, true) {
			return false
		}
		return e.advance(ctx, rt, step, res)
	}

	e.pause(ctx, rt, step, rep, "step awaiting human decision", nil)
	return false
}

// advance moves past a step, routing bounded loop edges back to their
// target. Returns true when the control loop should keep running.
func (e *EngineService) advance(ctx context.Context, rt *sessionRuntime, step session.Step, res *session.StepResult) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if step.LoopTo != nil && res != nil && !ValidationPassed(step.ValidationKind, res) {
		rt.ws.Iterations[step.ID]++
		limit := step.MaxIterations
		if limit <= 0 {
			limit = rt.engineCfg.MaxStepIterations
		}
		if rt.ws.Iterations[step.ID] >= limit {
			rt.mu.Unlock()
			e.forceChoice(ctx, rt, step,
				fmt.Sprintf("step %q failed validation %d times", step.ID, limit),
				[]session.ResumeChoice{session.ChoiceAcceptWithIssues, session.ChoiceManualTakeover, session.ChoiceAbort})
			rt.mu.Lock()
			return false
		}

		// Re-enter the loop target with fresh measurements.
		target := *step.LoopTo
		for i := target; i <= step.Ordinal && i < len(rt.ws.Steps); i++ {
			rt.signals.Clear(rt.ws.Steps[i].ID)
			delete(rt.attempts, rt.ws.Steps[i].ID)
		}
		rt.ws.CurrentStep = target
		rt.ws.UpdatedAt = time.Now().UTC()
		return true
	}

	rt.ws.CurrentStep++
	rt.ws.UpdatedAt = time.Now().UTC()
	return true
}

// pause checkpoints the session and suspends it for a human decision.
func (e *EngineService) pause(ctx context.Context, rt *sessionRuntime, step session.Step, rep confidence.Report, rationale string, choices []session.ResumeChoice) {
	if !e.writeCheckpoint(ctx, rt, step, true) {
		return
	}

	rt.mu.Lock()
	rt.ws.Status = session.StatusPausedForHuman
	rt.ws.UpdatedAt = time.Now().UTC()

	promptChoices := []string{string(session.DecisionApprove), string(session.DecisionRevise), string(session.DecisionAbort)}
	if len(choices) > 0 {
		promptChoices = promptChoices[:0]
		for _, c := range choices {
			promptChoices = append(promptChoices, string(c))
		}
		rt.forcedChoice = true
		rt.forcedChoices = choices
	}

	concerns := openConcerns(rt.findings)
	prompt := RenderPrompt(rep, rt.engineCfg.Tier, "decide step "+step.ID, rationale, concerns, rt.findings, promptChoices)
	rt.prompt = &prompt
	rt.mu.Unlock()

	data, _ := json.Marshal(prompt)
	e.hub.BroadcastEvent(ctx, ws.EventHumanPrompt, ws.HumanPromptEvent{
		SessionID: rt.ws.ID,
		StepID:    step.ID,
		Format:    string(prompt.Format),
		Prompt:    data,
	})
	e.broadcastStatus(ctx, rt, step.ID)
	slog.Info("session paused for human decision",
		"session_id", rt.ws.ID, "step_id", step.ID, "format", prompt.Format, "confidence", rep.Score)
}

// forceChoice pauses the session with a restricted choice set after the
// iteration bound or the resume loop-guard trips.
func (e *EngineService) forceChoice(ctx context.Context, rt *sessionRuntime, step session.Step, why string, choices []session.ResumeChoice) {
	rt.mu.Lock()
	rep := rt.lastReport
	rt.mu.Unlock()
	e.pause(ctx, rt, step, rep, why, choices)
}

// Decide applies a plain human checkpoint decision and, on approve or
// revise, re-enters the control loop.
func (e *EngineService) Decide(ctx context.Context, id string, decision session.HumanDecision) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.ws.Status != session.StatusPausedForHuman {
		rt.mu.Unlock()
		return domain.ErrConflict
	}
	if rt.forcedChoice {
		rt.mu.Unlock()
		return domain.NewFailure(domain.ErrConflict,
			"checkpoint decision",
			"plain decisions are disabled for this checkpoint",
			"choose one of the forced options via the resume-choice endpoint")
	}
	step := rt.ws.Current()
	rt.mu.Unlock()

	e.appendEvent(ctx, id, stepID(step), event.TypeHumanDecision, map[string]any{"decision": decision})

	switch decision {
	case session.DecisionApprove:
		rt.mu.Lock()
		rt.ws.Status = session.StatusRunning
		if step != nil {
			rt.ws.CurrentStep++
		}
		rt.ws.UpdatedAt = time.Now().UTC()
		rt.prompt = nil
		rt.mu.Unlock()
		e.resumeLoop(rt)
	case session.DecisionRevise:
		rt.mu.Lock()
		rt.ws.Status = session.StatusRunning
		if step != nil {
			rt.signals.Clear(step.ID)
		}
		rt.ws.UpdatedAt = time.Now().UTC()
		rt.prompt = nil
		rt.mu.Unlock()
		e.resumeLoop(rt)
	case session.DecisionAbort:
		e.abort(ctx, rt, deref(step), "aborted by human decision")
	default:
		return domain.NewFailure(domain.ErrValidation,
			"checkpoint decision",
			fmt.Sprintf("unknown decision %q", decision),
			"use approve, revise, or abort")
	}
	return nil
}

// ResolveChoice applies a forced resume choice (after the loop-guard or
// iteration bound tripped).
func (e *EngineService) ResolveChoice(ctx context.Context, id string, choice session.ResumeChoice) error {
	rt, err := e.runtime(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.ws.Status != session.StatusPausedForHuman || !rt.forcedChoice {
		rt.mu.Unlock()
		return domain.ErrConflict
	}
	if !choiceAllowed(choice, rt.forcedChoices) {
		allowed := rt.forcedChoices
		rt.mu.Unlock()
		return domain.NewFailure(domain.ErrValidation,
			"resume choice",
			fmt.Sprintf("choice %q is not offered for this checkpoint", choice),
			fmt.Sprintf("choose one of %v", allowed))
	}
	step := rt.ws.Current()
	rt.forcedChoice = false
	rt.forcedChoices = nil
	rt.prompt = nil
	rt.mu.Unlock()

	e.appendEvent(ctx, id, stepID(step), event.TypeHumanDecision, map[string]any{"choice": choice})

	switch choice {
	case session.ChoiceRestart:
		rt.mu.Lock()
		if step != nil {
			rt.signals.Clear(step.ID)
			delete(rt.attempts, step.ID)
			delete(rt.ws.Iterations, step.ID)
		}
		rt.ws.Status = session.StatusRunning
		rt.ws.UpdatedAt = time.Now().UTC()
		rt.mu.Unlock()
		e.resumeLoop(rt)
	case session.ChoiceSkip, session.ChoiceAcceptWithIssues:
		rt.mu.Lock()
		if step != nil {
			rt.ws.CurrentStep++
		}
		rt.ws.Status = session.StatusRunning
		rt.ws.UpdatedAt = time.Now().UTC()
		rt.mu.Unlock()
		e.resumeLoop(rt)
	case session.ChoiceManualTakeover:
		// The session stays paused; the human drives the step outside the
		// engine and supplies a plain decision when done.
		rt.mu.Lock()
		rt.ws.UpdatedAt = time.Now().UTC()
		rt.mu.Unlock()
	case session.ChoiceAbort:
		e.abort(ctx, rt, deref(step), "aborted by forced choice")
	default:
		return domain.NewFailure(domain.ErrValidation,
			"resume choice",
			fmt.Sprintf("unknown choice %q", choice),
			"use restart, skip, abort, accept_with_issues, or manual_takeover")
	}
	return nil
}

// ResumeSession reloads a session from its latest good checkpoint and
// re-enters the engine at the recorded step. The loop-guard disables plain
// resume after too many identical resumes of the same checkpoint.
func (e *EngineService) ResumeSession(ctx context.Context, id string) error {
	cp, plainAllowed, err := e.checkpoints.Resume(id, e.cfg.Engine.MaxIdenticalResumes)
	if err != nil {
		return err
	}

	e.mu.Lock()
	rt, ok := e.sessions[id]
	if !ok {
		engineCfg := e.cfg.Engine
		engineCfg.Tier = cp.Session.Tier
		rt = &sessionRuntime{
			engineCfg: engineCfg,
			calc: confidence.NewCalculator(confidence.Params{
				HighBand:           engineCfg.HighBand,
				MediumBand:         engineCfg.MediumBand,
				NoSignalConfidence: engineCfg.NoSignalConfidence,
				FailureConfidence:  engineCfg.FailureConfidence,
				SingleSignalCap:    engineCfg.SingleSignalCap,
				TierPenalty:        engineCfg.TierPenalty,
			}),
			signals:  NewSignalStore(),
			tracker:  stall.NewTracker(e.cfg.Stall.Window, e.cfg.Stall.OscillationWindow, e.cfg.Stall.MinAttempts),
			attempts: make(map[string]int),
		}
		e.sessions[id] = rt
	}
	e.mu.Unlock()

	rt.mu.Lock()
	if rt.ws != nil && rt.ws.Status == session.StatusRunning && rt.cancel != nil {
		rt.mu.Unlock()
		return domain.ErrConflict
	}
	snap := cp.Session
	rt.ws = &snap
	if rt.ws.Iterations == nil {
		rt.ws.Iterations = make(map[string]int)
	}
	rt.signals.Restore(cp.Signals)
	rt.tracker.Restore(cp.StallRecords)
	rt.lastError = cp.LastError
	rt.deadline = time.Now().Add(e.cfg.Timeouts.Session)
	rt.mu.Unlock()

	e.appendEvent(ctx, id, cp.StepID, event.TypeSessionResumed, map[string]any{
		"seq": cp.Seq, "plain_allowed": plainAllowed,
	})

	if !plainAllowed {
		step := rt.ws.Current()
		e.forceChoice(ctx, rt, deref(step),
			"this checkpoint has been resumed too many times without progress",
			[]session.ResumeChoice{session.ChoiceRestart, session.ChoiceSkip, session.ChoiceAbort})
		return nil
	}

	rt.mu.Lock()
	rt.ws.Status = session.StatusRunning
	rt.ws.UpdatedAt = time.Now().UTC()
	rt.mu.Unlock()
	e.broadcastStatus(ctx, rt, cp.StepID)
	e.resumeLoop(rt)
	return nil
}

// writeCheckpoint snapshots the session state to the append-only log.
// Returns false after aborting the session on an unwritable log.
func (e *EngineService) writeCheckpoint(ctx context.Context, rt *sessionRuntime, step session.Step, rollbackEligible bool) bool {
	rt.mu.Lock()
	cp := &Checkpoint{
		SessionID:        rt.ws.ID,
		StepID:           step.ID,
		RollbackEligible: rollbackEligible,
		Session:          *rt.ws,
		Signals:          rt.signals.Snapshot(),
		StallRecords:     rt.tracker.Records(),
		LastError:        rt.lastError,
	}
	rt.mu.Unlock()

	if err := e.checkpoints.Write(cp); err != nil {
		slog.Error("checkpoint write failed", "session_id", rt.ws.ID, "step_id", step.ID, "error", err)
		e.abortNoCheckpoint(ctx, rt, fmt.Sprintf("checkpoint write failed: %v", err))
		return false
	}

	e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeCheckpointWritten, map[string]any{"seq": cp.Seq})
	e.hub.BroadcastEvent(ctx, ws.EventCheckpoint, ws.CheckpointEvent{
		SessionID: rt.ws.ID, StepID: step.ID, Seq: cp.Seq,
	})
	if e.metrics != nil {
		e.metrics.CheckpointsWritten.Add(ctx, 1)
	}
	return true
}

// complete finishes a session whose step list is exhausted.
func (e *EngineService) complete(ctx context.Context, rt *sessionRuntime) {
	rt.mu.Lock()
	rt.ws.Status = session.StatusCompleted
	rt.ws.UpdatedAt = time.Now().UTC()
	rt.mu.Unlock()

	e.appendEvent(ctx, rt.ws.ID, "", event.TypeSessionCompleted, nil)
	e.broadcastStatus(ctx, rt, "")
	slog.Info("session completed", "session_id", rt.ws.ID)
}

// abort terminates a session, recording the failure in a final checkpoint.
func (e *EngineService) abort(ctx context.Context, rt *sessionRuntime, step session.Step, reason string) {
	rt.mu.Lock()
	rt.lastError = reason
	rt.ws.Status = session.StatusAborted
	rt.ws.AbortReason = reason
	rt.ws.UpdatedAt = time.Now().UTC()
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.mu.Unlock()

	cp := &Checkpoint{
		SessionID:    rt.ws.ID,
		StepID:       step.ID,
		Session:      *rt.ws,
		Signals:      rt.signals.Snapshot(),
		StallRecords: rt.tracker.Records(),
		LastError:    reason,
	}
	if err := e.checkpoints.Write(cp); err != nil {
		slog.Error("final checkpoint write failed", "session_id", rt.ws.ID, "error", err)
	}

	e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeSessionAborted, map[string]any{"reason": reason})
	e.broadcastStatus(ctx, rt, step.ID)
	slog.Warn("session aborted", "session_id", rt.ws.ID, "reason", reason)
}

// abortNoCheckpoint is the abort path for when the checkpoint log itself
// is the failure.
func (e *EngineService) abortNoCheckpoint(ctx context.Context, rt *sessionRuntime, reason string) {
	rt.mu.Lock()
	rt.ws.Status = session.StatusAborted
	rt.ws.AbortReason = reason
	rt.ws.UpdatedAt = time.Now().UTC()
	rt.mu.Unlock()

	e.appendEvent(ctx, rt.ws.ID, "", event.TypeSessionAborted, map[string]any{"reason": reason})
	e.broadcastStatus(ctx, rt, "")
}

// deadlock handles a timing-based failure: forced cancellation plus human
// escalation with partial results, never consensus.
func (e *EngineService) deadlock(ctx context.Context, rt *sessionRuntime, step session.Step, why string) {
	e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeDeadlockCancelled, map[string]any{"why": why})
	slog.Warn("deadlock timeout, escalating", "session_id", rt.ws.ID, "step_id", step.ID, "why", why)

	rt.mu.Lock()
	rt.lastError = "deadlock: " + why
	rep := rt.lastReport
	rt.mu.Unlock()

	// pause needs headroom even though the session budget is spent.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeouts.CleanupBuffer)
	defer cancel()
	e.pause(pctx, rt, step, rep, "deadlock cancelled: "+why, nil)
}

// Session returns a copy of the session aggregate.
func (e *EngineService) Session(id string) (*session.WorkflowSession, error) {
	rt, err := e.runtime(id)
	if err != nil {
		return nil, err
	}
	return e.snapshotSession(rt), nil
}

// Sessions lists all known sessions, newest first.
func (e *EngineService) Sessions() []session.WorkflowSession {
	e.mu.Lock()
	rts := make([]*sessionRuntime, 0, len(e.sessions))
	for _, rt := range e.sessions {
		rts = append(rts, rt)
	}
	e.mu.Unlock()

	out := make([]session.WorkflowSession, 0, len(rts))
	for _, rt := range rts {
		out = append(out, *e.snapshotSession(rt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Findings returns the session's aggregated findings record.
func (e *EngineService) Findings(id string) ([]review.Finding, error) {
	rt, err := e.runtime(id)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]review.Finding, len(rt.findings))
	copy(out, rt.findings)
	return out, nil
}

// Prompt returns the pending checkpoint presentation, if the session is
// paused.
func (e *EngineService) Prompt(id string) (*Prompt, error) {
	rt, err := e.runtime(id)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.prompt == nil {
		return nil, domain.ErrNotFound
	}
	p := *rt.prompt
	return &p, nil
}

func (e *EngineService) runtime(id string) (*sessionRuntime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rt, nil
}

func (e *EngineService) snapshotSession(rt *sessionRuntime) *session.WorkflowSession {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	snap := *rt.ws
	snap.ConfidenceHistory = append([]session.ConfidencePoint(nil), rt.ws.ConfidenceHistory...)
	return &snap
}

func (e *EngineService) broadcastStatus(ctx context.Context, rt *sessionRuntime, stepID string) {
	rt.mu.Lock()
	status := rt.ws.Status
	id := rt.ws.ID
	rt.mu.Unlock()
	e.hub.BroadcastEvent(ctx, ws.EventSessionStatus, ws.SessionStatusEvent{
		SessionID: id, Status: string(status), StepID: stepID,
	})
}

// appendEvent writes to the audit store; audit failures are logged, never
// fatal to the control loop.
func (e *EngineService) appendEvent(ctx context.Context, sessionID, stepID string, t event.Type, payload map[string]any) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	ev := &event.EngineEvent{SessionID: sessionID, StepID: stepID, Type: t, Payload: data}
	if err := e.events.Append(ctx, ev); err != nil {
		slog.Error("append engine event", "session_id", sessionID, "type", t, "error", err)
	}
}

func openConcerns(findings []review.Finding) []string {
	var out []string
	for _, f := range findings {
		if f.Status == review.FindingOpen && f.Severity != review.SeverityMinor {
			out = append(out, fmt.Sprintf("[%s] %s at %s", f.Severity, f.Category, f.Location))
		}
	}
	return out
}

func choiceAllowed(c session.ResumeChoice, allowed []session.ResumeChoice) bool {
	for _, a := range allowed {
		if c == a {
			return true
		}
	}
	return false
}

func stepID(s *session.Step) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func deref(s *session.Step) session.Step {
	if s == nil {
		return session.Step{}
	}
	return *s
}
