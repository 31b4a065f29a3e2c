package service

import (
	"context"
	"log/slog"

	"github.com/gatewright/gatewright/internal/adapter/otel"
	"github.com/gatewright/gatewright/internal/adapter/ws"
	"github.com/gatewright/gatewright/internal/domain/consensus"
	"github.com/gatewright/gatewright/internal/domain/event"
	"github.com/gatewright/gatewright/internal/domain/session"
	"github.com/gatewright/gatewright/internal/domain/stall"
)

// handleStall routes a stalled step. At most one consensus session per
// distinct hash; a hash that already produced no_consensus escalates
// straight to a human decision. Returns true when the control loop should
// continue.
func (e *EngineService) handleStall(ctx context.Context, rt *sessionRuntime, step session.Step, res *session.StepResult, verdict stall.Verdict) bool {
	e.appendEvent(ctx, rt.ws.ID, step.ID, event.TypeStallDetected, map[string]any{
		"hash": verdict.Hash, "oscillation": verdict.Oscillation,
	})
	if e.metrics != nil {
		e.metrics.StallsDetected.Add(ctx, 1)
	}

	rt.mu.Lock()
	escalate := rt.tracker.EscalateDirectly(verdict.Hash)
	convene := rt.tracker.ShouldConvene(verdict.Hash)
	rt.mu.Unlock()

	routing := "consensus"
	if escalate || !convene {
		routing = "human"
	}
	e.hub.BroadcastEvent(ctx, ws.EventStallDetected, ws.StallEvent{
		SessionID:   rt.ws.ID,
		StepID:      step.ID,
		Hash:        verdict.Hash,
		Oscillation: verdict.Oscillation,
		Routing:     routing,
	})

	if routing == "human" {
		rt.mu.Lock()
		rep := rt.lastReport
		rt.mu.Unlock()
		e.pause(ctx, rt, step, rep, "repeated outcome with no remaining consensus budget", nil)
		return false
	}

	return e.convene(ctx, rt, step, res, verdict.Hash)
}

// convene runs one consensus session for the stall hash and feeds the
// outcome back into the decision path.
func (e *EngineService) convene(ctx context.Context, rt *sessionRuntime, step session.Step, res *session.StepResult, hash string) bool {
	rt.mu.Lock()
	rt.tracker.MarkConvened(hash)
	rt.ws.Status = session.StatusAwaitingConsensus
	rt.mu.Unlock()
	e.broadcastStatus(ctx, rt, step.ID)

	topic := "stalled step " + step.ID
	cctx, span := otel.StartConsensusSpan(ctx, rt.ws.ID, topic)
	defer span.End()

	e.appendEvent(cctx, rt.ws.ID, step.ID, event.TypeConsensusStarted, map[string]any{"hash": hash})

	cs, err := e.consensus.Run(cctx, topic, hash, func(s *consensus.Session, round int) {
		e.appendEvent(cctx, rt.ws.ID, step.ID, event.TypeConsensusRound, map[string]any{
			"consensus_session_id": s.ID, "round": round,
		})
		e.hub.BroadcastEvent(cctx, ws.EventConsensusStatus, ws.ConsensusStatusEvent{
			SessionID:          rt.ws.ID,
			ConsensusSessionID: s.ID,
			State:              string(s.State),
			Round:              round,
		})
	})
	if err != nil {
		// Roster too small is a configuration problem; anything else from
		// the driver is equally unrecoverable for this session.
		e.abort(cctx, rt, step, "consensus session failed: "+err.Error())
		return false
	}

	e.appendEvent(cctx, rt.ws.ID, step.ID, event.TypeConsensusEnded, map[string]any{
		"consensus_session_id": cs.ID, "exit_reason": cs.ExitReason,
		"rounds": cs.Rounds, "summary": cs.Summary,
	})
	e.hub.BroadcastEvent(cctx, ws.EventConsensusStatus, ws.ConsensusStatusEvent{
		SessionID:          rt.ws.ID,
		ConsensusSessionID: cs.ID,
		State:              string(cs.State),
		Round:              cs.Rounds,
		ExitReason:         string(cs.ExitReason),
		Summary:            cs.Summary,
	})
	if e.metrics != nil {
		e.metrics.ConsensusSessions.Add(cctx, 1)
	}

	rt.mu.Lock()
	rt.ws.Status = session.StatusRunning
	rt.mu.Unlock()

	switch cs.ExitReason {
	case consensus.ExitConsensus:
		rt.signals.SetConsensus(step.ID, 1)
		slog.Info("consensus converged, resuming decision",
			"session_id", rt.ws.ID, "step_id", step.ID, "recommendation", cs.Summary)
		return e.decide(cctx, rt, step, res)

	case consensus.ExitNoConsensus:
		rt.mu.Lock()
		rt.tracker.MarkNoConsensus(hash)
		rep := rt.lastReport
		rt.mu.Unlock()
		rt.signals.SetConsensus(step.ID, 0)
		e.pause(cctx, rt, step, rep, "consensus did not converge: "+cs.Summary, nil)
		return false

	case consensus.ExitTimeout:
		e.deadlock(cctx, rt, step, "consensus session exceeded its time budget")
		return false

	default: // escalated by the human driver
		rt.mu.Lock()
		rep := rt.lastReport
		rt.mu.Unlock()
		rt.signals.SetConsensus(step.ID, 0)
		e.pause(cctx, rt, step, rep, "consensus escalated by driver: "+cs.Summary, nil)
		return false
	}
}
