package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/consensus"
	"github.com/gatewright/gatewright/internal/port/collab"
)

// ConsensusDriver runs bounded deliberation sessions. One driver serves
// all workflow sessions; each Run call is independent.
type ConsensusDriver struct {
	cfg       config.Consensus
	timeouts  config.Timeouts
	roster    consensus.Roster
	responder collab.Responder

	mu      sync.Mutex
	signals map[string]string // consensus session id -> pending driver input
	history map[string]*consensusRecord
}

type consensusRecord struct {
	session consensus.Session
	turns   []consensus.Turn
}

// NewConsensusDriver creates a driver over a participant roster.
func NewConsensusDriver(cfg config.Consensus, timeouts config.Timeouts, roster consensus.Roster, responder collab.Responder) *ConsensusDriver {
	return &ConsensusDriver{
		cfg:       cfg,
		timeouts:  timeouts,
		roster:    roster,
		responder: responder,
		signals:   make(map[string]string),
		history:   make(map[string]*consensusRecord),
	}
}

// Signal records a human driver input for a running consensus session.
// Exact-match exit keywords end the session after the current round.
func (d *ConsensusDriver) Signal(consensusSessionID, input string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signals[consensusSessionID] = input
}

// Session returns a finished or running session with its transcript.
func (d *ConsensusDriver) Session(id string) (*consensus.Session, []consensus.Turn, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.history[id]
	if !ok {
		return nil, nil, false
	}
	s := rec.session
	turns := make([]consensus.Turn, len(rec.turns))
	copy(turns, rec.turns)
	return &s, turns, true
}

// Run drives one deliberation session to an exit: convergence, an explicit
// driver exit signal, or the round/time limit. The returned session always
// has a terminal state and exit reason.
func (d *ConsensusDriver) Run(ctx context.Context, topic, stallHash string, onRound func(s *consensus.Session, round int)) (*consensus.Session, error) {
	participants, err := d.roster.Select(topic, d.cfg.MinParticipants, d.cfg.MaxParticipants)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}

	s := &consensus.Session{
		ID:             uuid.NewString(),
		Topic:          topic,
		StallHash:      stallHash,
		ParticipantIDs: ids,
		State:          consensus.StateInit,
		CreatedAt:      time.Now().UTC(),
	}
	d.record(s, nil)

	slog.Info("consensus session started",
		"consensus_session_id", s.ID, "topic", topic, "participants", len(participants))

	s.State = consensus.StateDeliberating
	var transcript []consensus.Turn

	for round := 1; round <= d.cfg.MaxRounds; round++ {
		s.Rounds = round

		turns := d.runRound(ctx, participants, topic, round, transcript)
		transcript = append(transcript, turns...)
		d.record(s, transcript)

		if onRound != nil {
			onRound(s, round)
		}

		if rec, ok := consensus.Converged(turns, len(participants)); ok {
			d.finish(s, consensus.StateConverged, consensus.ExitConsensus, rec, transcript)
			return s, nil
		}

		if input, ok := d.takeSignal(s.ID); ok && consensus.IsExitKeyword(input, d.cfg.ExitKeywords) {
			d.finish(s, consensus.StateStalled, consensus.ExitEscalated, "driver exit: "+input, transcript)
			return s, nil
		}

		if ctx.Err() != nil {
			d.finish(s, consensus.StateTimedOut, consensus.ExitTimeout, "parent deadline exceeded", transcript)
			return s, nil
		}
	}

	d.finish(s, consensus.StateStalled, consensus.ExitNoConsensus,
		"round limit reached without convergence", transcript)
	return s, nil
}

// runRound collects participant turns for one round. The round is bounded
// by the round-timeout tier; after it fires, a short grace period absorbs
// in-flight responses and anything later is discarded.
func (d *ConsensusDriver) runRound(ctx context.Context, participants []consensus.Participant, topic string, round int, transcript []consensus.Turn) []consensus.Turn {
	rctx, cancel := context.WithTimeout(ctx, childTimeout(d.cfg.RoundTimeout, ctx, d.timeouts.CleanupBuffer))
	defer cancel()

	results := make(chan *consensus.Turn, len(participants))
	for _, p := range participants {
		go func() {
			turn, err := d.responder.Respond(rctx, p, topic, round, transcript)
			if err != nil {
				slog.Warn("consensus participant failed",
					"participant_id", p.ID, "round", round, "error", err)
				results <- nil
				return
			}
			results <- turn
		}()
	}

	var turns []consensus.Turn
	pending := len(participants)

	collect := func(deadline <-chan struct{}) bool {
		for pending > 0 {
			select {
			case t := <-results:
				pending--
				if t != nil {
					t.Round = round
					if t.At.IsZero() {
						t.At = time.Now().UTC()
					}
					turns = append(turns, *t)
				}
			case <-deadline:
				return false
			}
		}
		return true
	}

	if collect(rctx.Done()) {
		return turns
	}

	// Grace period: responses that land now still count, later ones never
	// reach the outcome summary.
	grace := time.NewTimer(d.cfg.GracePeriod)
	defer grace.Stop()
	graceDone := make(chan struct{})
	go func() { <-grace.C; close(graceDone) }()
	collect(graceDone)
	return turns
}

func (d *ConsensusDriver) finish(s *consensus.Session, state consensus.State, reason consensus.ExitReason, summary string, transcript []consensus.Turn) {
	now := time.Now().UTC()
	s.State = state
	s.ExitReason = reason
	s.Summary = summary
	s.EndedAt = &now
	d.record(s, transcript)

	slog.Info("consensus session ended",
		"consensus_session_id", s.ID, "state", state, "exit_reason", reason, "rounds", s.Rounds)
}

func (d *ConsensusDriver) record(s *consensus.Session, transcript []consensus.Turn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	turns := make([]consensus.Turn, len(transcript))
	copy(turns, transcript)
	d.history[s.ID] = &consensusRecord{session: *s, turns: turns}
}

func (d *ConsensusDriver) takeSignal(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	input, ok := d.signals[id]
	if ok {
		delete(d.signals, id)
	}
	return input, ok
}
