package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gatewright/gatewright/internal/config"
	"github.com/gatewright/gatewright/internal/domain/consensus"
)

// fakeResponder scripts participant turns per round.
type fakeResponder struct {
	respond func(p consensus.Participant, round int) (*consensus.Turn, error)
}

func (r *fakeResponder) Respond(ctx context.Context, p consensus.Participant, topic string, round int, transcript []consensus.Turn) (*consensus.Turn, error) {
	return r.respond(p, round)
}

var testRoster = consensus.Roster{
	{ID: "p1", Role: "reviewer", Topics: []string{"structure"}},
	{ID: "p2", Role: "reviewer", Topics: []string{"content"}},
	{ID: "p3", Role: "arbiter", Topics: []string{"stalled"}},
}

func testConsensusCfg() config.Consensus {
	return config.Consensus{
		MaxRounds:       5,
		RoundTimeout:    2 * time.Second,
		GracePeriod:     50 * time.Millisecond,
		MinParticipants: 2,
		MaxParticipants: 3,
		ExitKeywords:    []string{"resolved", "escalate", "end session"},
	}
}

func TestRunConvergesFirstRound(t *testing.T) {
	// Two of three participants agree exactly; the third dissents.
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		rec := "restructure section 2"
		if p.ID == "p3" {
			rec = "rewrite from scratch"
		}
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: rec}, nil
	}}
	d := NewConsensusDriver(testConsensusCfg(), testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "stalled draft step", "hash1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != consensus.StateConverged || s.ExitReason != consensus.ExitConsensus {
		t.Errorf("state = %v exit = %v, want converged/consensus", s.State, s.ExitReason)
	}
	if s.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", s.Rounds)
	}
	if s.Summary != "restructure section 2" {
		t.Errorf("summary = %q, want the agreed recommendation", s.Summary)
	}
	if s.EndedAt == nil {
		t.Error("terminal session must carry an end time")
	}
}

func TestRunNoConsensusAfterMaxRounds(t *testing.T) {
	// Every participant recommends something different, every round.
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: p.ID + " says so"}, nil
	}}
	cfg := testConsensusCfg()
	cfg.MaxRounds = 3
	d := NewConsensusDriver(cfg, testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "topic", "hash1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != consensus.StateStalled || s.ExitReason != consensus.ExitNoConsensus {
		t.Errorf("state = %v exit = %v, want stalled/no_consensus", s.State, s.ExitReason)
	}
	if s.Rounds != 3 {
		t.Errorf("rounds = %d, want the full budget of 3", s.Rounds)
	}
}

func TestRunDriverExitKeyword(t *testing.T) {
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: p.ID}, nil
	}}
	d := NewConsensusDriver(testConsensusCfg(), testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "topic", "hash1", func(s *consensus.Session, round int) {
		if round == 2 {
			d.Signal(s.ID, "  Escalate ") // case and whitespace folded
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.State != consensus.StateStalled || s.ExitReason != consensus.ExitEscalated {
		t.Errorf("state = %v exit = %v, want stalled/escalated", s.State, s.ExitReason)
	}
	if s.Rounds != 2 {
		t.Errorf("rounds = %d, exit keyword must end after the current round", s.Rounds)
	}
}

func TestRunNonKeywordSignalIsIgnored(t *testing.T) {
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: p.ID}, nil
	}}
	cfg := testConsensusCfg()
	cfg.MaxRounds = 2
	d := NewConsensusDriver(cfg, testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "topic", "hash1", func(s *consensus.Session, round int) {
		d.Signal(s.ID, "please escalate this") // substring, not exact match
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.ExitReason != consensus.ExitNoConsensus {
		t.Errorf("exit = %v, non-keyword input must not end the session", s.ExitReason)
	}
}

func TestRunTimeout(t *testing.T) {
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		return nil, errors.New("cancelled")
	}}
	cfg := testConsensusCfg()
	cfg.GracePeriod = 10 * time.Millisecond
	d := NewConsensusDriver(cfg, testTimeouts(), testRoster, resp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := d.Run(ctx, "topic", "hash1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.State != consensus.StateTimedOut || s.ExitReason != consensus.ExitTimeout {
		t.Errorf("state = %v exit = %v, want timed_out/timeout", s.State, s.ExitReason)
	}
}

func TestRunGraceAbsorbsInFlightTurns(t *testing.T) {
	// p3 misses the round deadline but lands inside the grace window; its
	// agreement completes convergence.
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		if p.ID == "p3" {
			time.Sleep(80 * time.Millisecond)
		}
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: "merge both drafts"}, nil
	}}
	cfg := testConsensusCfg()
	cfg.RoundTimeout = 40 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	d := NewConsensusDriver(cfg, testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "topic", "hash1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.ExitReason != consensus.ExitConsensus {
		t.Errorf("exit = %v, grace-window turn should have completed convergence", s.ExitReason)
	}
}

func TestRunLateTurnDiscarded(t *testing.T) {
	resp := &fakeResponder{respond: func(p consensus.Participant, round int) (*consensus.Turn, error) {
		if p.ID != "p1" {
			time.Sleep(300 * time.Millisecond)
		}
		return &consensus.Turn{ParticipantID: p.ID, Recommendation: "same thing"}, nil
	}}
	cfg := testConsensusCfg()
	cfg.MaxRounds = 1
	cfg.RoundTimeout = 40 * time.Millisecond
	cfg.GracePeriod = 20 * time.Millisecond
	d := NewConsensusDriver(cfg, testTimeouts(), testRoster, resp)

	s, err := d.Run(context.Background(), "topic", "hash1", nil)
	if err != nil {
		t.Fatal(err)
	}
	// Only p1's turn made the cutoff; 1 of 3 is no convergence.
	if s.ExitReason != consensus.ExitNoConsensus {
		t.Errorf("exit = %v, late turns must not count toward convergence", s.ExitReason)
	}
	_, turns, ok := d.Session(s.ID)
	if !ok {
		t.Fatal("finished session missing from history")
	}
	if len(turns) != 1 || turns[0].ParticipantID != "p1" {
		t.Errorf("transcript = %+v, want only the on-time turn", turns)
	}
}

func TestRunRosterTooSmall(t *testing.T) {
	d := NewConsensusDriver(testConsensusCfg(), testTimeouts(), testRoster[:1], &fakeResponder{})
	if _, err := d.Run(context.Background(), "topic", "h", nil); !errors.Is(err, consensus.ErrRosterTooSmall) {
		t.Errorf("err = %v, want ErrRosterTooSmall", err)
	}
}
