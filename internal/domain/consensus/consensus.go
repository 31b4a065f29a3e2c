// Package consensus defines the bounded multi-participant deliberation
// primitive used to break stalls and resolve low-confidence decisions.
// This is a deliberation session, not a distributed consensus protocol.
package consensus

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// State is the driver's state machine position.
type State string

const (
	StateInit         State = "init"
	StateDeliberating State = "deliberating"
	StateConverged    State = "converged"
	StateStalled      State = "stalled"
	StateTimedOut     State = "timed_out"
)

// ExitReason records why a session ended.
type ExitReason string

const (
	ExitConsensus   ExitReason = "consensus"
	ExitNoConsensus ExitReason = "no_consensus"
	ExitTimeout     ExitReason = "timeout"
	ExitEscalated   ExitReason = "escalated"
)

// Participant is a roster entry available for deliberation sessions.
type Participant struct {
	ID     string   `json:"id"`
	Role   string   `json:"role"`
	Topics []string `json:"topics"`
}

// Roster is the pool participants are drawn from.
type Roster []Participant

var ErrRosterTooSmall = errors.New("roster smaller than minimum participants")

// Select picks min..max participants by topic-relevance matching: the
// overlap between the session topic's tokens and each participant's topic
// list, with roster order as the tiebreak.
func (r Roster) Select(topic string, minN, maxN int) ([]Participant, error) {
	if len(r) < minN {
		return nil, ErrRosterTooSmall
	}

	tokens := tokenize(topic)
	type scored struct {
		p     Participant
		score int
		pos   int
	}
	ranked := make([]scored, 0, len(r))
	for i, p := range r {
		s := 0
		for _, pt := range p.Topics {
			if tokens[normalize(pt)] {
				s++
			}
		}
		ranked = append(ranked, scored{p: p, score: s, pos: i})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].pos < ranked[j].pos
	})

	n := maxN
	if n > len(ranked) {
		n = len(ranked)
	}
	if n < minN {
		n = minN
	}
	out := make([]Participant, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.p)
	}
	return out, nil
}

// Turn is one participant's contribution in a round. Recommendation is a
// normalized actionable recommendation; convergence is exact-match
// agreement over it, never prose inference.
type Turn struct {
	ParticipantID  string    `json:"participant_id"`
	Round          int       `json:"round"`
	Statement      string    `json:"statement"`
	Recommendation string    `json:"recommendation"`
	At             time.Time `json:"at"`
}

// Session is one deliberation session tied to a stall hash or
// low-confidence decision.
type Session struct {
	ID             string     `json:"id"`
	Topic          string     `json:"topic"`
	StallHash      string     `json:"stall_hash,omitempty"`
	ParticipantIDs []string   `json:"participant_ids"`
	Rounds         int        `json:"rounds"`
	State          State      `json:"state"`
	ExitReason     ExitReason `json:"exit_reason,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Converged reports whether the round's turns reach >= 2/3 agreement on a
// non-empty recommendation among the given participant count, returning the
// agreed recommendation.
func Converged(turns []Turn, participants int) (string, bool) {
	if participants == 0 {
		return "", false
	}
	counts := make(map[string]int)
	for _, t := range turns {
		rec := normalize(t.Recommendation)
		if rec == "" {
			continue
		}
		counts[rec]++
	}
	for rec, n := range counts {
		// ceil(2/3 * participants)
		if 3*n >= 2*participants {
			return rec, true
		}
	}
	return "", false
}

// IsExitKeyword reports whether the driver input is one of the configured
// exact-match exit signals.
func IsExitKeyword(input string, keywords []string) bool {
	in := normalize(input)
	for _, k := range keywords {
		if in == normalize(k) {
			return true
		}
	}
	return false
}

// normalize folds case and collapses whitespace so agreement checks compare
// structured recommendations, not formatting.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenize(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		out[f] = true
	}
	return out
}
