// Package confidence computes the normalized 0-100 confidence score that
// gates auto-advance decisions. Scores are derived from structured signals,
// never inferred from prose.
package confidence

import (
	"math"
	"time"
)

// Band classifies a score. Boundaries are inclusive on the lower edge.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// Well-known signal names.
const (
	SignalValidation = "validation"
	SignalKnowledge  = "knowledge_match"
	SignalReviewer   = "reviewer_agreement"
	SignalConsensus  = "consensus_outcome"
)

// Edge-case tags attached to reports the engine must not auto-advance on.
const (
	EdgeInsufficientData = "insufficient_data"
	EdgeCalcFailure      = "calc_failure"
)

// Signal is one weighted input to the calculation. Raw is the normalized
// source value in [0,1]; Available distinguishes "measured zero" from
// "not measured".
type Signal struct {
	Name      string  `json:"name"`
	Weight    int     `json:"weight"`
	Raw       float64 `json:"raw"`
	Available bool    `json:"available"`
}

// Contribution records how one signal entered the weighted sum.
type Contribution struct {
	Name      string  `json:"name"`
	Weight    int     `json:"weight"`
	Raw       float64 `json:"raw"`
	Points    int     `json:"points"`
	Available bool    `json:"available"`
}

// Report is the calculation outcome handed to the engine.
type Report struct {
	Score            int            `json:"score"`
	Band             Band           `json:"band"`
	InsufficientData bool           `json:"insufficient_data,omitempty"`
	EdgeCase         string         `json:"edge_case,omitempty"`
	Signals          []Contribution `json:"signals"`
	At               time.Time      `json:"at"`
}

// Gated reports whether the engine must not auto-advance on this report
// regardless of score.
func (r Report) Gated() bool {
	return r.EdgeCase != ""
}

// Params are the tunable calculation constants, mapped from config at
// session start.
type Params struct {
	HighBand           int
	MediumBand         int
	NoSignalConfidence int
	FailureConfidence  int
	SingleSignalCap    int
	TierPenalty        [5]int
}

// Calculator combines weighted signals into a Report.
type Calculator struct {
	p   Params
	now func() time.Time // for testing
}

// NewCalculator creates a Calculator with the given params.
func NewCalculator(p Params) *Calculator {
	return &Calculator{p: p, now: time.Now}
}

// Evaluate computes the confidence report for a decision point.
// It never returns an error: malformed input yields the fixed failure
// confidence with an edge_case tag, and the engine refuses to auto-advance
// on any tagged report.
func (c *Calculator) Evaluate(tier int, signals []Signal) (rep Report) {
	rep.At = c.now()

	defer func() {
		if recover() != nil {
			rep = c.failure(rep.At)
		}
	}()

	available := 0
	sum := 0.0
	rep.Signals = make([]Contribution, 0, len(signals))

	for _, s := range signals {
		if s.Weight < 0 || s.Weight > 100 || math.IsNaN(s.Raw) || math.IsInf(s.Raw, 0) {
			return c.failure(rep.At)
		}
		contrib := Contribution{Name: s.Name, Weight: s.Weight, Raw: s.Raw, Available: s.Available}
		if s.Available {
			if s.Raw < 0 || s.Raw > 1 {
				return c.failure(rep.At)
			}
			points := s.Raw * float64(s.Weight)
			contrib.Points = int(math.Round(points))
			sum += points
			available++
		}
		rep.Signals = append(rep.Signals, contrib)
	}

	if available == 0 {
		rep.Score = c.p.NoSignalConfidence
		rep.InsufficientData = true
		rep.EdgeCase = EdgeInsufficientData
		rep.Band = c.band(rep.Score)
		return rep
	}

	score := int(math.Round(sum))

	// Single-source corroboration rule: one signal can never clear the
	// high-confidence bar on its own.
	if available == 1 && score > c.p.SingleSignalCap {
		score = c.p.SingleSignalCap
	}

	if tier >= 0 && tier < len(c.p.TierPenalty) {
		score -= c.p.TierPenalty[tier]
	}
	score = clamp(score)

	rep.Score = score
	rep.Band = c.band(score)
	return rep
}

func (c *Calculator) failure(at time.Time) Report {
	score := clamp(c.p.FailureConfidence)
	return Report{
		Score:    score,
		Band:     c.band(score),
		EdgeCase: EdgeCalcFailure,
		At:       at,
	}
}

func (c *Calculator) band(score int) Band {
	switch {
	case score >= c.p.HighBand:
		return BandHigh
	case score >= c.p.MediumBand:
		return BandMedium
	default:
		return BandLow
	}
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
