package confidence

import (
	"math"
	"testing"
)

func testParams() Params {
	return Params{
		HighBand:           80,
		MediumBand:         50,
		NoSignalConfidence: 25,
		FailureConfidence:  30,
		SingleSignalCap:    60,
		TierPenalty:        [5]int{0, 0, 5, 10, 15},
	}
}

func sig(name string, weight int, raw float64) Signal {
	return Signal{Name: name, Weight: weight, Raw: raw, Available: true}
}

func missing(name string, weight int) Signal {
	return Signal{Name: name, Weight: weight}
}

func TestEvaluateScoreRange(t *testing.T) {
	calc := NewCalculator(testParams())

	raws := []float64{0, 0.25, 0.5, 0.75, 1}
	for tier := 0; tier <= 4; tier++ {
		for _, v := range raws {
			for _, r := range raws {
				rep := calc.Evaluate(tier, []Signal{
					sig(SignalValidation, 35, v),
					sig(SignalKnowledge, 25, r),
					sig(SignalReviewer, 25, v),
					sig(SignalConsensus, 15, r),
				})
				if rep.Score < 0 || rep.Score > 100 {
					t.Fatalf("tier %d raws (%v,%v): score %d out of range", tier, v, r, rep.Score)
				}
			}
		}
	}
}

func TestEvaluateNoSignals(t *testing.T) {
	calc := NewCalculator(testParams())

	rep := calc.Evaluate(2, []Signal{
		missing(SignalValidation, 35),
		missing(SignalKnowledge, 25),
	})
	if rep.Score != 25 {
		t.Errorf("score = %d, want fixed 25", rep.Score)
	}
	if !rep.InsufficientData {
		t.Error("insufficient_data not set")
	}
	if rep.EdgeCase != EdgeInsufficientData {
		t.Errorf("edge case = %q, want %q", rep.EdgeCase, EdgeInsufficientData)
	}
	if !rep.Gated() {
		t.Error("zero-signal report must gate auto-advance")
	}
}

func TestEvaluateSingleSignalCap(t *testing.T) {
	calc := NewCalculator(testParams())

	// One perfect signal with full weight would score 100 uncapped.
	rep := calc.Evaluate(0, []Signal{
		sig(SignalValidation, 100, 1.0),
		missing(SignalKnowledge, 0),
	})
	if rep.Score > 60 {
		t.Errorf("single signal score = %d, want <= 60", rep.Score)
	}

	// Two available signals are not capped.
	rep = calc.Evaluate(0, []Signal{
		sig(SignalValidation, 50, 1.0),
		sig(SignalReviewer, 50, 1.0),
	})
	if rep.Score != 100 {
		t.Errorf("two-signal score = %d, want 100", rep.Score)
	}
}

func TestEvaluateTierPenalty(t *testing.T) {
	calc := NewCalculator(testParams())
	signals := func() []Signal {
		return []Signal{
			sig(SignalValidation, 50, 1.0),
			sig(SignalReviewer, 50, 0.8),
		}
	}

	base := calc.Evaluate(0, signals()).Score
	tests := []struct {
		tier    int
		penalty int
	}{
		{0, 0}, {1, 0}, {2, 5}, {3, 10}, {4, 15},
	}
	for _, tt := range tests {
		got := calc.Evaluate(tt.tier, signals()).Score
		if got != base-tt.penalty {
			t.Errorf("tier %d: score = %d, want %d", tt.tier, got, base-tt.penalty)
		}
	}
}

func TestEvaluateMalformedInput(t *testing.T) {
	calc := NewCalculator(testParams())

	tests := []struct {
		name    string
		signals []Signal
	}{
		{"nan raw", []Signal{sig(SignalValidation, 35, math.NaN())}},
		{"inf raw", []Signal{sig(SignalValidation, 35, math.Inf(1))}},
		{"raw above one", []Signal{sig(SignalValidation, 35, 1.5)}},
		{"negative raw", []Signal{sig(SignalValidation, 35, -0.1)}},
		{"weight above hundred", []Signal{sig(SignalValidation, 150, 0.5)}},
		{"negative weight", []Signal{sig(SignalValidation, -5, 0.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := calc.Evaluate(2, tt.signals)
			if rep.Score != 30 {
				t.Errorf("score = %d, want fixed failure 30", rep.Score)
			}
			if rep.EdgeCase != EdgeCalcFailure {
				t.Errorf("edge case = %q, want %q", rep.EdgeCase, EdgeCalcFailure)
			}
			if !rep.Gated() {
				t.Error("failure report must gate auto-advance")
			}
		})
	}
}

func TestBandBoundaries(t *testing.T) {
	calc := NewCalculator(testParams())

	tests := []struct {
		score int
		want  Band
	}{
		{100, BandHigh}, {80, BandHigh}, {79, BandMedium},
		{50, BandMedium}, {49, BandLow}, {0, BandLow},
	}
	for _, tt := range tests {
		if got := calc.band(tt.score); got != tt.want {
			t.Errorf("band(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestMissingSignalContributesZero(t *testing.T) {
	calc := NewCalculator(testParams())

	// A missing signal and a measured-zero signal differ: the measured zero
	// still counts toward corroboration.
	withMissing := calc.Evaluate(0, []Signal{
		sig(SignalValidation, 50, 1.0),
		missing(SignalKnowledge, 25),
	})
	if withMissing.Score > 60 {
		t.Errorf("score = %d, single available signal must cap at 60", withMissing.Score)
	}

	withZero := calc.Evaluate(0, []Signal{
		sig(SignalValidation, 50, 1.0),
		sig(SignalKnowledge, 25, 0),
	})
	if withZero.Score != 50 {
		t.Errorf("score = %d, want uncapped 50 with two available signals", withZero.Score)
	}
}
