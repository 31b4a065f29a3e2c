package service

import (
	"testing"

	"github.com/gatewright/gatewright/internal/domain/confidence"
	"github.com/gatewright/gatewright/internal/domain/review"
)

func TestChooseFormat(t *testing.T) {
	tests := []struct {
		name string
		rep  confidence.Report
		tier int
		want PresentationFormat
	}{
		{"high band tier 2", confidence.Report{Score: 85, Band: confidence.BandHigh}, 2, FormatMinimal},
		{"medium band tier 2", confidence.Report{Score: 60, Band: confidence.BandMedium}, 2, FormatSummary},
		{"low band tier 2", confidence.Report{Score: 40, Band: confidence.BandLow}, 2, FormatFullAudit},
		{"high band tier 3 upgrades", confidence.Report{Score: 85, Band: confidence.BandHigh}, 3, FormatSummary},
		{"medium band tier 4 upgrades", confidence.Report{Score: 60, Band: confidence.BandMedium}, 4, FormatFullAudit},
		{"low band tier 4 stays full", confidence.Report{Score: 40, Band: confidence.BandLow}, 4, FormatFullAudit},
		{
			"gated report always full audit",
			confidence.Report{Score: 85, Band: confidence.BandHigh, EdgeCase: confidence.EdgeCalcFailure},
			0,
			FormatFullAudit,
		},
		{
			"insufficient data always full audit",
			confidence.Report{Score: 25, Band: confidence.BandLow, EdgeCase: confidence.EdgeInsufficientData},
			2,
			FormatFullAudit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChooseFormat(tt.rep, tt.tier); got != tt.want {
				t.Errorf("ChooseFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderPromptFieldGating(t *testing.T) {
	rep := confidence.Report{
		Score: 85,
		Band:  confidence.BandHigh,
		Signals: []confidence.Contribution{
			{Name: confidence.SignalValidation, Weight: 35, Raw: 1, Points: 35, Available: true},
		},
	}
	findings := []review.Finding{{ID: "f1", Severity: review.SeverityMinor, Category: "style"}}
	choices := []string{"approve", "revise", "abort"}

	minimal := RenderPrompt(rep, 2, "advance past draft", "all checks green", []string{"none"}, findings, choices)
	if minimal.Format != FormatMinimal {
		t.Fatalf("format = %v, want minimal", minimal.Format)
	}
	if minimal.Action == "" || minimal.Confidence != 85 {
		t.Error("minimal prompt must carry action and confidence")
	}
	if minimal.Rationale != "" || minimal.Concerns != nil || minimal.Signals != nil || minimal.Findings != nil {
		t.Error("minimal prompt must not carry summary or audit fields")
	}
	if len(minimal.Choices) != 3 {
		t.Error("choices always present")
	}

	summary := RenderPrompt(rep, 3, "advance", "rationale", []string{"one concern"}, findings, choices)
	if summary.Format != FormatSummary {
		t.Fatalf("format = %v, want summary", summary.Format)
	}
	if summary.Rationale == "" || len(summary.Concerns) != 1 {
		t.Error("summary prompt must carry rationale and concerns")
	}
	if summary.Signals != nil || summary.Findings != nil {
		t.Error("summary prompt must not carry the audit fields")
	}

	low := rep
	low.Score = 40
	low.Band = confidence.BandLow
	audit := RenderPrompt(low, 2, "checkpoint", "rationale", nil, findings, choices)
	if audit.Format != FormatFullAudit {
		t.Fatalf("format = %v, want full_audit", audit.Format)
	}
	if len(audit.Signals) != 1 || len(audit.Findings) != 1 {
		t.Error("full audit prompt must carry signal breakdown and findings")
	}
}
