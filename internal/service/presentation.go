package service

import (
	"github.com/gatewright/gatewright/internal/domain/confidence"
	"github.com/gatewright/gatewright/internal/domain/review"
)

// PresentationFormat selects how much context a paused checkpoint shows the
// human decision maker.
type PresentationFormat string

const (
	FormatMinimal   PresentationFormat = "minimal"    // action + confidence only
	FormatSummary   PresentationFormat = "summary"    // + rationale + open concerns
	FormatFullAudit PresentationFormat = "full_audit" // + signal breakdown + all findings
)

// ChooseFormat maps a confidence report and oversight tier to a checkpoint
// presentation format. Pure function, no side effects: high confidence gets
// the minimal view, low confidence the full audit, and tiers 3-4 upgrade
// the view one level because stricter oversight wants more context.
func ChooseFormat(rep confidence.Report, tier int) PresentationFormat {
	var f PresentationFormat
	switch rep.Band {
	case confidence.BandHigh:
		f = FormatMinimal
	case confidence.BandMedium:
		f = FormatSummary
	default:
		f = FormatFullAudit
	}
	if rep.Gated() {
		// Tagged reports always show their signal breakdown.
		return FormatFullAudit
	}
	if tier >= 3 {
		f = upgrade(f)
	}
	return f
}

func upgrade(f PresentationFormat) PresentationFormat {
	switch f {
	case FormatMinimal:
		return FormatSummary
	case FormatSummary:
		return FormatFullAudit
	default:
		return FormatFullAudit
	}
}

// Prompt is the rendered checkpoint presentation. Fields beyond Action and
// Confidence are populated according to the format.
type Prompt struct {
	Format     PresentationFormat        `json:"format"`
	Action     string                    `json:"action"`
	Confidence int                       `json:"confidence"`
	Band       string                    `json:"band"`
	Rationale  string                    `json:"rationale,omitempty"`
	Concerns   []string                  `json:"concerns,omitempty"`
	Signals    []confidence.Contribution `json:"signals,omitempty"`
	Findings   []review.Finding          `json:"findings,omitempty"`
	Choices    []string                  `json:"choices"`
}

// RenderPrompt builds the checkpoint presentation for a paused session.
func RenderPrompt(rep confidence.Report, tier int, action, rationale string, concerns []string, findings []review.Finding, choices []string) Prompt {
	p := Prompt{
		Format:     ChooseFormat(rep, tier),
		Action:     action,
		Confidence: rep.Score,
		Band:       string(rep.Band),
		Choices:    choices,
	}
	if p.Format == FormatMinimal {
		return p
	}
	p.Rationale = rationale
	p.Concerns = concerns
	if p.Format == FormatSummary {
		return p
	}
	p.Signals = rep.Signals
	p.Findings = findings
	return p
}
