// Package review defines domain types for parallel review rounds and their
// aggregated findings.
package review

import (
	"errors"
	"maps"
	"sort"
)

// Severity ranks a finding. Blocking findings gate delivery.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

var severityRank = map[Severity]int{
	SeverityBlocking: 3,
	SeverityMajor:    2,
	SeverityMinor:    1,
}

// Outranks returns true if s is strictly more severe than other.
func (s Severity) Outranks(other Severity) bool {
	return severityRank[s] > severityRank[other]
}

// FindingStatus is the remediation state of a finding.
type FindingStatus string

const (
	FindingOpen    FindingStatus = "open"
	FindingFixed   FindingStatus = "fixed"
	FindingBlocked FindingStatus = "blocked"
)

// Finding is one issue raised by a reviewer. Findings are owned by a single
// dispatch round; after aggregation, ownership transfers to the engine.
type Finding struct {
	ID         string        `json:"id"`
	Severity   Severity      `json:"severity"`
	Category   string        `json:"category"`
	Location   string        `json:"location"`
	ReviewerID string        `json:"reviewer_id"`
	Status     FindingStatus `json:"status"`
}

// Validate checks a finding for structural correctness.
func (f *Finding) Validate() error {
	if _, ok := severityRank[f.Severity]; !ok {
		return errors.New("invalid finding severity")
	}
	if f.Category == "" {
		return errors.New("finding category is required")
	}
	return nil
}

// RoundTag classifies the outcome of one dispatch round.
type RoundTag string

const (
	RoundComplete RoundTag = "complete" // all tasks succeeded
	RoundPartial  RoundTag = "partial"  // 1..N-1 succeeded
	RoundFailed   RoundTag = "failed"   // 0 succeeded
)

// Task is one unit of review work: a focus applied to the shared snapshot.
type Task struct {
	ID         string `json:"id"`
	ReviewerID string `json:"reviewer_id"`
	Focus      string `json:"focus"`
}

// Snapshot is the immutable context fork every reviewer starts from.
// Fork returns an independent copy so a reviewer's effects are discarded
// and never contaminate another task.
type Snapshot struct {
	SessionID string            `json:"session_id"`
	StepID    string            `json:"step_id"`
	Content   []byte            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Fork deep-copies the snapshot for one reviewer.
func (s Snapshot) Fork() Snapshot {
	out := s
	out.Content = make([]byte, len(s.Content))
	copy(out.Content, s.Content)
	if s.Meta != nil {
		out.Meta = maps.Clone(s.Meta)
	}
	return out
}

// RoundResult is the aggregation outcome of one dispatch round.
type RoundResult struct {
	Tag       RoundTag  `json:"tag"`
	Findings  []Finding `json:"findings"`
	Succeeded []string  `json:"succeeded"` // task ids
	Failed    []string  `json:"failed"`    // task ids, after retry
	Agreement float64   `json:"agreement"` // reviewer agreement in [0,1]
}

// Tag classifies a round given total task and success counts.
func Tag(total, succeeded int) RoundTag {
	switch {
	case succeeded == 0:
		return RoundFailed
	case succeeded == total:
		return RoundComplete
	default:
		return RoundPartial
	}
}

// Dedupe merges findings reported by several reviewers, keyed by
// (category, location). The most severe report wins; reviewer attribution
// follows the kept finding.
func Dedupe(findings []Finding) []Finding {
	type key struct{ category, location string }
	kept := make(map[key]Finding, len(findings))
	order := make([]key, 0, len(findings))

	for _, f := range findings {
		k := key{f.Category, f.Location}
		prev, ok := kept[k]
		if !ok {
			kept[k] = f
			order = append(order, k)
			continue
		}
		if f.Severity.Outranks(prev.Severity) {
			kept[k] = f
		}
	}

	out := make([]Finding, 0, len(kept))
	for _, k := range order {
		out = append(out, kept[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank[out[i].Severity] > severityRank[out[j].Severity]
	})
	return out
}

// Agreement computes the reviewer-agreement signal: the fraction of
// succeeded reviewers who raised no blocking finding.
func Agreement(succeeded []string, findings []Finding) float64 {
	if len(succeeded) == 0 {
		return 0
	}
	blocking := make(map[string]bool)
	for _, f := range findings {
		if f.Severity == SeverityBlocking {
			blocking[f.ReviewerID] = true
		}
	}
	clean := 0
	for _, id := range succeeded {
		if !blocking[id] {
			clean++
		}
	}
	return float64(clean) / float64(len(succeeded))
}
