package config

// Profile is a named oversight preset selectable at session start.
type Profile string

const (
	ProfileStrict   Profile = "strict"   // tier 4
	ProfileBalanced Profile = "balanced" // tier 2
	ProfileFast     Profile = "fast"     // tier 1
)

// Hint is a soft oversight adjustment. It is the weakest override and only
// nudges the tier when nothing stronger pins it.
type Hint string

const (
	HintCautious   Hint = "cautious"
	HintPermissive Hint = "permissive"
)

// Override carries per-session adjustments to the engine configuration.
// The base config is loaded once per session and never mutated; overrides
// are resolved into a fresh Engine copy at session start.
type Override struct {
	Tier     *int           `json:"tier,omitempty"`     // explicit tier, highest priority
	Profile  Profile        `json:"profile,omitempty"`  // named preset
	Settings map[string]int `json:"settings,omitempty"` // specific numeric settings by yaml key
	Hint     Hint           `json:"hint,omitempty"`     // weakest: nudges tier by one
}

// Resolve applies the override to a copy of the engine config.
// Priority ordering: explicit tier > profile switch > specific setting > soft hint.
// Lower-priority adjustments are applied first so stronger ones win.
func (e Engine) Resolve(o Override) Engine {
	out := e

	switch o.Hint {
	case HintCautious:
		out.Tier = clampTier(out.Tier + 1)
	case HintPermissive:
		out.Tier = clampTier(out.Tier - 1)
	}

	for key, v := range o.Settings {
		switch key {
		case "tier":
			out.Tier = clampTier(v)
		case "high_band":
			out.HighBand = v
		case "medium_band":
			out.MediumBand = v
		case "single_signal_cap":
			out.SingleSignalCap = v
		case "max_step_iterations":
			out.MaxStepIterations = v
		}
	}

	switch o.Profile {
	case ProfileStrict:
		out.Tier = 4
	case ProfileBalanced:
		out.Tier = 2
	case ProfileFast:
		out.Tier = 1
	}

	if o.Tier != nil {
		out.Tier = clampTier(*o.Tier)
	}

	return out
}

func clampTier(t int) int {
	if t < 0 {
		return 0
	}
	if t > 4 {
		return 4
	}
	return t
}
