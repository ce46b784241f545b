package triage

import "math"

// Vulnerability uplift policy. Each true flag adds a fixed additive bonus on
// top of the base severity score; the summed uplift is capped so it can never
// push a score above the scale by itself. Additive uplift keeps the scale
// interpretable: "a severity-60 fire, bumped to 75 for an elderly occupant".
const (
	VulnerabilityUplift    = 15
	MaxVulnerabilityUplift = 40
)

// ScoreSession computes the 0-100 risk score for a crisis type from the
// accumulated slots and the derived vulnerability profile. Pure: re-scoring
// the same inputs always yields the same score. Missing factor slots read as
// 0, so the score is monotonic under additional true flags for a fixed table
// and can decrease only when a prior slot value is explicitly corrected.
func ScoreSession(t CrisisType, slots map[string]SlotValue, profile VulnerabilityProfile) int {
	table := FactorTableFor(t)

	weighted := 0.0
	for _, f := range table {
		weighted += f.Weight * factorValue(slots, f.Category)
	}
	base := int(math.Round(weighted * 100))

	uplift := profile.FlagCount() * VulnerabilityUplift
	if uplift > MaxVulnerabilityUplift {
		uplift = MaxVulnerabilityUplift
	}

	return clampScore(base + uplift)
}

// factorValue reads a factor's normalized value from the slots.
// Bool slots read as 0 or 1; Level slots as-is. Anything else reads as 0,
// including missing slots.
func factorValue(slots map[string]SlotValue, name string) float64 {
	v, ok := slots[name]
	if !ok {
		return 0
	}
	switch v.Kind {
	case KindBool:
		if v.Bool {
			return 1
		}
		return 0
	case KindLevel:
		if v.Level < 0 {
			return 0
		}
		if v.Level > 1 {
			return 1
		}
		return v.Level
	default:
		return 0
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
