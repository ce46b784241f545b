package triage

import (
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// SLOT SCHEMA
// ============================================================================
// Slots form a closed, typed schema: every slot name and value kind is known
// at compile time. Deltas carrying unknown names or mismatched kinds are
// rejected per-delta and logged; the turn itself continues.

// Factor slots, read by the risk scoring tables.
const (
	SlotSmoke            = "smoke_presence"
	SlotStructuralDamage = "structural_damage"
	SlotWaterLevel       = "water_level"
	SlotInjury           = "injury_reported"
	SlotTrapped          = "trapped"
	SlotMedicalOffline   = "medical_equipment_offline"
	SlotOutageDuration   = "outage_duration"
	SlotImmediateDanger  = "immediate_danger"
)

// Shared situation slots, surfaced to responders but not scored directly.
const (
	SlotLocation         = "location"
	SlotLocationVerified = "location_verified"
	SlotPeopleCount      = "people_count"
	SlotMobility         = "mobility"
	SlotNote             = "note"
)

// Vulnerability flags. Sticky once asserted true; cleared only through an
// explicit correction intent.
const (
	SlotChildPresent      = "child_present"
	SlotElderlyPresent    = "elderly_present"
	SlotDisabilityPresent = "disability_present"
	SlotPregnancyPresent  = "pregnancy_present"
	SlotMedicalEquipment  = "medical_equipment_dependency"
)

// VulnerabilitySlots lists the flag slots in stable order.
var VulnerabilitySlots = []string{
	SlotChildPresent,
	SlotElderlyPresent,
	SlotDisabilityPresent,
	SlotPregnancyPresent,
	SlotMedicalEquipment,
}

var slotKinds = map[string]SlotKind{
	SlotSmoke:            KindLevel,
	SlotStructuralDamage: KindLevel,
	SlotWaterLevel:       KindLevel,
	SlotInjury:           KindBool,
	SlotTrapped:          KindLevel,
	SlotMedicalOffline:   KindBool,
	SlotOutageDuration:   KindLevel,
	SlotImmediateDanger:  KindBool,

	SlotLocation:         KindText,
	SlotLocationVerified: KindBool,
	SlotPeopleCount:      KindCount,
	SlotMobility:         KindLevel,
	SlotNote:             KindText,

	SlotChildPresent:      KindBool,
	SlotElderlyPresent:    KindBool,
	SlotDisabilityPresent: KindBool,
	SlotPregnancyPresent:  KindBool,
	SlotMedicalEquipment:  KindBool,
}

// KnownSlot reports whether name is part of the schema, and its kind.
func KnownSlot(name string) (SlotKind, bool) {
	k, ok := slotKinds[name]
	return k, ok
}

// IsVulnerabilitySlot reports whether name is one of the vulnerability flags.
func IsVulnerabilitySlot(name string) bool {
	switch name {
	case SlotChildPresent, SlotElderlyPresent, SlotDisabilityPresent,
		SlotPregnancyPresent, SlotMedicalEquipment:
		return true
	}
	return false
}

// ApplyDeltas merges deltas into slots under the schema rules:
//   - unknown names and kind mismatches are rejected (logged, not fatal)
//   - Level values are clamped to [0,1]; negative counts rejected
//   - most recent explicit statement wins for ordinary slots
//   - vulnerability flags never transition true->false unless
//     allowCorrections is set (explicit correction intent)
//
// slots is mutated in place; the rejected slice is returned sorted for
// stable logging.
func ApplyDeltas(slots map[string]SlotValue, deltas map[string]SlotValue, turnSeq int, allowCorrections bool) []string {
	var rejected []string

	for name, v := range deltas {
		kind, ok := slotKinds[name]
		if !ok {
			rejected = append(rejected, name)
			continue
		}
		if v.Kind != kind {
			rejected = append(rejected, name)
			continue
		}

		switch kind {
		case KindLevel:
			if math.IsNaN(v.Level) {
				rejected = append(rejected, name)
				continue
			}
			if v.Level < 0 {
				v.Level = 0
			}
			if v.Level > 1 {
				v.Level = 1
			}
		case KindCount:
			if v.Count < 0 {
				rejected = append(rejected, name)
				continue
			}
		}

		if IsVulnerabilitySlot(name) && !v.Bool && !allowCorrections {
			if prev, exists := slots[name]; exists && prev.Bool {
				// A vulnerability claim persists for the session
				// unless explicitly corrected.
				rejected = append(rejected, name)
				continue
			}
		}

		v.Turn = turnSeq
		slots[name] = v
	}

	if len(rejected) > 0 {
		sort.Strings(rejected)
		log.Printf("[SLOTS] rejected %d delta(s) on turn %d: %s",
			len(rejected), turnSeq, strings.Join(rejected, ", "))
	}
	return rejected
}

// DeltasFromEntities converts NLU entities into slot deltas. Entity types
// must match schema slot names; values are parsed according to the slot
// kind. Entities below minConfidence are skipped (uncertain extraction never
// silently writes state). Unparseable values yield a delta with a mismatched
// kind so ApplyDeltas rejects and logs them.
func DeltasFromEntities(entities []Entity, minConfidence float64) map[string]SlotValue {
	if len(entities) == 0 {
		return nil
	}
	deltas := make(map[string]SlotValue, len(entities))
	for _, e := range entities {
		if e.Confidence < minConfidence {
			continue
		}
		kind, ok := slotKinds[e.Type]
		if !ok {
			// Preserve the unknown name; ApplyDeltas rejects it.
			deltas[e.Type] = TextValue(e.Value)
			continue
		}
		v, ok := parseSlotValue(e.Type, kind, e.Value)
		if !ok {
			// Wrong-kind delta; ApplyDeltas rejects and logs it.
			deltas[e.Type] = TextValue(e.Value)
			continue
		}
		deltas[e.Type] = v
	}
	return deltas
}

func parseSlotValue(name string, kind SlotKind, raw string) (SlotValue, bool) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case KindBool:
		switch strings.ToLower(raw) {
		case "true", "yes", "y", "1":
			return BoolValue(true), true
		case "false", "no", "n", "0", "none":
			return BoolValue(false), true
		}
		return SlotValue{}, false
	case KindLevel:
		if lv, ok := levelKeyword(name, raw); ok {
			return LevelValue(lv), true
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(f) {
			return SlotValue{}, false
		}
		return LevelValue(f), true
	case KindCount:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return SlotValue{}, false
		}
		return CountValue(n), true
	case KindText:
		return TextValue(raw), true
	}
	return SlotValue{}, false
}

// levelKeyword maps common NLU categorical answers onto the [0,1] scale.
// Yes/no answers depend on which end of the slot is dangerous: for hazard
// slots "yes" confirms the hazard, while mobility runs inverted because
// "no" (cannot move) is the dangerous end.
func levelKeyword(name, raw string) (float64, bool) {
	switch strings.ToLower(raw) {
	case "none":
		return 0, true
	case "minor", "light", "low":
		return 0.25, true
	case "unsure", "moderate", "medium", "partial":
		return 0.5, true
	case "severe", "heavy", "high":
		return 0.75, true
	case "extreme", "total", "critical", "trapped":
		return 1, true
	case "yes":
		if name == SlotMobility {
			return 0, true
		}
		return 1, true
	case "no":
		if name == SlotMobility {
			return 1, true
		}
		return 0, true
	case "can_move":
		return 0, true
	case "cannot_move":
		return 1, true
	}
	return 0, false
}
