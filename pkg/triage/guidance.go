package triage

// Safety guidance is expressed as stable keys rather than rendered text.
// The boundary layer (gateway, bot, IVR) owns presentation and localization;
// the engine only decides WHICH guidance applies to a session.

// Guidance keys by crisis type.
const (
	GuidanceEarthquake  = "earthquake_protocol"
	GuidanceFlood       = "flood_protocol"
	GuidanceFire        = "fire_protocol"
	GuidancePowerOutage = "power_outage_protocol"
	GuidanceGeneral     = "general_protocol"
)

// Guidance modifiers derived from the current slot state.
const (
	ModifierStayPut          = "stay_put"
	ModifierEvacuateIfAble   = "evacuate_if_able"
	ModifierDoNotMoveInjured = "do_not_move_injured"
	ModifierAwaitRescue      = "await_rescue"
)

// GuidanceFor returns the base guidance key for a crisis type.
func GuidanceFor(t CrisisType) string {
	switch t {
	case CrisisEarthquake:
		return GuidanceEarthquake
	case CrisisFlood:
		return GuidanceFlood
	case CrisisFire:
		return GuidanceFire
	case CrisisPowerOutage:
		return GuidancePowerOutage
	default:
		return GuidanceGeneral
	}
}

// GuidanceModifiers derives situational modifiers from the slot state.
// Order is stable so directives compare reliably in tests and logs.
func GuidanceModifiers(slots map[string]SlotValue) []string {
	var mods []string

	trapped := slotLevelAbove(slots, SlotTrapped, 0.5)
	immobile := slotLevelAbove(slots, SlotMobility, 0.5)
	if trapped || immobile {
		mods = append(mods, ModifierStayPut)
	} else if v, ok := slots[SlotMobility]; ok && v.Kind == KindLevel && v.Level < 0.5 {
		mods = append(mods, ModifierEvacuateIfAble)
	}

	if slotLevelAbove(slots, SlotInjury, 0.5) {
		mods = append(mods, ModifierDoNotMoveInjured)
	}
	if trapped {
		mods = append(mods, ModifierAwaitRescue)
	}
	return mods
}

func slotLevelAbove(slots map[string]SlotValue, name string, threshold float64) bool {
	v, ok := slots[name]
	if !ok {
		return false
	}
	switch v.Kind {
	case KindLevel:
		return v.Level > threshold
	case KindBool:
		return v.Bool
	default:
		return false
	}
}
