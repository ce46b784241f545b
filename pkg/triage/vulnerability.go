package triage

// VulnerabilityProfile is the set of higher-risk-category flags derived from
// the current slots. It is recomputed every turn and never persisted apart
// from the session it was computed from.
type VulnerabilityProfile struct {
	ChildPresent      bool `json:"child_present"`
	ElderlyPresent    bool `json:"elderly_present"`
	DisabilityPresent bool `json:"disability_present"`
	PregnancyPresent  bool `json:"pregnancy_present"`
	MedicalEquipment  bool `json:"medical_equipment_dependency"`

	// Provenance maps each true flag to the turn that asserted it.
	Provenance map[string]int `json:"provenance,omitempty"`
}

// ResolveProfile derives the vulnerability profile from slots. Pure and
// deterministic: the same slot mapping always yields the same profile. A flag
// is true once any turn asserted it; clearing happens only through an
// explicit correction delta on the underlying slot.
func ResolveProfile(slots map[string]SlotValue) VulnerabilityProfile {
	p := VulnerabilityProfile{}
	for _, name := range VulnerabilitySlots {
		v, ok := slots[name]
		if !ok || v.Kind != KindBool || !v.Bool {
			continue
		}
		if p.Provenance == nil {
			p.Provenance = make(map[string]int, len(VulnerabilitySlots))
		}
		p.Provenance[name] = v.Turn
		switch name {
		case SlotChildPresent:
			p.ChildPresent = true
		case SlotElderlyPresent:
			p.ElderlyPresent = true
		case SlotDisabilityPresent:
			p.DisabilityPresent = true
		case SlotPregnancyPresent:
			p.PregnancyPresent = true
		case SlotMedicalEquipment:
			p.MedicalEquipment = true
		}
	}
	return p
}

// FlagCount returns how many flags are set.
func (p VulnerabilityProfile) FlagCount() int {
	n := 0
	for _, set := range []bool{
		p.ChildPresent, p.ElderlyPresent, p.DisabilityPresent,
		p.PregnancyPresent, p.MedicalEquipment,
	} {
		if set {
			n++
		}
	}
	return n
}
