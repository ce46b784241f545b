package triage

import "testing"

func TestScoreSession_FireWithElderly(t *testing.T) {
	// Severe smoke alone on the fire table: 0.60 * 1.0 = base 60.
	slots := map[string]SlotValue{
		SlotSmoke: LevelValue(1.0),
	}
	score := ScoreSession(CrisisFire, slots, ResolveProfile(slots))
	if score != 60 {
		t.Fatalf("Expected base score 60 for severe smoke, got %d", score)
	}

	// Elderly occupant bumps the same situation to 75.
	slots[SlotElderlyPresent] = BoolValue(true)
	score = ScoreSession(CrisisFire, slots, ResolveProfile(slots))
	if score != 75 {
		t.Fatalf("Expected 75 with elderly uplift, got %d", score)
	}
}

func TestScoreSession_EmptySlots(t *testing.T) {
	for _, ct := range []CrisisType{
		CrisisFire, CrisisEarthquake, CrisisFlood, CrisisPowerOutage, CrisisUnknown,
	} {
		score := ScoreSession(ct, map[string]SlotValue{}, VulnerabilityProfile{})
		if score != 0 {
			t.Errorf("%s: expected 0 with no slots, got %d", ct, score)
		}
	}
}

func TestScoreSession_FullFireTable(t *testing.T) {
	// All fire factors maxed: 0.60 + 0.25 + 0.15 = base 100.
	slots := map[string]SlotValue{
		SlotSmoke:   LevelValue(1.0),
		SlotInjury:  BoolValue(true),
		SlotTrapped: LevelValue(1.0),
	}
	score := ScoreSession(CrisisFire, slots, VulnerabilityProfile{})
	if score != 100 {
		t.Fatalf("Expected 100 with all fire factors maxed, got %d", score)
	}
}

func TestScoreSession_UpliftCap(t *testing.T) {
	// Five flags would add 75; the cap holds the uplift at 40.
	slots := map[string]SlotValue{
		SlotChildPresent:      BoolValue(true),
		SlotElderlyPresent:    BoolValue(true),
		SlotDisabilityPresent: BoolValue(true),
		SlotPregnancyPresent:  BoolValue(true),
		SlotMedicalEquipment:  BoolValue(true),
	}
	score := ScoreSession(CrisisFire, slots, ResolveProfile(slots))
	if score != MaxVulnerabilityUplift {
		t.Fatalf("Expected uplift capped at %d, got %d", MaxVulnerabilityUplift, score)
	}
}

func TestScoreSession_ClampsAt100(t *testing.T) {
	slots := map[string]SlotValue{
		SlotSmoke:          LevelValue(1.0),
		SlotInjury:         BoolValue(true),
		SlotTrapped:        LevelValue(1.0),
		SlotChildPresent:   BoolValue(true),
		SlotElderlyPresent: BoolValue(true),
	}
	score := ScoreSession(CrisisFire, slots, ResolveProfile(slots))
	if score != 100 {
		t.Fatalf("Expected clamp at 100, got %d", score)
	}
}

func TestScoreSession_UnknownTypeMinimalTable(t *testing.T) {
	// Until a crisis type is established, only a generic danger report
	// raises the base score, capped well below critical.
	slots := map[string]SlotValue{
		SlotImmediateDanger: BoolValue(true),
		// Fire factors are ignored on the unknown table.
		SlotSmoke: LevelValue(1.0),
	}
	score := ScoreSession(CrisisUnknown, slots, VulnerabilityProfile{})
	if score != 40 {
		t.Fatalf("Expected 40 on the unknown table, got %d", score)
	}
}

func TestScoreSession_Monotonic(t *testing.T) {
	slots := map[string]SlotValue{}
	prev := 0
	steps := []struct {
		name  string
		value SlotValue
	}{
		{SlotSmoke, LevelValue(0.5)},
		{SlotInjury, BoolValue(true)},
		{SlotTrapped, LevelValue(0.75)},
		{SlotChildPresent, BoolValue(true)},
	}
	for _, step := range steps {
		slots[step.name] = step.value
		score := ScoreSession(CrisisFire, slots, ResolveProfile(slots))
		if score < prev {
			t.Fatalf("Score decreased from %d to %d after adding %s", prev, score, step.name)
		}
		prev = score
	}
}

func TestScoreSession_Deterministic(t *testing.T) {
	slots := map[string]SlotValue{
		SlotWaterLevel:   LevelValue(0.75),
		SlotInjury:       BoolValue(true),
		SlotChildPresent: BoolValue(true),
	}
	first := ScoreSession(CrisisFlood, slots, ResolveProfile(slots))
	for i := 0; i < 10; i++ {
		if got := ScoreSession(CrisisFlood, slots, ResolveProfile(slots)); got != first {
			t.Fatalf("Re-scoring changed result: %d vs %d", first, got)
		}
	}
}

func TestLevelForScore_Bands(t *testing.T) {
	cases := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{25, RiskLow},
		{26, RiskMedium},
		{50, RiskMedium},
		{51, RiskHigh},
		{75, RiskHigh},
		{76, RiskCritical},
		{100, RiskCritical},
	}
	for _, c := range cases {
		if got := LevelForScore(c.score); got != c.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", c.score, got, c.want)
		}
	}
}
