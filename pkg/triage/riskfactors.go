package triage

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// RISK FACTOR TABLES
// ============================================================================
// Each crisis type has a fixed table of weighted factors. Factor weights per
// table sum to at most 1.0, so the weighted sum spans [0,1] and the base
// score spans [0,100]. Tables are defined at build time and may be replaced
// wholesale from a YAML file at startup; they are never mutated at runtime.

// RiskFactor reads one normalized slot and contributes Weight of the base
// scale. A missing slot reads as 0: unknown is not-yet-elevated, never
// automatically high-risk.
type RiskFactor struct {
	Category string  `yaml:"category"` // slot name the factor reads
	Weight   float64 `yaml:"weight"`
}

// FactorTable is the ordered factor list for one crisis type.
type FactorTable []RiskFactor

var defaultFactorTables = map[CrisisType]FactorTable{
	CrisisFire: {
		{Category: SlotSmoke, Weight: 0.60},
		{Category: SlotInjury, Weight: 0.25},
		{Category: SlotTrapped, Weight: 0.15},
	},
	CrisisEarthquake: {
		{Category: SlotStructuralDamage, Weight: 0.50},
		{Category: SlotInjury, Weight: 0.30},
		{Category: SlotTrapped, Weight: 0.20},
	},
	CrisisFlood: {
		{Category: SlotWaterLevel, Weight: 0.50},
		{Category: SlotInjury, Weight: 0.30},
		{Category: SlotTrapped, Weight: 0.20},
	},
	CrisisPowerOutage: {
		{Category: SlotMedicalOffline, Weight: 0.45},
		{Category: SlotInjury, Weight: 0.30},
		{Category: SlotOutageDuration, Weight: 0.25},
	},
	// Minimal table: until a crisis type is established only a generic
	// immediate-danger report can raise the base score.
	CrisisUnknown: {
		{Category: SlotImmediateDanger, Weight: 0.40},
	},
}

var (
	factorMu     sync.RWMutex
	factorTables = defaultFactorTables
)

// FactorTableFor returns the factor table for a crisis type. Unsupported
// types degrade to the minimal unknown table.
func FactorTableFor(t CrisisType) FactorTable {
	factorMu.RLock()
	defer factorMu.RUnlock()

	if tbl, ok := factorTables[t]; ok {
		return tbl
	}
	return factorTables[CrisisUnknown]
}

// MaxBaseScore returns the highest base score the table can produce, before
// any vulnerability uplift.
func (t FactorTable) MaxBaseScore() int {
	sum := 0.0
	for _, f := range t {
		sum += f.Weight
	}
	return int(sum*100 + 0.5)
}

// LoadFactorTables replaces the factor tables from a YAML file. The file
// maps crisis type names to factor lists:
//
//	fire:
//	  - category: smoke_presence
//	    weight: 0.6
//
// Every table is validated before any replacement happens, so a bad file
// leaves the built-in tables untouched.
func LoadFactorTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read factor tables: %w", err)
	}

	var raw map[string]FactorTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse factor tables: %w", err)
	}

	loaded := make(map[CrisisType]FactorTable, len(raw))
	for name, tbl := range raw {
		ct := ParseCrisisType(name)
		if ct == CrisisUnknown && name != string(CrisisUnknown) {
			return fmt.Errorf("factor tables: unknown crisis type %q", name)
		}
		if err := tbl.validate(); err != nil {
			return fmt.Errorf("factor tables[%s]: %w", name, err)
		}
		loaded[ct] = tbl
	}

	// The unknown table must always exist; carry the default forward when
	// the file omits it.
	if _, ok := loaded[CrisisUnknown]; !ok {
		loaded[CrisisUnknown] = defaultFactorTables[CrisisUnknown]
	}
	for ct, tbl := range defaultFactorTables {
		if _, ok := loaded[ct]; !ok {
			loaded[ct] = tbl
		}
	}

	factorMu.Lock()
	factorTables = loaded
	factorMu.Unlock()
	return nil
}

func (t FactorTable) validate() error {
	if len(t) == 0 {
		return fmt.Errorf("empty table")
	}
	sum := 0.0
	for _, f := range t {
		kind, ok := KnownSlot(f.Category)
		if !ok {
			return fmt.Errorf("unknown factor slot %q", f.Category)
		}
		if kind != KindLevel && kind != KindBool {
			return fmt.Errorf("factor slot %q has kind %s, want level or bool", f.Category, kind)
		}
		if f.Weight <= 0 || f.Weight > 1 {
			return fmt.Errorf("factor %q weight %.2f out of (0,1]", f.Category, f.Weight)
		}
		sum += f.Weight
	}
	if sum > 1.0+1e-9 {
		return fmt.Errorf("weights sum to %.2f, must not exceed 1.0", sum)
	}
	return nil
}

// ResetFactorTables restores the built-in tables. Test helper.
func ResetFactorTables() {
	factorMu.Lock()
	factorTables = defaultFactorTables
	factorMu.Unlock()
}
