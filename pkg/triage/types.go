package triage

import (
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// CORE TRIAGE TYPES
// ============================================================================
// Data model for the risk assessment and escalation engine. The engine
// consumes structured turn events (intent, confidence, entities) produced by
// an external NLU layer and returns response directives. It never performs
// language understanding, rendering, or transport itself.

// CrisisType identifies the kind of physical emergency being reported.
// Set at most once per session; immutable until an explicit reset.
type CrisisType string

const (
	CrisisEarthquake  CrisisType = "earthquake"
	CrisisFlood       CrisisType = "flood"
	CrisisFire        CrisisType = "fire"
	CrisisPowerOutage CrisisType = "power_outage"
	CrisisUnknown     CrisisType = "unknown"
)

// ParseCrisisType maps free-form type strings to a known crisis type.
// Unknown or unsupported values degrade to CrisisUnknown rather than failing
// the turn; the minimal scoring table applies until a type is established.
func ParseCrisisType(s string) CrisisType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "earthquake":
		return CrisisEarthquake
	case "flood":
		return CrisisFlood
	case "fire":
		return CrisisFire
	case "power_outage", "poweroutage", "outage":
		return CrisisPowerOutage
	default:
		return CrisisUnknown
	}
}

// FallbackState tracks the recovery state machine driven by the fallback
// manager. FallbackHumanHandoff is terminal.
type FallbackState string

const (
	FallbackNormal         FallbackState = "normal"
	FallbackClarifying     FallbackState = "clarifying"
	FallbackRephrasing     FallbackState = "rephrasing"
	FallbackStressDetected FallbackState = "stress_detected"
	FallbackHumanHandoff   FallbackState = "human_handoff"
)

// RiskLevel is the coarse band reported alongside the numeric score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a 0-100 score to its band.
// Bands: 0-25 LOW, 26-50 MEDIUM, 51-75 HIGH, 76-100 CRITICAL.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 76:
		return RiskCritical
	case score >= 51:
		return RiskHigh
	case score >= 26:
		return RiskMedium
	default:
		return RiskLow
	}
}

// SlotKind is the value type of a slot in the closed schema.
type SlotKind int

const (
	KindBool  SlotKind = iota // asserted/denied condition
	KindLevel                 // normalized severity in [0,1]
	KindCount                 // non-negative count
	KindText                  // free-form note
)

func (k SlotKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindLevel:
		return "level"
	case KindCount:
		return "count"
	case KindText:
		return "text"
	default:
		return "invalid"
	}
}

// SlotValue is a typed slot reading with provenance. Only the field matching
// Kind is meaningful.
type SlotValue struct {
	Kind  SlotKind `json:"kind"`
	Bool  bool     `json:"bool,omitempty"`
	Level float64  `json:"level,omitempty"`
	Count int      `json:"count,omitempty"`
	Text  string   `json:"text,omitempty"`

	// Turn is the sequence number of the turn that last set this slot.
	Turn int `json:"turn"`
}

// BoolValue, LevelValue, CountValue and TextValue build typed slot values.
func BoolValue(v bool) SlotValue { return SlotValue{Kind: KindBool, Bool: v} }

func LevelValue(v float64) SlotValue { return SlotValue{Kind: KindLevel, Level: v} }

func CountValue(v int) SlotValue { return SlotValue{Kind: KindCount, Count: v} }

func TextValue(v string) SlotValue { return SlotValue{Kind: KindText, Text: v} }

// Entity is one extracted entity from the NLU layer, with its own confidence.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Turn records one processed utterance. Immutable once appended to a session.
type Turn struct {
	Seq        int                  `json:"seq"`
	Intent     string               `json:"intent"`
	Confidence float64              `json:"confidence"`
	Entities   []Entity             `json:"entities,omitempty"`
	SlotDeltas map[string]SlotValue `json:"slot_deltas,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Session is the unit of persisted conversation state. The session store is
// the single writer of persisted state; all other components operate on a
// clone handed out by the orchestrator for the duration of one turn.
type Session struct {
	ID         string     `json:"id"`
	CrisisType CrisisType `json:"crisis_type"`

	Turns []Turn               `json:"turns"`
	Slots map[string]SlotValue `json:"slots"`

	RiskScore int           `json:"risk_score"`
	Fallback  FallbackState `json:"fallback_state"`

	// LowConfidenceRun counts consecutive turns below the low-confidence
	// threshold; reset when a turn clears the high threshold.
	LowConfidenceRun int `json:"low_confidence_run"`

	// ShortReplyRun counts consecutive fragmentary replies, one of the
	// stress signals feeding the fallback manager.
	ShortReplyRun int `json:"short_reply_run"`

	// Generation is the escalation generation. It starts at 1 and advances
	// only on an explicit reset; at most one escalation event exists per
	// generation.
	Generation int              `json:"generation"`
	Escalation *EscalationEvent `json:"escalation,omitempty"`

	// Version supports optimistic concurrency in the session store.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a fresh session in its initial state.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		CrisisType: CrisisUnknown,
		Slots:      make(map[string]SlotValue),
		Fallback:   FallbackNormal,
		Generation: 1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy. Turn processing mutates a clone so that an
// abandoned turn never leaks partial state into the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Turns = make([]Turn, len(s.Turns))
	copy(cp.Turns, s.Turns)
	for i, t := range s.Turns {
		if t.Entities != nil {
			ents := make([]Entity, len(t.Entities))
			copy(ents, t.Entities)
			cp.Turns[i].Entities = ents
		}
		if t.SlotDeltas != nil {
			deltas := make(map[string]SlotValue, len(t.SlotDeltas))
			for k, v := range t.SlotDeltas {
				deltas[k] = v
			}
			cp.Turns[i].SlotDeltas = deltas
		}
	}
	cp.Slots = make(map[string]SlotValue, len(s.Slots))
	for k, v := range s.Slots {
		cp.Slots[k] = v
	}
	if s.Escalation != nil {
		ev := *s.Escalation
		cp.Escalation = &ev
	}
	return &cp
}

// TurnInput is the structured per-turn event consumed from the NLU boundary.
type TurnInput struct {
	SessionID      string `json:"session_id"`
	CrisisTypeHint string `json:"crisis_type_hint,omitempty"`

	Intent string `json:"intent"`

	// Confidence is a pointer so a missing or malformed signal is
	// distinguishable from 0. Missing or out-of-range values are treated
	// as a low-confidence turn (fail toward caution).
	Confidence *float64 `json:"confidence"`

	// Utterance is the raw user text, used only for stress signal
	// heuristics. Optional.
	Utterance string `json:"utterance,omitempty"`

	Entities []Entity `json:"entities,omitempty"`

	ExplicitHumanRequest bool `json:"explicit_human_request,omitempty"`

	// StressSignal is the NLU layer's own distress flag, combined with the
	// engine's internal heuristics.
	StressSignal bool `json:"stress_signal,omitempty"`
}

// TurnDirective is the engine's response for one turn. The boundary layer
// executes it (renders prompts, performs the handoff, retries delivery); the
// core never mutates external systems directly.
type TurnDirective struct {
	SessionID  string     `json:"session_id"`
	CrisisType CrisisType `json:"crisis_type"`

	Slots     map[string]SlotValue `json:"slots"`
	RiskScore int                  `json:"risk_score"`
	RiskLevel RiskLevel            `json:"risk_level"`

	Fallback FallbackState     `json:"fallback_state"`
	Recovery RecoveryDirective `json:"recovery"`

	// GuidanceKey selects the safety protocol script for the session's
	// crisis type; Modifiers refine it (stay_put, do_not_move_injured, ...).
	GuidanceKey string   `json:"guidance_key,omitempty"`
	Modifiers   []string `json:"modifiers,omitempty"`

	Escalation *EscalationEvent `json:"escalation,omitempty"`

	// Retry marks a fail-closed turn: the caller should ask the user to
	// try again rather than treat the session as progressed.
	Retry bool `json:"retry,omitempty"`

	// RejectedSlots lists slot deltas dropped for schema violations.
	RejectedSlots []string `json:"rejected_slots,omitempty"`
}

// EscalationEvent is the idempotent record of a handoff decision. At most one
// exists per session generation; its identity is derived from the idempotency
// key so a re-processed turn reproduces the same event.
type EscalationEvent struct {
	EventID    string        `json:"event_id"`
	SessionID  string        `json:"session_id"`
	Generation int           `json:"generation"`
	Score      int           `json:"score"`
	Fallback   FallbackState `json:"fallback_state"`
	Reason     string        `json:"reason"`
	Timestamp  time.Time     `json:"timestamp"`

	// Delivered records whether every configured sink accepted the event.
	// Undelivered events are retried on subsequent evaluations
	// (at-least-once delivery, at-most-once creation).
	Delivered bool `json:"delivered"`
}

// Key returns the idempotency key: session id plus escalation generation.
func (e *EscalationEvent) Key() string {
	return EscalationKey(e.SessionID, e.Generation)
}

// EscalationKey builds the idempotency key for a session generation.
func EscalationKey(sessionID string, generation int) string {
	return sessionID + "#" + strconv.Itoa(generation)
}
