package triage

import "math"

// ============================================================================
// FALLBACK MANAGER
// ============================================================================
// Recovery state machine for repeated understanding failures. Transitions are
// expressed as an ordered table of (state, condition) -> (next state,
// directive) rows, evaluated once per turn after intent recognition. The
// machine is independent of any NLU implementation: it consumes only the
// confidence signal, the combined stress flag and the current risk score.

// RecoveryDirective tells the response-generation boundary which prompt style
// to use for the next system turn.
type RecoveryDirective string

const (
	RecoveryNone     RecoveryDirective = "none"      // proceed normally
	RecoveryClarify  RecoveryDirective = "clarify"   // ask a clarifying question
	RecoveryRephrase RecoveryDirective = "rephrase"  // restate the question differently
	RecoveryCalm     RecoveryDirective = "calm"      // de-escalating, reassuring prompt
	RecoveryHandoff  RecoveryDirective = "handoff"   // hand the conversation to a human
	RecoveryRetry    RecoveryDirective = "try_again" // transient failure, ask to repeat
)

// TurnSignal is the per-turn input to the fallback machine.
type TurnSignal struct {
	// Confidence is the NLU intent confidence; only meaningful when
	// ConfidenceValid is set. An invalid signal is treated as a
	// low-confidence turn: fail toward caution, not silent progress.
	Confidence      float64
	ConfidenceValid bool

	// Stress is the combined stress signal (NLU flag, distress keywords,
	// repeated negations, fragmentary replies).
	Stress bool

	// RiskScore is the score computed for this turn.
	RiskScore int
}

// FallbackManager drives the recovery state machine.
type FallbackManager struct {
	lowThreshold   float64 // T1: below this a turn counts as low-confidence
	resetThreshold float64 // T2: at or above this the machine returns to Normal
	handoffScore   int     // score that forces handoff while stress-detected

	table []fallbackTransition
}

type fallbackTransition struct {
	from      FallbackState
	when      func(sig TurnSignal, low bool) bool
	to        FallbackState
	directive RecoveryDirective
}

// NewFallbackManager builds the machine for the given thresholds.
// resetThreshold must be greater than lowThreshold.
func NewFallbackManager(lowThreshold, resetThreshold float64, handoffScore int) *FallbackManager {
	m := &FallbackManager{
		lowThreshold:   lowThreshold,
		resetThreshold: resetThreshold,
		handoffScore:   handoffScore,
	}

	isLow := func(_ TurnSignal, low bool) bool { return low }

	m.table = []fallbackTransition{
		{FallbackNormal, isLow, FallbackClarifying, RecoveryClarify},
		{FallbackClarifying, isLow, FallbackRephrasing, RecoveryRephrase},
		// Third consecutive low-confidence turn, or any stress signal
		// while already rephrasing.
		{FallbackRephrasing, func(sig TurnSignal, low bool) bool {
			return low || sig.Stress
		}, FallbackStressDetected, RecoveryCalm},
		{FallbackStressDetected, func(sig TurnSignal, low bool) bool {
			return low || sig.RiskScore >= m.handoffScore
		}, FallbackHumanHandoff, RecoveryHandoff},
	}
	return m
}

// Advance evaluates one turn. It returns the next state, the updated
// consecutive-low-confidence counter and the recovery directive for the
// response boundary. HumanHandoff is terminal: further turns never leave it.
func (m *FallbackManager) Advance(state FallbackState, lowRun int, sig TurnSignal) (FallbackState, int, RecoveryDirective) {
	if state == FallbackHumanHandoff {
		return FallbackHumanHandoff, lowRun, RecoveryHandoff
	}

	valid := sig.ConfidenceValid &&
		!math.IsNaN(sig.Confidence) &&
		sig.Confidence >= 0 && sig.Confidence <= 1

	// High-confidence turns reset the machine entirely.
	if valid && sig.Confidence >= m.resetThreshold {
		return FallbackNormal, 0, RecoveryNone
	}

	low := !valid || sig.Confidence < m.lowThreshold
	if low {
		lowRun++
	}

	for _, tr := range m.table {
		if tr.from != state {
			continue
		}
		if tr.when(sig, low) {
			return tr.to, lowRun, tr.directive
		}
	}

	// Mid-band confidence: hold the current state and keep whatever
	// clarification style it implies.
	return state, lowRun, holdDirective(state)
}

// Escalate is the dispatch transition: a dispatched escalation ends
// automated handling from any state. HumanHandoff stays terminal, so the
// machine never leaves it afterwards.
func (m *FallbackManager) Escalate() (FallbackState, RecoveryDirective) {
	return FallbackHumanHandoff, RecoveryHandoff
}

func holdDirective(state FallbackState) RecoveryDirective {
	switch state {
	case FallbackClarifying:
		return RecoveryClarify
	case FallbackRephrasing:
		return RecoveryRephrase
	case FallbackStressDetected:
		return RecoveryCalm
	default:
		return RecoveryNone
	}
}
