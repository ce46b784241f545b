package triage

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ESCALATION DISPATCHER
// ============================================================================
// Decides when a session leaves automated handling. Escalation fires when the
// score reaches the critical threshold, when the fallback machine lands in
// HumanHandoff, or when the caller explicitly asks for a human. Event
// creation is at-most-once per session generation; delivery to the sinks is
// at-least-once and retried on later turns until every sink accepts it.

// Escalation reasons recorded on the event.
const (
	ReasonCriticalScore  = "critical_score"
	ReasonHumanHandoff   = "human_handoff"
	ReasonHumanRequested = "human_requested"
)

// escalationNamespace seeds deterministic event IDs. Re-processing the same
// turn after a retried save reproduces the identical event, so idempotent
// sinks collapse duplicates on the event key.
var escalationNamespace = uuid.MustParse("5e3a1f0c-42d7-4bd1-9a86-7c2f90de6c11")

// Dispatcher evaluates escalation conditions and emits events to its sinks.
type Dispatcher struct {
	criticalScore int
	sinks         []EscalationSink

	// now is swappable for tests.
	now func() time.Time
}

// DispatcherOption is a functional option for configuring a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSink adds an escalation sink.
func WithSink(s EscalationSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.sinks = append(d.sinks, s)
	}
}

// WithClock overrides the dispatcher's time source.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// NewDispatcher creates a dispatcher with the given critical score threshold.
func NewDispatcher(criticalScore int, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		criticalScore: criticalScore,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs the escalation decision for the session's current state.
// It mutates the session (setting Escalation) and returns the event when the
// session is escalated, or nil. Re-evaluating an already-escalated session
// never creates a second event for the same generation; it returns the
// existing event so the caller can repeat the handoff directive.
func (d *Dispatcher) Evaluate(ctx context.Context, s *Session, score int, state FallbackState, explicitRequest bool) *EscalationEvent {
	if s.Escalation != nil && s.Escalation.Generation == s.Generation {
		if !s.Escalation.Delivered {
			s.Escalation.Delivered = d.emit(ctx, *s.Escalation)
		}
		return s.Escalation
	}

	reason := ""
	switch {
	case explicitRequest:
		reason = ReasonHumanRequested
	case state == FallbackHumanHandoff:
		reason = ReasonHumanHandoff
	case score >= d.criticalScore:
		reason = ReasonCriticalScore
	default:
		return nil
	}

	key := EscalationKey(s.ID, s.Generation)
	ev := EscalationEvent{
		EventID:    uuid.NewSHA1(escalationNamespace, []byte(key)).String(),
		SessionID:  s.ID,
		Generation: s.Generation,
		Score:      score,
		Fallback:   state,
		Reason:     reason,
		Timestamp:  d.now().UTC(),
	}
	ev.Delivered = d.emit(ctx, ev)

	s.Escalation = &ev
	log.Printf("[ESCALATION] session=%s generation=%d score=%d reason=%s delivered=%t",
		s.ID, s.Generation, score, reason, ev.Delivered)
	return s.Escalation
}

// emit pushes the event to every sink. Sink failures are logged and retried
// on the next evaluation; they never fail the turn.
func (d *Dispatcher) emit(ctx context.Context, ev EscalationEvent) bool {
	delivered := true
	for _, sink := range d.sinks {
		if err := sink.Append(ctx, ev); err != nil {
			log.Printf("[WARN] escalation sink failed for %s: %v", ev.Key(), err)
			delivered = false
		}
	}
	return delivered
}
