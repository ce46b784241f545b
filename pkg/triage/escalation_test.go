package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures appended events and can be made to fail.
type recordingSink struct {
	mu     sync.Mutex
	events []EscalationEvent
	fail   bool
}

func (s *recordingSink) Append(_ context.Context, ev EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_NoEscalationBelowThreshold(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(90, WithSink(sink))

	sess := NewSession("s1")
	ev := d.Evaluate(context.Background(), sess, 89, FallbackNormal, false)
	if ev != nil {
		t.Fatalf("Score 89 must not escalate, got %+v", ev)
	}
	if sink.count() != 0 {
		t.Fatal("No event should reach the sink")
	}
}

func TestDispatcher_CriticalScoreEscalates(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(90, WithSink(sink))

	sess := NewSession("s1")
	ev := d.Evaluate(context.Background(), sess, 92, FallbackNormal, false)
	if ev == nil {
		t.Fatal("Score 92 must escalate")
	}
	if ev.Reason != ReasonCriticalScore {
		t.Errorf("Expected reason %s, got %s", ReasonCriticalScore, ev.Reason)
	}
	if !ev.Delivered {
		t.Error("Healthy sink should mark the event delivered")
	}
	if sess.Escalation == nil {
		t.Error("Escalation must be recorded on the session")
	}
}

func TestDispatcher_AtMostOncePerGeneration(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(90, WithSink(sink))

	sess := NewSession("s1")
	first := d.Evaluate(context.Background(), sess, 95, FallbackNormal, false)

	// Later turns with ever-higher scores reuse the same event.
	for _, score := range []int{97, 99, 100} {
		again := d.Evaluate(context.Background(), sess, score, FallbackHumanHandoff, true)
		if again == nil || again.EventID != first.EventID {
			t.Fatalf("Expected the original event back, got %+v", again)
		}
	}
	if sink.count() != 1 {
		t.Fatalf("Exactly one event should reach the sink, got %d", sink.count())
	}
}

func TestDispatcher_DeterministicEventIDs(t *testing.T) {
	// Two dispatchers evaluating the same session state (a re-processed
	// turn after a failed save) must produce the identical event ID.
	d1 := NewDispatcher(90)
	d2 := NewDispatcher(90)

	ev1 := d1.Evaluate(context.Background(), NewSession("s1"), 95, FallbackNormal, false)
	ev2 := d2.Evaluate(context.Background(), NewSession("s1"), 95, FallbackNormal, false)
	if ev1.EventID != ev2.EventID {
		t.Fatalf("Event IDs differ for the same session generation: %s vs %s",
			ev1.EventID, ev2.EventID)
	}

	// A different generation yields a different identity.
	reset := NewSession("s1")
	reset.Generation = 2
	ev3 := d1.Evaluate(context.Background(), reset, 95, FallbackNormal, false)
	if ev3.EventID == ev1.EventID {
		t.Fatal("New generation must produce a new event ID")
	}
}

func TestDispatcher_ReasonPrecedence(t *testing.T) {
	d := NewDispatcher(90)

	// Explicit request wins over everything.
	ev := d.Evaluate(context.Background(), NewSession("a"), 95, FallbackHumanHandoff, true)
	if ev.Reason != ReasonHumanRequested {
		t.Errorf("Expected %s, got %s", ReasonHumanRequested, ev.Reason)
	}

	// Handoff state wins over critical score.
	ev = d.Evaluate(context.Background(), NewSession("b"), 95, FallbackHumanHandoff, false)
	if ev.Reason != ReasonHumanHandoff {
		t.Errorf("Expected %s, got %s", ReasonHumanHandoff, ev.Reason)
	}
}

func TestDispatcher_ExplicitRequestOnFirstTurn(t *testing.T) {
	// A caller asking for a human on turn one escalates regardless of the
	// near-zero score.
	d := NewDispatcher(90)
	ev := d.Evaluate(context.Background(), NewSession("s1"), 0, FallbackNormal, true)
	if ev == nil || ev.Reason != ReasonHumanRequested {
		t.Fatalf("Explicit request must escalate immediately, got %+v", ev)
	}
}

func TestDispatcher_RedeliveryAfterSinkFailure(t *testing.T) {
	sink := &recordingSink{fail: true}
	d := NewDispatcher(90, WithSink(sink))

	sess := NewSession("s1")
	ev := d.Evaluate(context.Background(), sess, 95, FallbackNormal, false)
	if ev.Delivered {
		t.Fatal("Failed sink must leave the event undelivered")
	}

	// The sink recovers; the next evaluation retries the same event.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	again := d.Evaluate(context.Background(), sess, 95, FallbackNormal, false)
	if !again.Delivered {
		t.Fatal("Recovered sink should complete delivery")
	}
	if again.EventID != ev.EventID {
		t.Fatal("Redelivery must reuse the original event")
	}
	if sink.count() != 1 {
		t.Fatalf("Sink should hold exactly one event, got %d", sink.count())
	}
}

func TestDispatcher_ClockInjection(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDispatcher(90, WithClock(func() time.Time { return fixed }))

	ev := d.Evaluate(context.Background(), NewSession("s1"), 95, FallbackNormal, false)
	if !ev.Timestamp.Equal(fixed) {
		t.Fatalf("Expected injected timestamp %v, got %v", fixed, ev.Timestamp)
	}
}
