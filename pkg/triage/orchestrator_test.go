package triage

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func fptr(v float64) *float64 { return &v }

// dedupeSink counts appends per event key, the property real ledgers rely on.
type dedupeSink struct {
	mu   sync.Mutex
	keys map[string]int
}

func newDedupeSink() *dedupeSink {
	return &dedupeSink{keys: make(map[string]int)}
}

func (s *dedupeSink) Append(_ context.Context, ev EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[ev.Key()]++
	return nil
}

func (s *dedupeSink) distinct() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// flakyStore wraps a MemoryStore and fails operations on demand.
type flakyStore struct {
	*MemoryStore
	failLoad bool
	failSave bool
}

func (s *flakyStore) Load(ctx context.Context, id string) (*Session, error) {
	if s.failLoad {
		return nil, errors.New("store unavailable")
	}
	return s.MemoryStore.Load(ctx, id)
}

func (s *flakyStore) Save(ctx context.Context, sess *Session) error {
	if s.failSave {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Save(ctx, sess)
}

func newTestOrchestrator(t *testing.T, store SessionStore, sinks ...EscalationSink) *Orchestrator {
	t.Helper()
	if store == nil {
		ms := NewMemoryStore()
		t.Cleanup(ms.Close)
		store = ms
	}
	opts := make([]DispatcherOption, 0, len(sinks))
	for _, s := range sinks {
		opts = append(opts, WithSink(s))
	}
	return NewOrchestrator(
		store,
		NewFallbackManager(0.40, 0.70, 75),
		NewDispatcher(90, opts...),
	)
}

func TestOrchestrator_FireScenario(t *testing.T) {
	sink := newDedupeSink()
	o := newTestOrchestrator(t, nil, sink)
	ctx := context.Background()

	// Turn 1: the caller reports a fire, nothing measured yet.
	dir, err := o.ProcessTurn(ctx, TurnInput{
		SessionID:  "fire-1",
		Intent:     IntentReportFire,
		Confidence: fptr(0.92),
		Utterance:  "there is a fire in my building",
	})
	if err != nil {
		t.Fatalf("Turn 1 failed: %v", err)
	}
	if dir.CrisisType != CrisisFire || dir.RiskScore != 0 || dir.RiskLevel != RiskLow {
		t.Fatalf("Turn 1: got type=%s score=%d level=%s", dir.CrisisType, dir.RiskScore, dir.RiskLevel)
	}
	if dir.GuidanceKey != GuidanceFire {
		t.Errorf("Turn 1: expected fire guidance, got %s", dir.GuidanceKey)
	}

	// Turn 2: heavy smoke reported. Base 0.60 * 1.0 = 60.
	dir, err = o.ProcessTurn(ctx, TurnInput{
		SessionID:  "fire-1",
		Intent:     IntentProvideInfo,
		Confidence: fptr(0.88),
		Entities: []Entity{
			{Type: SlotSmoke, Value: "extreme", Confidence: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("Turn 2 failed: %v", err)
	}
	if dir.RiskScore != 60 || dir.RiskLevel != RiskHigh {
		t.Fatalf("Turn 2: expected score 60 HIGH, got %d %s", dir.RiskScore, dir.RiskLevel)
	}
	if dir.Escalation != nil {
		t.Fatal("Turn 2: no escalation yet")
	}

	// Turn 3: elderly occupant. 60 + 15 = 75, still below critical.
	dir, err = o.ProcessTurn(ctx, TurnInput{
		SessionID:  "fire-1",
		Intent:     IntentProvideInfo,
		Confidence: fptr(0.9),
		Entities: []Entity{
			{Type: SlotElderlyPresent, Value: "yes", Confidence: 0.95},
		},
	})
	if err != nil {
		t.Fatalf("Turn 3 failed: %v", err)
	}
	if dir.RiskScore != 75 {
		t.Fatalf("Turn 3: expected 75 with elderly uplift, got %d", dir.RiskScore)
	}

	// Turn 4: injury and entrapment max the base score; escalation fires.
	dir, err = o.ProcessTurn(ctx, TurnInput{
		SessionID:  "fire-1",
		Intent:     IntentProvideInfo,
		Confidence: fptr(0.9),
		Entities: []Entity{
			{Type: SlotInjury, Value: "yes", Confidence: 0.9},
			{Type: SlotTrapped, Value: "trapped", Confidence: 0.9},
		},
	})
	if err != nil {
		t.Fatalf("Turn 4 failed: %v", err)
	}
	if dir.RiskScore != 100 || dir.RiskLevel != RiskCritical {
		t.Fatalf("Turn 4: expected 100 CRITICAL, got %d %s", dir.RiskScore, dir.RiskLevel)
	}
	if dir.Escalation == nil || dir.Escalation.Reason != ReasonCriticalScore {
		t.Fatalf("Turn 4: expected critical-score escalation, got %+v", dir.Escalation)
	}
	if dir.Fallback != FallbackHumanHandoff || dir.Recovery != RecoveryHandoff {
		t.Fatalf("Turn 4: escalated session must hand off, got %s / %s", dir.Fallback, dir.Recovery)
	}
	for _, mod := range []string{ModifierStayPut, ModifierDoNotMoveInjured, ModifierAwaitRescue} {
		if !containsString(dir.Modifiers, mod) {
			t.Errorf("Turn 4: missing guidance modifier %s in %v", mod, dir.Modifiers)
		}
	}
	if sink.distinct() != 1 {
		t.Fatalf("Expected one distinct escalation, got %d", sink.distinct())
	}
}

func TestOrchestrator_CrisisTypeSetOnce(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	o.ProcessTurn(ctx, TurnInput{SessionID: "s1", Intent: IntentReportFlood, Confidence: fptr(0.9)})
	dir, err := o.ProcessTurn(ctx, TurnInput{SessionID: "s1", Intent: IntentReportFire, Confidence: fptr(0.9)})
	if err != nil {
		t.Fatalf("Turn 2 failed: %v", err)
	}
	if dir.CrisisType != CrisisFlood {
		t.Fatalf("Crisis type must be immutable, got %s", dir.CrisisType)
	}
}

func TestOrchestrator_UnknownHintDegrades(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID:      "s1",
		CrisisTypeHint: "volcano",
		Intent:         IntentProvideInfo,
		Confidence:     fptr(0.9),
	})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if dir.CrisisType != CrisisUnknown || dir.GuidanceKey != GuidanceGeneral {
		t.Fatalf("Unsupported hint must degrade to unknown, got %s / %s",
			dir.CrisisType, dir.GuidanceKey)
	}
}

func TestOrchestrator_FallbackLadderToHandoff(t *testing.T) {
	sink := newDedupeSink()
	o := newTestOrchestrator(t, nil, sink)
	ctx := context.Background()

	var dir *TurnDirective
	var err error
	for i := 0; i < 4; i++ {
		dir, err = o.ProcessTurn(ctx, TurnInput{
			SessionID:  "s1",
			Intent:     IntentProvideInfo,
			Confidence: fptr(0.2),
			Utterance:  "the thing with the stuff happened",
		})
		if err != nil {
			t.Fatalf("Turn %d failed: %v", i+1, err)
		}
	}

	if dir.Fallback != FallbackHumanHandoff {
		t.Fatalf("Four low-confidence turns should hand off, got %s", dir.Fallback)
	}
	if dir.Escalation == nil || dir.Escalation.Reason != ReasonHumanHandoff {
		t.Fatalf("Handoff must escalate with reason %s, got %+v", ReasonHumanHandoff, dir.Escalation)
	}
	if sink.distinct() != 1 {
		t.Fatalf("Expected one escalation, got %d", sink.distinct())
	}
}

func TestOrchestrator_MissingConfidenceCountsAsLow(t *testing.T) {
	o := newTestOrchestrator(t, nil)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID: "s1",
		Intent:    IntentProvideInfo,
		// Confidence absent entirely.
	})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if dir.Fallback != FallbackClarifying || dir.Recovery != RecoveryClarify {
		t.Fatalf("Missing confidence must count as low, got %s / %s", dir.Fallback, dir.Recovery)
	}
}

func TestOrchestrator_ExplicitHumanRequestFirstTurn(t *testing.T) {
	sink := newDedupeSink()
	o := newTestOrchestrator(t, nil, sink)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID:            "s1",
		Intent:               IntentRequestHuman,
		Confidence:           fptr(0.95),
		ExplicitHumanRequest: true,
	})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if dir.Escalation == nil || dir.Escalation.Reason != ReasonHumanRequested {
		t.Fatalf("First-turn human request must escalate, got %+v", dir.Escalation)
	}
	if dir.Fallback != FallbackHumanHandoff {
		t.Fatalf("Escalated session must be in handoff, got %s", dir.Fallback)
	}
}

func TestOrchestrator_UtteranceHumanRequest(t *testing.T) {
	// The plea arrives buried in a slot answer, not as an intent.
	o := newTestOrchestrator(t, nil)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID:  "s1",
		Intent:     IntentProvideInfo,
		Confidence: fptr(0.9),
		Utterance:  "just let me talk to a real person already",
	})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if dir.Escalation == nil || dir.Escalation.Reason != ReasonHumanRequested {
		t.Fatalf("In-text human request must escalate, got %+v", dir.Escalation)
	}
}

func TestOrchestrator_LoadFailureFailsClosed(t *testing.T) {
	ms := NewMemoryStore()
	t.Cleanup(ms.Close)
	store := &flakyStore{MemoryStore: ms, failLoad: true}
	o := newTestOrchestrator(t, store)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID:  "s1",
		Intent:     IntentProvideInfo,
		Confidence: fptr(0.9),
	})
	if err != nil {
		t.Fatalf("Fail-closed turn should return a directive, got error %v", err)
	}
	if !dir.Retry || dir.Recovery != RecoveryRetry {
		t.Fatalf("Expected retry directive, got %+v", dir)
	}
	if dir.Escalation != nil {
		t.Fatal("No escalation without an explicit request")
	}
}

func TestOrchestrator_LoadFailureStillEscalatesExplicitRequest(t *testing.T) {
	ms := NewMemoryStore()
	t.Cleanup(ms.Close)
	store := &flakyStore{MemoryStore: ms, failLoad: true}
	sink := newDedupeSink()
	o := newTestOrchestrator(t, store, sink)

	dir, err := o.ProcessTurn(context.Background(), TurnInput{
		SessionID:            "s1",
		Intent:               IntentRequestHuman,
		ExplicitHumanRequest: true,
	})
	if err != nil {
		t.Fatalf("ProcessTurn failed: %v", err)
	}
	if dir.Escalation == nil || dir.Escalation.Reason != ReasonHumanRequested {
		t.Fatalf("Explicit request must escalate even fail-closed, got %+v", dir.Escalation)
	}
	if sink.distinct() != 1 {
		t.Fatalf("Expected one escalation, got %d", sink.distinct())
	}
}

func TestOrchestrator_RetriedTurnEscalatesOnce(t *testing.T) {
	ms := NewMemoryStore()
	t.Cleanup(ms.Close)
	store := &flakyStore{MemoryStore: ms}
	sink := newDedupeSink()
	o := newTestOrchestrator(t, store, sink)
	ctx := context.Background()

	input := TurnInput{
		SessionID:  "s1",
		Intent:     IntentReportFire,
		Confidence: fptr(0.9),
		Entities: []Entity{
			{Type: SlotSmoke, Value: "extreme", Confidence: 0.9},
			{Type: SlotInjury, Value: "yes", Confidence: 0.9},
			{Type: SlotTrapped, Value: "trapped", Confidence: 0.9},
		},
	}

	// The save fails after the escalation decision; the caller retries.
	store.failSave = true
	dir, err := o.ProcessTurn(ctx, input)
	if err != nil {
		t.Fatalf("First attempt failed: %v", err)
	}
	if !dir.Retry || dir.Escalation == nil {
		t.Fatalf("Expected retry with recorded escalation, got %+v", dir)
	}

	store.failSave = false
	dir, err = o.ProcessTurn(ctx, input)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if dir.Retry {
		t.Fatal("Retry should have committed")
	}
	if dir.Escalation == nil {
		t.Fatal("Retried turn must carry the escalation")
	}

	// Both attempts produced the same deterministic event key.
	if sink.distinct() != 1 {
		t.Fatalf("Expected one distinct escalation across retries, got %d", sink.distinct())
	}
}

func TestOrchestrator_ResetStartsNewGeneration(t *testing.T) {
	sink := newDedupeSink()
	o := newTestOrchestrator(t, nil, sink)
	ctx := context.Background()

	// Escalate the first assessment.
	_, err := o.ProcessTurn(ctx, TurnInput{
		SessionID:            "s1",
		Intent:               IntentReportFire,
		Confidence:           fptr(0.9),
		ExplicitHumanRequest: true,
	})
	if err != nil {
		t.Fatalf("Turn failed: %v", err)
	}

	sess, err := o.ResetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if sess.Generation != 2 || sess.CrisisType != CrisisUnknown || len(sess.Slots) != 0 {
		t.Fatalf("Reset left stale state: %+v", sess)
	}
	if sess.Fallback != FallbackNormal || sess.RiskScore != 0 {
		t.Fatalf("Reset must return to the initial machine state: %+v", sess)
	}
	if len(sess.Turns) == 0 {
		t.Fatal("Reset must retain the turn transcript for audit")
	}

	// The new generation can escalate once on its own.
	dir, err := o.ProcessTurn(ctx, TurnInput{
		SessionID:            "s1",
		Intent:               IntentRequestHuman,
		Confidence:           fptr(0.9),
		ExplicitHumanRequest: true,
	})
	if err != nil {
		t.Fatalf("Post-reset turn failed: %v", err)
	}
	if dir.Escalation == nil || dir.Escalation.Generation != 2 {
		t.Fatalf("New generation should escalate, got %+v", dir.Escalation)
	}
	if sink.distinct() != 2 {
		t.Fatalf("Expected two distinct escalations across generations, got %d", sink.distinct())
	}
}

func TestOrchestrator_ResetMissingSession(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	if _, err := o.ResetSession(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestOrchestrator_CancelledTurnLeavesNoState(t *testing.T) {
	ms := NewMemoryStore()
	t.Cleanup(ms.Close)
	o := newTestOrchestrator(t, ms)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.ProcessTurn(ctx, TurnInput{
		SessionID:  "s1",
		Intent:     IntentReportFire,
		Confidence: fptr(0.9),
	})
	if err == nil {
		t.Fatal("Cancelled turn must fail")
	}
	if _, err := ms.Load(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Abandoned turn must leave no session behind, got %v", err)
	}
}

func TestOrchestrator_SessionIsolation(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := []string{"alpha", "beta", "gamma", "delta"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := o.ProcessTurn(ctx, TurnInput{
					SessionID:  id,
					Intent:     IntentReportFlood,
					Confidence: fptr(0.9),
					Entities: []Entity{
						{Type: SlotWaterLevel, Value: "severe", Confidence: 0.9},
					},
				})
				if err != nil {
					t.Errorf("%s turn %d: %v", id, i+1, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		sess, err := o.Snapshot(ctx, id)
		if err != nil {
			t.Fatalf("Snapshot %s: %v", id, err)
		}
		if len(sess.Turns) != 5 {
			t.Errorf("%s: expected 5 turns, got %d", id, len(sess.Turns))
		}
		if sess.CrisisType != CrisisFlood {
			t.Errorf("%s: wrong crisis type %s", id, sess.CrisisType)
		}
	}
}

func TestOrchestrator_TurnSequenceImmutable(t *testing.T) {
	o := newTestOrchestrator(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := o.ProcessTurn(ctx, TurnInput{
			SessionID:  "s1",
			Intent:     IntentProvideInfo,
			Confidence: fptr(0.9),
		}); err != nil {
			t.Fatalf("Turn %d failed: %v", i+1, err)
		}
	}

	sess, err := o.Snapshot(ctx, "s1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	for i, turn := range sess.Turns {
		if turn.Seq != i+1 {
			t.Fatalf("Turn %d has sequence %d", i, turn.Seq)
		}
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
