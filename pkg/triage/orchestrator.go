package triage

import (
	"context"
	"fmt"
	"log"
	"time"
)

// ============================================================================
// DIALOGUE ORCHESTRATOR
// ============================================================================
// The orchestrator owns the per-turn pipeline: load state, fold the turn in,
// score, advance the fallback machine, evaluate escalation, persist, and
// return a directive. Turns for one session are serialized; the store commit
// is all-or-nothing, so an abandoned or failed turn leaves no partial state.

// Intents the engine understands. Anything else is treated as a generic
// informational turn: slots still fold in, the type never changes.
const (
	IntentReportEarthquake  = "report_earthquake"
	IntentReportFlood       = "report_flood"
	IntentReportFire        = "report_fire"
	IntentReportPowerOutage = "report_power_outage"
	IntentProvideInfo       = "provide_info"
	IntentCorrection        = "correction"
	IntentRequestHuman      = "request_human"
)

var intentCrisisTypes = map[string]CrisisType{
	IntentReportEarthquake:  CrisisEarthquake,
	IntentReportFlood:       CrisisFlood,
	IntentReportFire:        CrisisFire,
	IntentReportPowerOutage: CrisisPowerOutage,
}

// Orchestrator coordinates one turn through the engine components.
type Orchestrator struct {
	store      SessionStore
	fallback   *FallbackManager
	dispatcher *Dispatcher

	storeTimeout        time.Duration
	minEntityConfidence float64

	locks *sessionLocks
}

// OrchestratorOption is a functional option for configuring an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithStoreTimeout bounds each store round-trip. On timeout the turn fails
// closed with a retry directive.
func WithStoreTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		o.storeTimeout = d
	}
}

// WithMinEntityConfidence sets the confidence floor below which extracted
// entities are ignored.
func WithMinEntityConfidence(c float64) OrchestratorOption {
	return func(o *Orchestrator) {
		o.minEntityConfidence = c
	}
}

// NewOrchestrator wires the engine together.
func NewOrchestrator(store SessionStore, fallback *FallbackManager, dispatcher *Dispatcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:               store,
		fallback:            fallback,
		dispatcher:          dispatcher,
		storeTimeout:        2 * time.Second,
		minEntityConfidence: 0.5,
		locks:               newSessionLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessTurn runs one structured turn event through the full pipeline and
// returns the directive for the response boundary. A nil error with
// Retry set means the turn could not be committed and should be repeated
// verbatim; re-processing is safe because escalation events are idempotent.
func (o *Orchestrator) ProcessTurn(ctx context.Context, input TurnInput) (*TurnDirective, error) {
	if input.SessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn abandoned: %w", err)
	}

	release, err := o.locks.acquire(ctx, input.SessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer release()

	sess, err := o.loadOrCreate(ctx, input.SessionID)
	if err != nil {
		// Fail closed: never guess at state. An explicit plea for a human
		// still escalates, on a detached event the sinks deduplicate.
		log.Printf("[WARN] session load failed for %s, failing closed: %v", input.SessionID, err)
		return o.failClosed(ctx, input), nil
	}

	// All mutations happen on a clone; the commit below is all-or-nothing.
	work := sess.Clone()

	o.applyCrisisType(work, input)

	deltas := DeltasFromEntities(input.Entities, o.minEntityConfidence)
	turnSeq := len(work.Turns) + 1
	rejected := ApplyDeltas(work.Slots, deltas, turnSeq, input.Intent == IntentCorrection)

	conf := 0.0
	confValid := false
	if input.Confidence != nil {
		conf = *input.Confidence
		confValid = true
	}
	work.Turns = append(work.Turns, Turn{
		Seq:        turnSeq,
		Intent:     input.Intent,
		Confidence: conf,
		Entities:   input.Entities,
		SlotDeltas: deltas,
		Timestamp:  time.Now().UTC(),
	})

	profile := ResolveProfile(work.Slots)
	score := ScoreSession(work.CrisisType, work.Slots, profile)
	work.RiskScore = score

	stress := AnalyzeStress(input.Utterance)
	if stress.Fragmentary {
		work.ShortReplyRun++
	} else {
		work.ShortReplyRun = 0
	}
	stressed := input.StressSignal || stress.Detected ||
		work.ShortReplyRun >= shortReplyRunThreshold
	humanRequested := input.ExplicitHumanRequest ||
		input.Intent == IntentRequestHuman || stress.HumanRequest

	state, lowRun, recovery := o.fallback.Advance(work.Fallback, work.LowConfidenceRun, TurnSignal{
		Confidence:      conf,
		ConfidenceValid: confValid,
		Stress:          stressed,
		RiskScore:       score,
	})
	work.Fallback = state
	work.LowConfidenceRun = lowRun

	escalation := o.dispatcher.Evaluate(ctx, work, score, state, humanRequested)
	if escalation != nil && state != FallbackHumanHandoff {
		work.Fallback, recovery = o.fallback.Escalate()
	}

	// The caller may already be gone; abandon before committing so the
	// session reflects only fully processed turns.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn abandoned: %w", err)
	}

	if err := o.save(ctx, work); err != nil {
		log.Printf("[WARN] session save failed for %s, failing closed: %v", input.SessionID, err)
		dir := o.directiveFor(work)
		dir.Retry = true
		dir.Recovery = RecoveryRetry
		return dir, nil
	}

	dir := o.directiveFor(work)
	dir.Recovery = recovery
	if work.Fallback == FallbackHumanHandoff {
		dir.Recovery = RecoveryHandoff
	}
	dir.RejectedSlots = rejected
	return dir, nil
}

// ResetSession starts a fresh assessment. Slots, score and fallback state
// clear, the crisis type reopens and the escalation generation advances so
// the new assessment can escalate once on its own merits. The turn
// transcript is retained for audit.
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string) (*Session, error) {
	release, err := o.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire session lock: %w", err)
	}
	defer release()

	sess, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	work := sess.Clone()
	work.CrisisType = CrisisUnknown
	work.Slots = make(map[string]SlotValue)
	work.RiskScore = 0
	work.Fallback = FallbackNormal
	work.LowConfidenceRun = 0
	work.ShortReplyRun = 0
	work.Generation++

	if err := o.save(ctx, work); err != nil {
		return nil, fmt.Errorf("reset session %s: %w", sessionID, err)
	}
	log.Printf("[SESSION] reset %s, generation=%d", sessionID, work.Generation)
	return work, nil
}

// Snapshot returns the current persisted state of a session.
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (*Session, error) {
	return o.load(ctx, sessionID)
}

// Expire removes a session from the store.
func (o *Orchestrator) Expire(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.store.Expire(ctx, sessionID)
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.store.Load(ctx, sessionID)
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := o.load(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if err == ErrNotFound {
		return NewSession(sessionID), nil
	}
	return nil, err
}

func (o *Orchestrator) save(ctx context.Context, sess *Session) error {
	ctx, cancel := context.WithTimeout(ctx, o.storeTimeout)
	defer cancel()
	return o.store.Save(ctx, sess)
}

// applyCrisisType establishes the crisis type at most once, from the intent
// or, failing that, the upstream hint. Later conflicting reports never
// change it; a correction requires an explicit reset.
func (o *Orchestrator) applyCrisisType(sess *Session, input TurnInput) {
	if sess.CrisisType != CrisisUnknown {
		return
	}
	if t, ok := intentCrisisTypes[input.Intent]; ok {
		sess.CrisisType = t
		return
	}
	if input.CrisisTypeHint != "" {
		sess.CrisisType = ParseCrisisType(input.CrisisTypeHint)
	}
}

// failClosed produces the degraded directive for a turn whose state could
// not be loaded. An explicit human request still escalates, through a
// detached event whose deterministic key deduplicates against any event the
// session state may already hold.
func (o *Orchestrator) failClosed(ctx context.Context, input TurnInput) *TurnDirective {
	dir := &TurnDirective{
		SessionID:  input.SessionID,
		CrisisType: CrisisUnknown,
		RiskLevel:  RiskLow,
		Fallback:   FallbackNormal,
		Recovery:   RecoveryRetry,
		Retry:      true,
	}
	if input.ExplicitHumanRequest || input.Intent == IntentRequestHuman {
		detached := NewSession(input.SessionID)
		dir.Escalation = o.dispatcher.Evaluate(ctx, detached, 0, FallbackNormal, true)
		if dir.Escalation != nil {
			dir.Fallback = FallbackHumanHandoff
			dir.Recovery = RecoveryHandoff
		}
	}
	return dir
}

func (o *Orchestrator) directiveFor(sess *Session) *TurnDirective {
	return &TurnDirective{
		SessionID:   sess.ID,
		CrisisType:  sess.CrisisType,
		Slots:       sess.Slots,
		RiskScore:   sess.RiskScore,
		RiskLevel:   LevelForScore(sess.RiskScore),
		Fallback:    sess.Fallback,
		GuidanceKey: GuidanceFor(sess.CrisisType),
		Modifiers:   GuidanceModifiers(sess.Slots),
		Escalation:  sess.Escalation,
	}
}
