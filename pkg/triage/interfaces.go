package triage

import (
	"context"
	"errors"
)

// ============================================================================
// STORE AND SINK CONTRACTS
// ============================================================================
// Pluggable boundaries of the engine. The session store owns session
// lifetime and persisted state; escalation sinks receive the one-way event
// stream for the external handoff channel.

// Sentinel errors returned by session stores.
var (
	// ErrNotFound is returned when a session does not exist or has
	// expired. Expired sessions are never returned as active.
	ErrNotFound = errors.New("triage: session not found")

	// ErrConflict is returned when a save loses an optimistic-concurrency
	// race. Turns for one session are serialized by the orchestrator, so
	// a conflict indicates a competing writer outside this process.
	ErrConflict = errors.New("triage: session version conflict")
)

// SessionStore persists per-conversation state. Load and Save may suspend on
// I/O and must honor the context; everything else in the engine is computed
// synchronously in-process.
//
// Concurrent writes to the same session must be serialized via the Version
// field; writes to different sessions must not block each other.
type SessionStore interface {
	// Load returns the session, or ErrNotFound if absent or expired.
	Load(ctx context.Context, sessionID string) (*Session, error)

	// Save persists the session if its Version still matches the stored
	// one, then advances the version. Returns ErrConflict on a lost race.
	Save(ctx context.Context, s *Session) error

	// Expire removes the session immediately.
	Expire(ctx context.Context, sessionID string) error
}

// EscalationSink receives escalation events. Implementations must be
// idempotent on EscalationEvent.Key: appending the same key twice must not
// produce a duplicate record.
type EscalationSink interface {
	Append(ctx context.Context, ev EscalationEvent) error
}
