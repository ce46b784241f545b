package triage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// IN-MEMORY SESSION STORE
// ============================================================================
// Thread-safe in-memory session storage with inactivity-based expiry.
// Suitable for single-node deployments; RedisStore covers distributed ones.
//
// Expiry is both lazy (checked on Load, so an expired session is never
// returned as active) and proactive (background sweep).

// MemoryStore implements SessionStore with in-memory storage.
type MemoryStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// Configuration
	maxIdle  time.Duration // inactivity window before a session expires
	sweepTTL time.Duration // sweep interval

	// Sweep goroutine control
	stopSweep chan struct{}
	sweepOnce sync.Once
}

// MemoryStoreOption is a functional option for configuring MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxIdle sets the inactivity window before sessions expire.
func WithMaxIdle(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.maxIdle = d
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.sweepTTL = d
	}
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[string]*Session),
		maxIdle:   30 * time.Minute,
		sweepTTL:  5 * time.Minute,
		stopSweep: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Start background sweep
	go s.sweepLoop()

	return s
}

// Load retrieves a session by ID. Expired sessions return ErrNotFound; the
// sweep loop reclaims the memory.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Since(sess.UpdatedAt) > s.maxIdle {
		return nil, ErrNotFound
	}

	return sess.Clone(), nil
}

// Save persists a session under optimistic concurrency: the incoming Version
// must match the stored one. On success both the stored copy and the caller's
// session advance one version.
func (s *MemoryStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	if sess.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.sessions[sess.ID]
	if exists && time.Since(current.UpdatedAt) > s.maxIdle {
		// Stale entry; a save against Version 0 recreates the session.
		exists = false
	}
	if exists {
		if current.Version != sess.Version {
			return ErrConflict
		}
	} else if sess.Version != 0 {
		return ErrConflict
	}

	sess.Version++
	sess.UpdatedAt = time.Now()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Expire removes a session immediately.
func (s *MemoryStore) Expire(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() {
	s.sweepOnce.Do(func() {
		close(s.stopSweep)
	})
}

// sweepLoop periodically removes expired sessions.
func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopSweep:
			return
		}
	}
}

// sweep removes expired sessions.
func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, sess := range s.sessions {
		if now.Sub(sess.UpdatedAt) > s.maxIdle {
			delete(s.sessions, id)
		}
	}
}

// Stats returns current session store statistics.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := StoreStats{
		SessionCount: len(s.sessions),
	}
	for _, sess := range s.sessions {
		stats.TotalTurns += len(sess.Turns)
		if sess.Escalation != nil {
			stats.EscalatedSessions++
		}
	}
	return stats
}

// StoreStats contains session store statistics.
type StoreStats struct {
	SessionCount      int `json:"session_count"`
	TotalTurns        int `json:"total_turns"`
	EscalatedSessions int `json:"escalated_sessions"`
}

// Ensure MemoryStore implements SessionStore
var _ SessionStore = (*MemoryStore)(nil)
