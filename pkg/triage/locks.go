package triage

import (
	"context"
	"sync"
)

// sessionLocks serializes turn processing per session ID. Turns for the
// same session run one at a time; turns for different sessions run
// concurrently. Acquisition honors context cancellation so a caller never
// blocks past its deadline waiting on a stuck session.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{
		locks: make(map[string]*sessionLock),
	}
}

// acquire blocks until the lock for sessionID is held or ctx is done.
// The returned release function must be called exactly once.
func (l *sessionLocks) acquire(ctx context.Context, sessionID string) (release func(), err error) {
	l.mu.Lock()
	lk, ok := l.locks[sessionID]
	if !ok {
		lk = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.put(sessionID, lk)
		}, nil
	case <-ctx.Done():
		l.put(sessionID, lk)
		return nil, ctx.Err()
	}
}

func (l *sessionLocks) put(sessionID string, lk *sessionLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()
}
