package httputil

import "sync/atomic"

// Semaphore caps the number of turns the gateway processes at once.
// Requests over capacity are rejected immediately so callers get a fast
// retry signal instead of queueing behind a stalled store.
type Semaphore struct {
	sem      chan struct{}
	rejected atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity. Non-positive
// capacities fall back to 100.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// TryAcquire claims a turn slot without blocking. A false return means the
// gateway is at capacity; the rejection is counted for the health endpoint.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.rejected.Add(1)
		return false
	}
}

// Release returns a slot. Only call after a successful TryAcquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
		// Release without a matching acquire; ignore.
	}
}

// Stats reports slot usage for the health endpoint.
func (s *Semaphore) Stats() SemaphoreStats {
	return SemaphoreStats{
		Capacity: cap(s.sem),
		InUse:    len(s.sem),
		Rejected: s.rejected.Load(),
	}
}

// SemaphoreStats is the wire shape of Stats.
type SemaphoreStats struct {
	Capacity int   `json:"capacity"`
	InUse    int   `json:"in_use"`
	Rejected int64 `json:"rejected"`
}
