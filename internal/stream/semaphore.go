package stream

import "context"

// Semaphore is a counting semaphore used for subscriber notification. Posts
// never block the writer; a post against a full semaphore is coalesced,
// which is acceptable because consumers drain the backlog on wake anyway.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given backlog capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Post increments the semaphore without blocking.
func (s *Semaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the semaphore is posted or the context is cancelled.
func (s *Semaphore) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ch:
		return nil
	}
}

// TryWait consumes one post if available.
func (s *Semaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Drain consumes every pending post and returns how many were consumed.
// Called after a successful Wait so the next wait corresponds to the next
// fresh publication rather than a coalesced stale one.
func (s *Semaphore) Drain() int {
	n := 0
	for s.TryWait() {
		n++
	}
	return n
}
