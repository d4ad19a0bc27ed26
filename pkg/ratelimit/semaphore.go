// Package ratelimit implements the intake backpressure controls: a
// bounded concurrent-envelope semaphore (503 on exhaustion)
// and a per-source-address sliding window (429 on exhaustion, 1000/hour
// default).
package ratelimit

import (
	"context"
	"errors"
)

// ErrSemaphoreFull is returned by Semaphore.Acquire when the bound is
// already saturated; the caller should respond 503.
var ErrSemaphoreFull = errors.New("intake semaphore exhausted")

// Semaphore bounds the number of concurrently in-flight envelopes.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a Semaphore admitting at most capacity concurrent
// holders.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// Acquire attempts to take a slot without blocking. It returns
// ErrSemaphoreFull immediately if none are free, never queueing — the
// pipeline's contract is "reject fast with 503", not "wait".
func (s *Semaphore) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case s.slots <- struct{}{}:
		return func() { <-s.slots }, nil
	default:
		return nil, ErrSemaphoreFull
	}
}

// InUse reports the current number of held slots, for readiness reporting.
func (s *Semaphore) InUse() int { return len(s.slots) }
