package gateway

import (
	"sync"
	"time"
)

// clock abstracts time for deterministic tests, mirroring
// internal/vlmproc's own injectable clock.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker trips after `limit` failures land inside a rolling
// `window`, and guards /agent/start against crash loops.
type CircuitBreaker struct {
	limit  int
	window time.Duration
	clk    clock

	mu      sync.Mutex
	history []time.Time
}

// NewCircuitBreaker returns a breaker that trips after limit failures
// within window.
func NewCircuitBreaker(limit int, window time.Duration) *CircuitBreaker {
	return &CircuitBreaker{limit: limit, window: window, clk: realClock{}}
}

// RecordFailure records one agent-worker crash.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, b.clk.Now())
	b.pruneLocked()
}

// Tripped reports whether failures within the rolling window meet or
// exceed the limit.
func (b *CircuitBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.history) >= b.limit
}

// FailureCount reports the number of failures currently inside the window.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.history)
}

// Reset clears all recorded failures (operator reset).
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

func (b *CircuitBreaker) pruneLocked() {
	cutoff := b.clk.Now().Add(-b.window)
	kept := b.history[:0]
	for _, t := range b.history {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.history = kept
}
