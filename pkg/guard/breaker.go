package guard

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is a rolling-window circuit breaker: after limit failures within
// window, Allow reports false until enough failures age out or Reset is
// called. Safe for concurrent use.
type Breaker struct {
	limit  int
	window time.Duration
	clock  Clock

	mu       sync.Mutex
	failures []time.Time
}

// NewBreaker creates a breaker tripping at limit failures per window.
// A nil clock means the system clock.
func NewBreaker(limit int, window time.Duration, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Breaker{limit: limit, window: window, clock: clock}
}

// RecordFailure notes one failure at the current time.
func (b *Breaker) RecordFailure() {
	b.RecordFailureAt(b.clock.Now())
}

// RecordFailureAt notes one failure at a specific time; used when
// restoring breaker state from the persisted crash log.
func (b *Breaker) RecordFailureAt(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, t)
	b.pruneLocked()
	if len(b.failures) >= b.limit {
		slog.Warn("Circuit breaker tripped",
			"failures", len(b.failures),
			"window", b.window)
	}
}

// Allow reports whether the protected operation may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.failures) < b.limit
}

// Failures returns the number of failures inside the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return len(b.failures)
}

// RetryAfter returns how long until the oldest in-window failure expires
// and Allow turns true again. Zero when not tripped.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	if len(b.failures) < b.limit {
		return 0
	}
	oldest := b.failures[len(b.failures)-b.limit]
	return b.window - b.clock.Now().Sub(oldest)
}

// Reset clears all recorded failures (operator override).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
}

func (b *Breaker) pruneLocked() {
	cutoff := b.clock.Now().Add(-b.window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}
