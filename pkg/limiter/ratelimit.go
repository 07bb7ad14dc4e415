// Package limiter provides the flow-control primitives for inbound and
// outbound message handling: a per-key sliding-window rate limiter and a
// bounded non-blocking queue for slow consumers.
package limiter

import (
	"sync"
	"time"
)

// RateLimiter enforces a maximum number of events per key within a sliding
// time window. An event either fits in the window and is recorded, or is
// rejected without being recorded, so a rejected burst does not extend the
// client's penalty.
type RateLimiter struct {
	rate   int
	window time.Duration

	mu      sync.Mutex
	events  map[string][]time.Time
	nowFunc func() time.Time
}

// NewRateLimiter creates a limiter allowing rate events per window for each
// key. rate <= 0 rejects everything; window <= 0 defaults to one second.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		rate:    rate,
		window:  window,
		events:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// WithNowFunc overrides the clock. Test hook.
func (l *RateLimiter) WithNowFunc(now func() time.Time) *RateLimiter {
	l.nowFunc = now
	return l
}

// Allow reports whether an event for key fits in the current window, and
// records it if so.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key)
	if len(recent) >= l.rate {
		l.events[key] = recent
		return false
	}
	l.events[key] = append(recent, l.nowFunc())
	return true
}

// Remaining returns how many events key may still emit in the current window.
func (l *RateLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key)
	if len(recent) == 0 {
		delete(l.events, key)
	} else {
		l.events[key] = recent
	}
	if n := l.rate - len(recent); n > 0 {
		return n
	}
	return 0
}

// Reset forgets all recorded events for key.
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, key)
}

// prune drops events older than the window. Caller holds l.mu.
func (l *RateLimiter) prune(key string) []time.Time {
	cutoff := l.nowFunc().Add(-l.window)
	recent := l.events[key][:0]
	for _, ts := range l.events[key] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	return recent
}
