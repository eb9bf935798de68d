package session

import (
	"sync"
	"time"
)

// Default rate-limit parameters for client-originated events.
const (
	RateLimitEvents = 10
	RateLimitWindow = 10 * time.Second
)

// RateLimiter enforces a sliding-window cap on events per connection.
// Expired timestamps are pruned on every check, so an idle connection's
// window drains without a background sweeper.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// NewRateLimiter returns a limiter allowing limit events per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow records an attempt at now and reports whether the connection is
// still within its window budget. The attempt counts against future checks
// even when denied.
func (l *RateLimiter) Allow(connID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.events[connID][:0]
	for _, stamp := range l.events[connID] {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	kept = append(kept, now)
	l.events[connID] = kept
	return len(kept) <= l.limit
}

// Forget drops a connection's window, typically on disconnect.
func (l *RateLimiter) Forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, connID)
}
