package relay

import (
	"sync"
	"time"
)

// RateLimiter caps how many envelopes one terminal may send per window.
// It remembers the accepted timestamps in a ring; refused events are not recorded.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	ring   []time.Time
	next   int
	filled bool
}

// NewRateLimiter allows limit events per window. Non-positive values use the relay defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{window: window, ring: make([]time.Time, limit)}
}

// Allow records an event at now unless limit events already fall inside the window ending at now.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// ring[next] is the oldest accepted event once the ring is full.
	if r.filled && r.ring[r.next].After(now.Add(-r.window)) {
		return false
	}

	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	if r.next == 0 {
		r.filled = true
	}
	return true
}
