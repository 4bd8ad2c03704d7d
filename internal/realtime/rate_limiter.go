package realtime

import "time"

// RateLimiter enforces the per-connection event budget over a sliding window.
//
// It keeps the timestamps of the last `limit` permitted events in a fixed
// ring: an event is allowed when the ring has a free slot or its oldest entry
// has aged out of the window, so Allow is O(1) and allocation-free after
// construction. The gateway read loop is the sole caller for a given
// connection, so no locking.
type RateLimiter struct {
	window time.Duration
	ring   []time.Time
	head   int // oldest filled slot
	used   int
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		window: window,
		ring:   make([]time.Time, limit),
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.used < len(r.ring) {
		r.ring[(r.head+r.used)%len(r.ring)] = now
		r.used++
		return true
	}

	if r.ring[r.head].After(now.Add(-r.window)) {
		// The oldest of the last `limit` events is still inside the window.
		return false
	}

	r.ring[r.head] = now
	r.head = (r.head + 1) % len(r.ring)
	return true
}
