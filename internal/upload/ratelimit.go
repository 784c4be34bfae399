package upload

import (
	"sync"
	"time"
)

// RateLimiter admits at most max events inside a rolling window.
// A non-positive max disables limiting.
type RateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time // Accepted timestamps, oldest first
}

// NewRateLimiter creates a limiter allowing max events per window
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{max: max, window: window}
}

// Allow records now and returns true if the window still has room
func (r *RateLimiter) Allow(now time.Time) bool {
	if r.max <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	if len(r.stamps) >= r.max {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Count returns the number of accepted events still inside the window
func (r *RateLimiter) Count(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(now)
	return len(r.stamps)
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.stamps) && !r.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}
