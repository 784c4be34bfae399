package pipeline

import (
	"sync"
	"time"
)

// Throttle enforces a minimum interval between accepted actions, per key.
// A zero interval accepts everything.
type Throttle struct {
	minInterval time.Duration
	last        map[string]time.Time
	mu          sync.Mutex
}

// NewThrottle creates a throttle with the given minimum interval
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{
		minInterval: minInterval,
		last:        make(map[string]time.Time),
	}
}

// Allow reports whether key may act at now and, if so, records it
func (t *Throttle) Allow(key string, now time.Time) bool {
	if t.minInterval <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[key]; ok && now.Sub(last) < t.minInterval {
		return false
	}
	t.last[key] = now
	return true
}

// Reset forgets all recorded actions
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time)
}
