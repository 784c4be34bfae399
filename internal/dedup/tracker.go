// Package dedup suppresses repeated reports of the same physical defect.
//
// A Tracker is not safe for concurrent use. The main loop owns it and is the
// only caller; any other caller must add its own locking around
// IsDuplicate+Record.
package dedup

import (
	"fmt"
	"time"

	"defectcam/internal/pipeline"
)

// Policy selects how remembered locations are evicted
type Policy string

const (
	// PolicySliding keeps the most recent N locations across all labels
	PolicySliding Policy = "sliding"
	// PolicySession never evicts; every physical defect is reported once per run
	PolicySession Policy = "session"
)

// Location is a remembered claim that a defect of Label was reported near Center
type Location struct {
	Label      string
	Center     pipeline.Point
	RecordedAt time.Time
}

// Tracker decides whether a detection is spatially novel
type Tracker struct {
	policy        Policy
	spatialDistSq float64
	maxEntries    int           // sliding only
	ttl           time.Duration // sliding only, 0 disables
	locations     []Location
	now           func() time.Time
}

// NewSlidingWindow keeps the last size locations, oldest evicted first.
// ttl > 0 additionally ignores and drops locations older than ttl.
func NewSlidingWindow(spatialDist float64, size int, ttl time.Duration) *Tracker {
	if size < 1 {
		size = 1
	}
	return &Tracker{
		policy:        PolicySliding,
		spatialDistSq: spatialDist * spatialDist,
		maxEntries:    size,
		ttl:           ttl,
		locations:     make([]Location, 0, size),
		now:           time.Now,
	}
}

// NewSessionRegistry remembers every recorded location until Reset
func NewSessionRegistry(spatialDist float64) *Tracker {
	return &Tracker{
		policy:        PolicySession,
		spatialDistSq: spatialDist * spatialDist,
		now:           time.Now,
	}
}

// New builds a tracker from configuration values
func New(policy string, spatialDist float64, size int, ttl time.Duration) (*Tracker, error) {
	switch Policy(policy) {
	case PolicySliding:
		return NewSlidingWindow(spatialDist, size, ttl), nil
	case PolicySession:
		return NewSessionRegistry(spatialDist), nil
	default:
		return nil, fmt.Errorf("unknown dedup policy %q", policy)
	}
}

// IsDuplicate reports whether a location with the same label lies strictly
// closer than the spatial distance to center. Labels never match each other.
func (t *Tracker) IsDuplicate(label string, center pipeline.Point) bool {
	cutoff := t.cutoff()
	for _, loc := range t.locations {
		if loc.Label != label {
			continue
		}
		if !cutoff.IsZero() && loc.RecordedAt.Before(cutoff) {
			continue
		}
		if loc.Center.DistSq(center) < t.spatialDistSq {
			return true
		}
	}
	return false
}

// Record stores a location unconditionally. Callers check IsDuplicate first.
func (t *Tracker) Record(label string, center pipeline.Point, ts time.Time) {
	t.locations = append(t.locations, Location{Label: label, Center: center, RecordedAt: ts})

	if t.policy != PolicySliding {
		return
	}

	if cutoff := t.cutoff(); !cutoff.IsZero() {
		kept := t.locations[:0]
		for _, loc := range t.locations {
			if !loc.RecordedAt.Before(cutoff) {
				kept = append(kept, loc)
			}
		}
		t.locations = kept
	}

	if over := len(t.locations) - t.maxEntries; over > 0 {
		t.locations = append(t.locations[:0], t.locations[over:]...)
	}
}

// Len returns the number of remembered locations
func (t *Tracker) Len() int {
	return len(t.locations)
}

// Policy returns the eviction policy
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Reset forgets everything
func (t *Tracker) Reset() {
	t.locations = t.locations[:0]
}

func (t *Tracker) cutoff() time.Time {
	if t.policy != PolicySliding || t.ttl <= 0 {
		return time.Time{}
	}
	return t.now().Add(-t.ttl)
}
