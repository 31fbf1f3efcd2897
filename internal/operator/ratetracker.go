package operator

import (
	"sync"
	"time"
)

// ErrorSample is a cumulative error-line count observed for a resource
// at a point in time.
type ErrorSample struct {
	ErrorLines int64
	Restarts   int32
	Timestamp  time.Time
}

// RateTracker turns cumulative error counts into errors-per-second
// rates for the rollback watcher.
type RateTracker struct {
	mu        sync.RWMutex
	previous  map[string]ErrorSample
	lastRates map[string]float64
}

// NewRateTracker creates a new rate tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{
		previous:  make(map[string]ErrorSample),
		lastRates: make(map[string]float64),
	}
}

// CalculateRate returns the error rate (lines/sec) for a resource.
// Returns -1 until two samples exist. Stale samples (no count movement)
// return the last known rate rather than a misleading zero-over-zero.
func (rt *RateTracker) CalculateRate(resourceID string, current ErrorSample) float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	prev, exists := rt.previous[resourceID]
	if !exists {
		rt.previous[resourceID] = current
		return -1
	}

	if current.ErrorLines == prev.ErrorLines {
		rt.previous[resourceID] = current
		if lastRate, hasRate := rt.lastRates[resourceID]; hasRate {
			return lastRate
		}
		return 0
	}

	rt.previous[resourceID] = current

	timeDiff := current.Timestamp.Sub(prev.Timestamp).Seconds()
	if timeDiff <= 0 {
		if lastRate, hasRate := rt.lastRates[resourceID]; hasRate {
			return lastRate
		}
		return 0
	}

	var rate float64
	if current.ErrorLines >= prev.ErrorLines {
		rate = float64(current.ErrorLines-prev.ErrorLines) / timeDiff
	}
	rt.lastRates[resourceID] = rate
	return rate
}

// Clear removes all tracked data.
func (rt *RateTracker) Clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.previous = make(map[string]ErrorSample)
	rt.lastRates = make(map[string]float64)
}

// Cleanup removes entries that have not reported since the cutoff so
// resolved incidents do not accumulate forever.
func (rt *RateTracker) Cleanup(cutoff time.Time) (removed int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for resourceID, sample := range rt.previous {
		if sample.Timestamp.Before(cutoff) {
			delete(rt.previous, resourceID)
			delete(rt.lastRates, resourceID)
			removed++
		}
	}
	return removed
}
