package provenance

import (
	"context"
	"slices"
	"sync"
	"time"
)

// WindowCounter counts events per key over a rolling window.
type WindowCounter interface {
	// Add records an event for key at the given time and returns how many
	// events key has in (at-window, at].
	Add(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error)
}

// MemoryCounter implements WindowCounter in process memory.
// Thread-safe for concurrent access. Keys whose events have all left the
// window are dropped at most once per window.
type MemoryCounter struct {
	mu        sync.Mutex
	events    map[string][]time.Time
	nextSweep time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{events: make(map[string][]time.Time)}
}

// Add implements WindowCounter.
func (c *MemoryCounter) Add(ctx context.Context, key string, at time.Time, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := at.Add(-window)
	if !at.Before(c.nextSweep) {
		c.sweep(cutoff)
		c.nextSweep = at.Add(window)
	}

	kept := c.events[key][:0]
	for _, t := range c.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	c.events[key] = kept
	return int64(len(kept)), nil
}

// sweep must be called with mu held.
func (c *MemoryCounter) sweep(cutoff time.Time) {
	for key, ts := range c.events {
		if !slices.ContainsFunc(ts, func(t time.Time) bool { return t.After(cutoff) }) {
			delete(c.events, key)
		}
	}
}

// Keys returns how many keys are tracked.
func (c *MemoryCounter) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}
