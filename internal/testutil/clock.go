package testutil

import (
	"sync"
	"time"
)

// FixedClock provides a thread-safe manually advanced wall clock for
// tests. Components taking a now func accept clock.Now, so timestamps
// in persisted state and run summaries become deterministic.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock creates a clock frozen at t.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the current fixed time.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set jumps the clock to t.
func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// FixedIDGenerator returns the same identifier every time, so run IDs
// in summaries and history rows are stable across test runs.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator returning id. An empty id
// defaults to "test-run-default".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-run-default"
	}
	return &FixedIDGenerator{id: id}
}

// Generate returns the fixed identifier.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
