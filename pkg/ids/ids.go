// Package ids provides opaque 128-bit identifiers and the monotonic wall
// clock used to timestamp committed events.
package ids

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// New returns a fresh opaque identifier: 32 lowercase hex characters.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Clock supplies timestamps. The production implementation never moves
// backwards; tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// MonotonicClock is a wall clock that never regresses within the process.
// Committed event timestamps must be nondecreasing in seq order, and the OS
// clock alone does not guarantee that across NTP adjustments.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewMonotonicClock creates a monotonic wall clock.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now returns the current time, clamped to never precede a previously
// returned value.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	if now.Before(c.last) {
		now = c.last
	}
	c.last = now
	return now
}

// FixedClock returns the same instant on every call. Test helper.
type FixedClock struct {
	T time.Time
}

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.T }
