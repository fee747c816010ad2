package timesync

import (
	"sync"
	"time"
)

// Clock is the wall clock a time client corrects.
type Clock interface {
	Now() time.Time
	// Step moves the clock by offset.
	Step(offset time.Duration) error
}

// OffsetClock keeps the correction in memory and leaves the system clock alone.
type OffsetClock struct {
	mu     sync.RWMutex
	offset time.Duration
}

// NewOffsetClock returns a clock that starts at system time
func NewOffsetClock() *OffsetClock {
	return &OffsetClock{}
}

func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

func (c *OffsetClock) Step(offset time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += offset
	return nil
}

// Offset returns the accumulated correction
func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
