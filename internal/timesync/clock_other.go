//go:build !linux

package timesync

import (
	"errors"
	"time"
)

// SystemClock cannot set the clock on this platform; use OffsetClock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Step(offset time.Duration) error {
	return errors.New("setting the system clock is not supported on this platform")
}
