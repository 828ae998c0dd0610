// Package clock abstracts the wall clock so stores, the processor and the
// sweepers can be driven deterministically in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns a Clock backed by time.Now.
func System() Clock { return systemClock{} }

// Fixed is a Clock pinned to a settable instant, for tests.
type Fixed struct {
	Time time.Time
}

func (f *Fixed) Now() time.Time { return f.Time }

// Advance moves the fixed clock forward.
func (f *Fixed) Advance(d time.Duration) { f.Time = f.Time.Add(d) }
