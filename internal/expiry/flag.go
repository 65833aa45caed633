// Package expiry provides a small time-boxed flag used for protection
// windows, batch entry wait windows and circuit breaker cooldowns.
package expiry

import (
	"sync"
	"time"
)

// Clock returns the current time. Production code uses time.Now; tests
// substitute a fake to drive deadlines deterministically.
type Clock func() time.Time

// Flag is a boolean that stays raised until its deadline passes.
// Raising an already-raised flag moves the deadline forward; deadlines
// never stack. The zero deadline means the flag has never been raised.
type Flag struct {
	mu       sync.Mutex
	deadline time.Time
	clock    Clock
}

// NewFlag creates a lowered flag. A nil clock defaults to time.Now.
func NewFlag(clock Clock) *Flag {
	if clock == nil {
		clock = time.Now
	}
	return &Flag{clock: clock}
}

// Raise keeps the flag active for d from now, replacing any earlier deadline.
func (f *Flag) Raise(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = f.clock().Add(d)
}

// RaiseUntil keeps the flag active until t, replacing any earlier deadline.
func (f *Flag) RaiseUntil(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
}

// Active reports whether the deadline has not yet passed.
func (f *Flag) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.deadline.IsZero() && f.clock().Before(f.deadline)
}

// Deadline returns the current deadline and whether the flag is active.
func (f *Flag) Deadline() (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline, !f.deadline.IsZero() && f.clock().Before(f.deadline)
}

// Remaining returns how long the flag stays active, zero when lowered.
func (f *Flag) Remaining() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deadline.IsZero() {
		return 0
	}
	if r := f.deadline.Sub(f.clock()); r > 0 {
		return r
	}
	return 0
}

// Clear lowers the flag immediately.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = time.Time{}
}
