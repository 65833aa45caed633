package expiry

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deadline tests.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestFlagStartsLowered(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := NewFlag(clk.Now)

	if f.Active() {
		t.Error("new flag should not be active")
	}
	if r := f.Remaining(); r != 0 {
		t.Errorf("expected zero remaining, got %v", r)
	}
}

func TestFlagExpiresExactlyAtDeadline(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := NewFlag(clk.Now)

	f.Raise(45 * time.Minute)
	if !f.Active() {
		t.Fatal("flag should be active after Raise")
	}

	clk.Advance(44 * time.Minute)
	if !f.Active() {
		t.Error("flag should still be active one minute before deadline")
	}

	clk.Advance(time.Minute)
	if f.Active() {
		t.Error("flag should be expired at deadline")
	}
}

func TestRaiseRefreshesInsteadOfStacking(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := NewFlag(clk.Now)

	f.Raise(45 * time.Minute)
	clk.Advance(30 * time.Minute)

	// Second trigger refreshes the deadline to 45m from now, not 90m total.
	f.Raise(45 * time.Minute)

	deadline, active := f.Deadline()
	if !active {
		t.Fatal("flag should be active after refresh")
	}
	want := clk.now.Add(45 * time.Minute)
	if !deadline.Equal(want) {
		t.Errorf("expected deadline %v, got %v", want, deadline)
	}
}

func TestClearLowersImmediately(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	f := NewFlag(clk.Now)

	f.Raise(time.Hour)
	f.Clear()
	if f.Active() {
		t.Error("flag should be lowered after Clear")
	}
}
