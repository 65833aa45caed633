package circuit

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/position"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clk *fakeClock) *Breaker {
	return NewBreaker(DefaultConfig(), clk.Now, zerolog.Nop())
}

var tradeSeq int

// trades builds a closed-trade log, oldest first, with unique IDs and
// strictly increasing close times.
func trades(pnls ...float64) []position.ClosedTradeRecord {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	out := make([]position.ClosedTradeRecord, len(pnls))
	for i, p := range pnls {
		tradeSeq++
		out[i] = position.ClosedTradeRecord{
			PositionID:  fmt.Sprintf("pos-%d", tradeSeq),
			Symbol:      "BTCUSDT",
			PnLPercent:  p,
			CloseReason: position.CloseHardStopLoss,
			ClosedAt:    base.Add(time.Duration(tradeSeq) * time.Minute),
		}
	}
	return out
}

func TestTripsOnThreeSevereLossesInWindow(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	b.Observe(trades(-2.0, 1.5, -1.9, 0.2, -2.1))
	if !b.Tripped() {
		t.Fatal("expected trip on 3 severe losses in last 5")
	}
	if ok, reason := b.AllowEntries(); ok || reason == "" {
		t.Errorf("AllowEntries = (%v, %q), want blocked with reason", ok, reason)
	}
}

func TestTwoSevereLossesDoNotTrip(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	b.Observe(trades(-2.0, 1.5, -1.9, 0.2, -1.0))
	if b.Tripped() {
		t.Fatal("two severe losses must not trip")
	}
}

func TestSeverityJudgedByPnLNotReason(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	// Three stop-loss closes that exited shallow: none severe.
	recs := trades(-0.5, -0.9, -1.2, 0.1, -0.3)
	for i := range recs {
		recs[i].CloseReason = position.CloseHardStopLoss
	}
	b.Observe(recs)
	if b.Tripped() {
		t.Fatal("shallow stop-loss exits must not count as severe")
	}

	// Three timeout closes that happened to exit deep: all severe.
	recs = trades(-1.9, -2.5, -1.8, 0.1, -0.3)
	for i := range recs {
		recs[i].CloseReason = position.CloseStagedTimeout
	}
	b.Observe(recs)
	if !b.Tripped() {
		t.Fatal("deep timeout exits must count as severe")
	}
}

func TestOldLossesOutsideWindowIgnored(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	// Three severe losses, then five recoveries pushing them out.
	b.Observe(trades(-2.0, -2.0, -2.0, 1.0, 1.0, 1.0, 1.0, 1.0))
	if b.Tripped() {
		t.Fatal("severe losses outside the window must not trip")
	}
}

func TestCooldownRearmsAutomatically(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	b.Observe(trades(-2.0, -2.0, -2.0))
	if !b.Tripped() {
		t.Fatal("expected trip")
	}

	clk.Advance(3 * time.Hour)
	if !b.Tripped() {
		t.Fatal("breaker re-armed before cooldown elapsed")
	}

	clk.Advance(time.Hour + time.Minute)
	if b.Tripped() {
		t.Fatal("breaker must re-arm after cooldown")
	}
	if ok, _ := b.AllowEntries(); !ok {
		t.Error("entries must be allowed after re-arm")
	}
}

func TestRearmDoesNotRetripOnStaleRecords(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	recs := trades(-2.0, -2.0, -2.0)
	b.Observe(recs)
	clk.Advance(5 * time.Hour)

	// Same records re-observed after re-arm: no new trades closed, so the
	// old cluster must not trip again.
	b.Observe(recs)
	if b.Tripped() {
		t.Fatal("stale loss cluster re-tripped after cooldown")
	}
}

func TestManualOverrides(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clk)

	b.ForceTrip("operator halt")
	if !b.Tripped() {
		t.Fatal("ForceTrip must trip")
	}
	if _, reason := b.AllowEntries(); reason == "" {
		t.Error("expected blocking reason after manual trip")
	}

	b.ForceArm()
	if b.Tripped() {
		t.Fatal("ForceArm must re-arm immediately")
	}
}
