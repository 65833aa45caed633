package monitor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/signal"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type stubTripwire struct {
	tripped  bool
	observed int
}

func (s *stubTripwire) Tripped() bool                        { return s.tripped }
func (s *stubTripwire) Observe([]position.ClosedTradeRecord) { s.observed++ }

type stubRescorer struct {
	score      float64
	sufficient bool
}

func (s *stubRescorer) Rescore(string, signal.Windows, signal.WeightTable, signal.Side) float64 {
	return s.score
}
func (s *stubRescorer) SufficientHistory(signal.Windows) bool { return s.sufficient }

type harness struct {
	clk      *fakeClock
	feed     *market.MockFeed
	gw       *gateway.MockGateway
	store    *position.Store
	breaker  *stubTripwire
	rescorer *stubRescorer
	cfg      Config
	mon      *Monitor
	posSeq   int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:      &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		feed:     market.NewMockFeed(),
		breaker:  &stubTripwire{},
		rescorer: &stubRescorer{score: 100, sufficient: true},
		cfg:      DefaultConfig(),
	}
	h.gw = gateway.NewMockGateway(h.feed, zerolog.Nop())
	h.store = position.NewStore(10000, nil, zerolog.Nop())
	windows := func(context.Context, string) (signal.Windows, error) { return signal.Windows{}, nil }
	h.mon = New(h.store, h.feed, h.gw, h.breaker, h.rescorer, windows,
		func() signal.WeightTable { return nil },
		func() Config { return h.cfg },
		h.clk.Now, zerolog.Nop())
	return h
}

// openAt adds a LONG position opened age ago at entry price 100.
func (h *harness) openAt(t *testing.T, age time.Duration) *position.Position {
	t.Helper()
	h.posSeq++
	pos := &position.Position{
		ID: fmt.Sprintf("pos-%d", h.posSeq), Symbol: "BTCUSDT",
		Side: signal.SideLong, EntryPrice: 100, Quantity: 3,
		Margin: 30, Leverage: 10, BatchIndex: 1,
		OpenedAt: h.clk.Now().Add(-age), Status: position.StatusOpen,
		MaxFavorablePrice: 100, EntryScore: 60,
	}
	if err := h.store.Add(pos); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	return pos
}

func (h *harness) tickAt(price float64) {
	h.feed.SetPrice("BTCUSDT", price)
	h.mon.Tick(context.Background())
}

func closedReason(t *testing.T, h *harness, id string) position.CloseReason {
	t.Helper()
	pos, ok := h.store.Get(id)
	if !ok {
		t.Fatalf("position %s not found", id)
	}
	if pos.Status != position.StatusClosed {
		t.Fatalf("position %s still %s", id, pos.Status)
	}
	return pos.CloseReason
}

func TestHardStopLossBeatsStagedTimeout(t *testing.T) {
	h := newHarness(t)
	// Old enough for every staged timeout and deep enough for the stop:
	// the higher-priority stop reason must win.
	pos := h.openAt(t, 2*time.Hour+30*time.Minute)
	h.tickAt(97.5)

	if got := closedReason(t, h, pos.ID); got != position.CloseHardStopLoss {
		t.Errorf("close reason = %s, want %s", got, position.CloseHardStopLoss)
	}
}

func TestHardTakeProfitClosesImmediately(t *testing.T) {
	h := newHarness(t)
	// Inside the minimum hold; the hard target still applies.
	pos := h.openAt(t, 5*time.Minute)
	h.tickAt(105.2)

	if got := closedReason(t, h, pos.ID); got != position.CloseHardTakeProfit {
		t.Errorf("close reason = %s, want %s", got, position.CloseHardTakeProfit)
	}
}

func TestMinimumHoldSuppressesLowerChecks(t *testing.T) {
	h := newHarness(t)
	pos := h.openAt(t, 10*time.Minute)

	// Reversal conditions hold (1.2% loss, bearish closed candle) but the
	// position is inside the minimum hold.
	h.feed.SetCandles("BTCUSDT", market.Timeframe5m, []market.Candle{{
		Symbol: "BTCUSDT", Timeframe: market.Timeframe5m,
		OpenTime: h.clk.Now().Add(-10 * time.Minute),
		Open:     100, High: 100, Low: 98.5, Close: 98.8, Final: true,
	}})
	h.tickAt(98.8)

	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("reversal close fired inside the minimum hold")
	}

	// Past the hold the same conditions close it.
	h.clk.Advance(25 * time.Minute)
	h.tickAt(98.8)
	if got := closedReason(t, h, pos.ID); got != position.CloseReversalLoss {
		t.Errorf("close reason = %s, want %s", got, position.CloseReversalLoss)
	}
}

func TestPeakDetectionLocksInGain(t *testing.T) {
	h := newHarness(t)
	// Lift the hard target out of the way so the peak rule decides.
	h.cfg.TakeProfitPct = 10
	pos := h.openAt(t, time.Hour)

	// Run up to 106 (6% excursion), then retreat to 105.4: a 0.57%
	// pullback from the peak locks in roughly 5.4%.
	h.tickAt(106)
	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("position closed at the peak itself")
	}
	h.tickAt(105.4)

	if got := closedReason(t, h, pos.ID); got != position.ClosePeakDetected {
		t.Errorf("close reason = %s, want %s", got, position.ClosePeakDetected)
	}
	closed, _ := h.store.Get(pos.ID)
	if closed.PnLPercent < 5.3 || closed.PnLPercent > 5.5 {
		t.Errorf("locked gain = %.2f%%, want about 5.4%%", closed.PnLPercent)
	}
}

func TestSmallPullbackKeepsPositionOpen(t *testing.T) {
	h := newHarness(t)
	h.cfg.TakeProfitPct = 10
	pos := h.openAt(t, time.Hour)

	h.tickAt(106)
	// 0.28% from the peak: below the trigger.
	h.tickAt(105.7)
	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("peak close fired below the pullback threshold")
	}
}

func TestStagedTimeoutsTightenWithAge(t *testing.T) {
	h := newHarness(t)

	// 50 minutes old, 0.6% down: no checkpoint reached yet.
	young := h.openAt(t, 50*time.Minute)
	h.tickAt(99.4)
	if got, _ := h.store.Get(young.ID); got.Status != position.StatusOpen {
		t.Fatal("staged timeout fired before the first checkpoint")
	}

	// Over an hour old with the same loss: first checkpoint closes it.
	h.clk.Advance(15 * time.Minute)
	h.tickAt(99.4)
	if got := closedReason(t, h, young.ID); got != position.CloseStagedTimeout {
		t.Errorf("close reason = %s, want %s", got, position.CloseStagedTimeout)
	}

	// A shallower loss needs the two-hour checkpoint.
	shallow := h.openAt(t, 90*time.Minute)
	h.tickAt(99.6)
	if got, _ := h.store.Get(shallow.ID); got.Status != position.StatusOpen {
		t.Fatal("0.4%% loss closed before the two-hour checkpoint")
	}
	h.clk.Advance(31 * time.Minute)
	h.tickAt(99.6)
	if got := closedReason(t, h, shallow.ID); got != position.CloseStagedTimeout {
		t.Errorf("close reason = %s, want %s", got, position.CloseStagedTimeout)
	}
}

func TestAbsoluteTimeoutClosesWinners(t *testing.T) {
	h := newHarness(t)
	pos := h.openAt(t, 3*time.Hour+time.Minute)
	h.tickAt(101)

	if got := closedReason(t, h, pos.ID); got != position.CloseAbsoluteTimeout {
		t.Errorf("close reason = %s, want %s", got, position.CloseAbsoluteTimeout)
	}
}

func TestSignalDecayClosesAfterInterval(t *testing.T) {
	h := newHarness(t)
	pos := h.openAt(t, 40*time.Minute)

	// First pass: score healthy, position stays.
	h.rescorer.score = 50
	h.tickAt(100.2)
	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("healthy score closed the position")
	}

	// Score collapses, but the next re-check is not due yet.
	h.rescorer.score = 20
	h.clk.Advance(5 * time.Minute)
	h.tickAt(100.2)
	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("decay re-checked before the interval elapsed")
	}

	h.clk.Advance(11 * time.Minute)
	h.tickAt(100.2)
	if got := closedReason(t, h, pos.ID); got != position.CloseSignalDecay {
		t.Errorf("close reason = %s, want %s", got, position.CloseSignalDecay)
	}
}

func TestThinHistoryIsNotDecay(t *testing.T) {
	h := newHarness(t)
	pos := h.openAt(t, 40*time.Minute)

	h.rescorer.score = 0
	h.rescorer.sufficient = false
	h.tickAt(100.2)
	if got, _ := h.store.Get(pos.ID); got.Status != position.StatusOpen {
		t.Fatal("missing candle history treated as signal decay")
	}
}

func TestBreakerTripForcesEverythingFlatWithRetry(t *testing.T) {
	h := newHarness(t)
	a := h.openAt(t, time.Hour)
	b := h.openAt(t, 10*time.Minute)
	h.feed.SetPrice("BTCUSDT", 100.5)

	// One close fails; the other must still go through.
	h.breaker.tripped = true
	h.gw.FailNext(&gateway.TransientError{Err: errors.New("timeout")})
	h.mon.Tick(context.Background())

	closedCount := 0
	for _, id := range []string{a.ID, b.ID} {
		if p, _ := h.store.Get(id); p.Status == position.StatusClosed {
			if p.CloseReason != position.CloseCircuitBreaker {
				t.Errorf("close reason = %s, want %s", p.CloseReason, position.CloseCircuitBreaker)
			}
			closedCount++
		}
	}
	if closedCount != 1 {
		t.Fatalf("expected exactly one close on first pass, got %d", closedCount)
	}

	// The failed one carries its error and is retried next cycle.
	h.mon.Tick(context.Background())
	if got := len(h.store.Open()); got != 0 {
		t.Fatalf("expected all positions flat after retry, got %d open", got)
	}
}

func TestCloseFailureRecordsErrorAndRetries(t *testing.T) {
	h := newHarness(t)
	pos := h.openAt(t, time.Hour)

	h.gw.FailNext(&gateway.TransientError{Err: errors.New("connection reset")})
	h.tickAt(97)

	got, _ := h.store.Get(pos.ID)
	if got.Status != position.StatusOpen {
		t.Fatal("position marked closed despite gateway failure")
	}
	if got.LastError == "" {
		t.Error("failed close must record the error on the position")
	}

	h.tickAt(97)
	if got := closedReason(t, h, pos.ID); got != position.CloseHardStopLoss {
		t.Errorf("close reason = %s, want %s", got, position.CloseHardStopLoss)
	}
	if got, _ := h.store.Get(pos.ID); got.LastError != "" {
		t.Error("successful close must clear the recorded error")
	}
}

func TestBreakerObservesEveryClose(t *testing.T) {
	h := newHarness(t)
	h.openAt(t, time.Hour)
	h.tickAt(97)

	if h.breaker.observed != 1 {
		t.Errorf("breaker observed %d times, want 1", h.breaker.observed)
	}
}
