package regime

import (
	"context"
	"testing"
	"time"

	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/signal"

	"github.com/rs/zerolog"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testConfig() Config {
	return Config{
		Basket:                []BasketMember{{Symbol: "BTCUSDT", Weight: 1.0}},
		LargeWindow:           30,
		SmallWindow:           5,
		TTL:                   time.Hour,
		BullThreshold:         30,
		BearThreshold:         -30,
		SustainedDeclinePct:   8,
		AcceleratedDeclinePct: 4,
		WickRatio:             0.5,
		BounceMarginPct:       0.5,
		ProtectionDuration:    45 * time.Minute,
	}
}

// candleRun builds n closed 1h candles, each moving by stepPct of its open.
func candleRun(symbol string, n int, start, stepPct float64) []market.Candle {
	candles := make([]market.Candle, 0, n)
	openTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		next := price * (1 + stepPct/100)
		c := market.Candle{
			Symbol:    symbol,
			Timeframe: market.Timeframe1h,
			OpenTime:  openTime,
			Open:      price,
			Close:     next,
			Volume:    100,
			Final:     true,
		}
		if next > price {
			c.High, c.Low = next, price
		} else {
			c.High, c.Low = price, next
		}
		candles = append(candles, c)
		price = next
		openTime = openTime.Add(time.Hour)
	}
	return candles
}

func newTestDetector(feed market.Feed, cfg Config, clk *fakeClock) *Detector {
	protection := NewProtectionSet(clk.Now, zerolog.Nop())
	return NewDetector(feed, protection, func() Config { return cfg }, clk.Now, zerolog.Nop())
}

func TestCorrectionRuleForcesNeutralOnContradiction(t *testing.T) {
	cases := []struct {
		name  string
		large Verdict
		small Verdict
		want  Signal
	}{
		{"bear large, bull small bounce", Verdict{Bearish, TierStrong}, Verdict{Bullish, TierStrong}, Neutral},
		{"bull large, bear small pullback", Verdict{Bullish, TierStrong}, Verdict{Bearish, TierModerate}, Neutral},
		{"neutral large follows small", Verdict{Neutral, TierNone}, Verdict{Bullish, TierModerate}, Bullish},
		{"agreement keeps large", Verdict{Bearish, TierModerate}, Verdict{Bearish, TierStrong}, Bearish},
		{"neutral small keeps large", Verdict{Bullish, TierStrong}, Verdict{Neutral, TierNone}, Bullish},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := correct(tc.large, tc.small); got != tc.want {
				t.Errorf("correct(%v, %v) = %s, want %s", tc.large, tc.small, got, tc.want)
			}
		})
	}
}

func TestRefreshContradictingWindowsYieldNeutralMember(t *testing.T) {
	feed := market.NewMockFeed()
	// 43 bearish candles then 5 bullish: the large window is strongly
	// bearish while the small window is strongly bullish.
	candles := candleRun("BTCUSDT", 43, 100, -0.3)
	lastClose := candles[len(candles)-1].Close
	candles = append(candles, candleRun("BTCUSDT", 5, lastClose, 0.1)...)
	feed.SetCandles("BTCUSDT", market.Timeframe1h, candles)

	clk := &fakeClock{now: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)}
	det := newTestDetector(feed, testConfig(), clk)

	st, err := det.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(st.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(st.Members))
	}
	member := st.Members[0]
	if member.Final != Neutral {
		t.Errorf("contradicting windows must resolve NEUTRAL, got %s", member.Final)
	}
	if st.Signal != Neutral {
		t.Errorf("expected NEUTRAL basket signal, got %s", st.Signal)
	}
}

func TestRefreshReweightsMissingMembers(t *testing.T) {
	feed := market.NewMockFeed()
	// Only BTC has data; ETH stays empty and must be skipped.
	feed.SetCandles("BTCUSDT", market.Timeframe1h, candleRun("BTCUSDT", 48, 100, 0.5))

	cfg := testConfig()
	cfg.Basket = []BasketMember{
		{Symbol: "BTCUSDT", Weight: 0.5},
		{Symbol: "ETHUSDT", Weight: 0.5},
	}
	clk := &fakeClock{now: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)}
	det := newTestDetector(feed, cfg, clk)

	st, err := det.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(st.Members) != 1 {
		t.Fatalf("expected the missing member to be skipped, got %d members", len(st.Members))
	}
	// With proportional re-weighting the lone strong-bull member carries
	// the full aggregate.
	if st.Signal != Bullish {
		t.Errorf("expected BULLISH, got %s (aggregate %.1f)", st.Signal, st.Aggregate)
	}
	if st.Strength != 100 {
		t.Errorf("expected strength 100 after re-weighting, got %d", st.Strength)
	}
}

func TestDetectServesCachedUntilTTL(t *testing.T) {
	feed := market.NewMockFeed()
	feed.SetCandles("BTCUSDT", market.Timeframe1h, candleRun("BTCUSDT", 48, 100, 0.5))

	clk := &fakeClock{now: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)}
	det := newTestDetector(feed, testConfig(), clk)

	first, err := det.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Flip the feed bearish; the cached state must still be served.
	feed.SetCandles("BTCUSDT", market.Timeframe1h, candleRun("BTCUSDT", 48, 100, -0.5))
	clk.Advance(30 * time.Minute)

	second, err := det.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if second != first {
		t.Error("Detect recomputed inside the TTL")
	}

	clk.Advance(time.Hour)
	third, err := det.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if third == first {
		t.Error("Detect served an expired snapshot")
	}
	if third.Signal != Bearish {
		t.Errorf("expected recomputed BEARISH, got %s", third.Signal)
	}
}

// capitulationSeries builds a sustained decline ending in a hammer candle
// that satisfies all four deep-reversal conditions.
func capitulationSeries() []market.Candle {
	candles := candleRun("BTCUSDT", 41, 100, -0.25)
	price := candles[len(candles)-1].Close
	// Accelerated drop over the recent candles.
	for i := 0; i < 6; i++ {
		next := price * (1 - 1.2/100)
		candles = append(candles, market.Candle{
			Symbol: "BTCUSDT", Timeframe: market.Timeframe1h,
			OpenTime: candles[len(candles)-1].OpenTime.Add(time.Hour),
			Open:     price, High: price, Low: next, Close: next,
			Volume: 100, Final: true,
		})
		price = next
	}
	// Hammer: long lower wick, close back above the spike low.
	low := price * 0.96
	close := price * 0.999
	candles = append(candles, market.Candle{
		Symbol: "BTCUSDT", Timeframe: market.Timeframe1h,
		OpenTime: candles[len(candles)-1].OpenTime.Add(time.Hour),
		Open:     price, High: price, Low: low, Close: close,
		Volume: 100, Final: true,
	})
	return candles
}

func TestDeepReversalRequiresBounceClearOfLow(t *testing.T) {
	// Same decline as the capitulation series, but the final candle closes
	// within the bounce margin of its own low. A long lower wick alone is
	// not a bounce; no ban may land.
	candles := capitulationSeries()
	candles = candles[:len(candles)-1]
	price := candles[len(candles)-1].Close
	low := price * 0.995
	candles = append(candles, market.Candle{
		Symbol: "BTCUSDT", Timeframe: market.Timeframe1h,
		OpenTime: candles[len(candles)-1].OpenTime.Add(time.Hour),
		Open:     price, High: price, Low: low, Close: low * 1.004,
		Volume: 100, Final: true,
	})

	feed := market.NewMockFeed()
	feed.SetCandles("BTCUSDT", market.Timeframe1h, candles)

	clk := &fakeClock{now: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)}
	det := newTestDetector(feed, testConfig(), clk)

	if _, err := det.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if det.Protection().Banned(signal.SideShort) {
		t.Error("close hugging the low must not count as a bounce")
	}
}

func TestDeepReversalBansShortsAndRefreshes(t *testing.T) {
	feed := market.NewMockFeed()
	feed.SetCandles("BTCUSDT", market.Timeframe1h, capitulationSeries())

	clk := &fakeClock{now: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)}
	det := newTestDetector(feed, testConfig(), clk)

	if _, err := det.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !det.Protection().Banned(signal.SideShort) {
		t.Fatal("expected SHORT entries banned after capitulation low")
	}
	if det.Protection().Banned(signal.SideLong) {
		t.Error("LONG entries must not be banned")
	}

	windows := det.Protection().Active()
	if len(windows) != 1 {
		t.Fatalf("expected exactly one active window, got %d", len(windows))
	}
	firstDeadline := windows[0].ExpiresAt

	// A second trigger 30 minutes later refreshes the deadline; it never
	// stacks a second window.
	clk.Advance(30 * time.Minute)
	if _, err := det.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh failed: %v", err)
	}
	windows = det.Protection().Active()
	if len(windows) != 1 {
		t.Fatalf("expected one window after refresh, got %d", len(windows))
	}
	if !windows[0].ExpiresAt.After(firstDeadline) {
		t.Error("repeated trigger must refresh the expiry")
	}

	// The ban expires on its own.
	clk.Advance(46 * time.Minute)
	if det.Protection().Banned(signal.SideShort) {
		t.Error("protection window must expire after its duration")
	}
}
