// Package regime derives a basket-wide directional bias from a small set
// of reference symbols and raises deep-reversal protection windows.
package regime

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/signal"

	"github.com/rs/zerolog"
)

// Signal is the basket-wide directional bias.
type Signal string

const (
	Bullish Signal = "BULLISH"
	Bearish Signal = "BEARISH"
	Neutral Signal = "NEUTRAL"
)

// Tier grades how decisive a window's candle-color majority is.
type Tier string

const (
	TierStrong   Tier = "STRONG"
	TierModerate Tier = "MODERATE"
	TierNone     Tier = "NONE"
)

// Verdict classifies one lookback window of one basket member.
type Verdict struct {
	Signal Signal `json:"signal"`
	Tier   Tier   `json:"tier"`
}

// MemberVerdict is the per-member breakdown kept for the read model.
type MemberVerdict struct {
	Symbol       string  `json:"symbol"`
	Weight       float64 `json:"weight"`
	Large        Verdict `json:"large_window"`
	Small        Verdict `json:"small_window"`
	Final        Signal  `json:"final"`
	Contribution float64 `json:"contribution"`
}

// State is the cached regime snapshot. It is replaced atomically by the
// single writer; readers may observe a stale-but-valid value.
type State struct {
	Signal     Signal          `json:"signal"`
	Strength   int             `json:"strength"` // 0..100
	Aggregate  float64         `json:"aggregate"`
	Members    []MemberVerdict `json:"members"`
	ComputedAt time.Time       `json:"computed_at"`
	TTL        time.Duration   `json:"ttl"`
}

// Valid reports whether the snapshot is within its TTL.
func (s *State) Valid(now time.Time) bool {
	return s != nil && now.Sub(s.ComputedAt) < s.TTL
}

// BasketMember is one weighted reference symbol.
type BasketMember struct {
	Symbol string  `json:"symbol"`
	Weight float64 `json:"weight"`
}

// DefaultBasket is the Big4 reference basket; weights sum to 1.0 with BTC
// dominating.
func DefaultBasket() []BasketMember {
	return []BasketMember{
		{Symbol: "BTCUSDT", Weight: 0.50},
		{Symbol: "ETHUSDT", Weight: 0.20},
		{Symbol: "BNBUSDT", Weight: 0.15},
		{Symbol: "SOLUSDT", Weight: 0.15},
	}
}

// Config holds detector tuning. The engine rebuilds it from the settings
// snapshot, so values are hot-reloadable between refreshes.
type Config struct {
	Basket      []BasketMember `json:"basket"`
	LargeWindow int            `json:"large_window"` // 1h candles
	SmallWindow int            `json:"small_window"` // 1h candles
	TTL         time.Duration  `json:"ttl"`

	BullThreshold float64 `json:"bull_threshold"` // aggregate above this is BULLISH
	BearThreshold float64 `json:"bear_threshold"` // aggregate below this is BEARISH

	// Deep reversal thresholds.
	SustainedDeclinePct   float64       `json:"sustained_decline_pct"`   // % over the large window
	AcceleratedDeclinePct float64       `json:"accelerated_decline_pct"` // % over the last 6 candles
	WickRatio             float64       `json:"wick_ratio"`              // fraction of candle range
	BounceMarginPct       float64       `json:"bounce_margin_pct"`       // % clearance above the low / below the high
	ProtectionDuration    time.Duration `json:"protection_duration"`
}

// DefaultConfig returns the standard Big4 tuning.
func DefaultConfig() Config {
	return Config{
		Basket:                DefaultBasket(),
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

// Detector computes the basket regime. Single writer: only Refresh swaps
// the cached state.
type Detector struct {
	feed       market.Feed
	protection *ProtectionSet
	settings   func() Config
	clock      expiry.Clock
	logger     zerolog.Logger

	cached atomic.Pointer[State]
}

// NewDetector creates a regime detector.
func NewDetector(feed market.Feed, protection *ProtectionSet, settings func() Config, clock expiry.Clock, logger zerolog.Logger) *Detector {
	if clock == nil {
		clock = time.Now
	}
	return &Detector{
		feed:       feed,
		protection: protection,
		settings:   settings,
		clock:      clock,
		logger:     logger.With().Str("component", "RegimeDetector").Logger(),
	}
}

// Protection returns the protection set owned by this detector.
func (d *Detector) Protection() *ProtectionSet { return d.protection }

// Current returns the cached state without recomputing. Callers must
// tolerate a stale-but-valid value; nil means never computed.
func (d *Detector) Current() *State { return d.cached.Load() }

// Detect returns a valid state, recomputing only when the cache expired.
func (d *Detector) Detect(ctx context.Context) (*State, error) {
	if st := d.cached.Load(); st.Valid(d.clock()) {
		return st, nil
	}
	return d.Refresh(ctx)
}

// Refresh recomputes the basket verdicts, runs deep-reversal detection and
// atomically swaps the cached state. Members with missing candle data are
// skipped and the remaining weights re-normalized; Refresh only fails when
// no member has data at all.
func (d *Detector) Refresh(ctx context.Context) (*State, error) {
	cfg := d.settings()
	fetch := cfg.LargeWindow + 18 // headroom for the reversal lookbacks

	var members []MemberVerdict
	availableWeight := 0.0
	aggregate := 0.0

	for _, member := range cfg.Basket {
		candles, err := d.feed.GetCandles(ctx, member.Symbol, market.Timeframe1h, fetch)
		closed := market.FinalOnly(candles)
		if err != nil || len(closed) < cfg.LargeWindow {
			d.logger.Warn().
				Str("symbol", member.Symbol).
				Err(err).
				Int("closed_candles", len(closed)).
				Msg("basket member unavailable, re-weighting remainder")
			continue
		}

		mv := d.evaluateMember(member, closed, cfg)
		members = append(members, mv)
		availableWeight += member.Weight
		aggregate += mv.Contribution * member.Weight

		d.checkDeepReversal(member.Symbol, closed, cfg)
	}

	if availableWeight == 0 {
		// Keep serving the previous snapshot rather than flapping to
		// NEUTRAL on a full data outage.
		if prev := d.cached.Load(); prev != nil {
			return prev, nil
		}
		return nil, market.ErrPriceUnavailable
	}

	// Proportional re-weighting when members are missing.
	aggregate = aggregate / availableWeight * 100

	st := &State{
		Signal:     Neutral,
		Strength:   int(math.Min(100, math.Abs(aggregate))),
		Aggregate:  aggregate,
		Members:    members,
		ComputedAt: d.clock(),
		TTL:        cfg.TTL,
	}
	if aggregate > cfg.BullThreshold {
		st.Signal = Bullish
	} else if aggregate < cfg.BearThreshold {
		st.Signal = Bearish
	}

	prev := d.cached.Swap(st)
	if prev == nil || prev.Signal != st.Signal {
		d.logger.Info().
			Str("signal", string(st.Signal)).
			Int("strength", st.Strength).
			Float64("aggregate", st.Aggregate).
			Int("members", len(members)).
			Msg("regime changed")
	}
	return st, nil
}

// evaluateMember classifies both lookback windows and applies the
// correction rule.
func (d *Detector) evaluateMember(member BasketMember, closed []market.Candle, cfg Config) MemberVerdict {
	large := classifyWindow(lastN(closed, cfg.LargeWindow))
	small := classifyWindow(lastN(closed, cfg.SmallWindow))
	final := correct(large, small)

	contribution := 0.0
	if final == large.Signal {
		contribution = tierValue(large.Tier)
	} else if final == small.Signal {
		contribution = tierValue(small.Tier)
	}
	if final == Bearish {
		contribution = -contribution
	} else if final == Neutral {
		contribution = 0
	}

	return MemberVerdict{
		Symbol:       member.Symbol,
		Weight:       member.Weight,
		Large:        large,
		Small:        small,
		Final:        final,
		Contribution: contribution,
	}
}

// correct resolves the two windows. A short-term bounce inside a larger
// down-move (or a pullback inside an up-move) must not read as a reversal:
// when the windows directly contradict, the member goes NEUTRAL. A neutral
// large window defers to the small one; otherwise the large window wins.
func correct(large, small Verdict) Signal {
	switch {
	case large.Signal == Bearish && small.Signal == Bullish:
		return Neutral
	case large.Signal == Bullish && small.Signal == Bearish:
		return Neutral
	case large.Signal == Neutral:
		return small.Signal
	default:
		return large.Signal
	}
}

// classifyWindow grades a window by majority candle color with two
// confidence tiers.
func classifyWindow(candles []market.Candle) Verdict {
	if len(candles) == 0 {
		return Verdict{Signal: Neutral, Tier: TierNone}
	}
	bull, bear := 0, 0
	for _, c := range candles {
		if c.Bullish() {
			bull++
		} else if c.Bearish() {
			bear++
		}
	}
	total := float64(len(candles))
	bullRatio := float64(bull) / total
	bearRatio := float64(bear) / total

	switch {
	case bullRatio >= 0.65:
		return Verdict{Signal: Bullish, Tier: TierStrong}
	case bullRatio >= 0.55:
		return Verdict{Signal: Bullish, Tier: TierModerate}
	case bearRatio >= 0.65:
		return Verdict{Signal: Bearish, Tier: TierStrong}
	case bearRatio >= 0.55:
		return Verdict{Signal: Bearish, Tier: TierModerate}
	default:
		return Verdict{Signal: Neutral, Tier: TierNone}
	}
}

func tierValue(t Tier) float64 {
	switch t {
	case TierStrong:
		return 1.0
	case TierModerate:
		return 0.6
	default:
		return 0
	}
}

// checkDeepReversal looks for trend exhaustion on one basket member. All
// four conditions must hold jointly: a sustained decline over the large
// window, an accelerated decline over the last six candles, a recent candle
// with a long lower wick, and price already bounced clear of the recent low
// by at least BounceMarginPct. A hit bans new SHORT entries basket-wide;
// the mirrored blow-off-top condition set bans LONG entries. Repeated hits
// refresh, never stack.
func (d *Detector) checkDeepReversal(symbol string, closed []market.Candle, cfg Config) {
	if len(closed) < cfg.LargeWindow {
		return
	}
	window := lastN(closed, cfg.LargeWindow)
	recent := lastN(closed, 6)
	wickScan := lastN(closed, 3)
	lowScan := lastN(closed, 24)

	first := window[0].Open
	last := window[len(window)-1].Close
	if first <= 0 || recent[0].Open <= 0 {
		return
	}
	totalMove := (last - first) / first * 100
	recentMove := (last - recent[0].Open) / recent[0].Open * 100

	// Capitulation low: ban shorts into the bounce.
	if totalMove <= -cfg.SustainedDeclinePct && recentMove <= -cfg.AcceleratedDeclinePct {
		if hasLongLowerWick(wickScan, cfg.WickRatio) && last > lowestLow(lowScan)*(1+cfg.BounceMarginPct/100) {
			d.logger.Warn().
				Str("symbol", symbol).
				Float64("total_move_pct", totalMove).
				Float64("recent_move_pct", recentMove).
				Msg("capitulation low detected")
			d.protection.Ban(signal.SideShort, cfg.ProtectionDuration)
		}
	}

	// Blow-off top: ban longs into the fade.
	if totalMove >= cfg.SustainedDeclinePct && recentMove >= cfg.AcceleratedDeclinePct {
		if hasLongUpperWick(wickScan, cfg.WickRatio) && last < highestHigh(lowScan)*(1-cfg.BounceMarginPct/100) {
			d.logger.Warn().
				Str("symbol", symbol).
				Float64("total_move_pct", totalMove).
				Float64("recent_move_pct", recentMove).
				Msg("blow-off top detected")
			d.protection.Ban(signal.SideLong, cfg.ProtectionDuration)
		}
	}
}

func lastN(candles []market.Candle, n int) []market.Candle {
	if len(candles) > n {
		return candles[len(candles)-n:]
	}
	return candles
}

func hasLongLowerWick(candles []market.Candle, ratio float64) bool {
	for _, c := range candles {
		if c.LowerWickRatio() >= ratio {
			return true
		}
	}
	return false
}

func hasLongUpperWick(candles []market.Candle, ratio float64) bool {
	for _, c := range candles {
		if c.UpperWickRatio() >= ratio {
			return true
		}
	}
	return false
}

func lowestLow(candles []market.Candle) float64 {
	low := math.MaxFloat64
	for _, c := range candles {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

func highestHigh(candles []market.Candle) float64 {
	high := 0.0
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
	}
	return high
}
