// Package monitor runs the exit ladder over every open position on a
// short fixed interval. Checks are strictly ordered; the first match
// closes the position and skips the rest for that cycle.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/signal"
)

// StagedTimeout pairs an elapsed-time checkpoint with the loss that
// forces a close once the checkpoint passes. Later checkpoints carry
// tighter thresholds.
type StagedTimeout struct {
	After   time.Duration `json:"after"`
	LossPct float64       `json:"loss_pct"`
}

// Config tunes the exit ladder.
type Config struct {
	PollInterval time.Duration `json:"poll_interval"`

	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`

	// MinHold suppresses every check below hard stop-loss and hard
	// take-profit for this long after open.
	MinHold time.Duration `json:"min_hold"`

	// ReversalLossPct closes when the loss exceeds it and the latest
	// closed candle on ReversalTimeframe flipped against the position.
	ReversalLossPct   float64          `json:"reversal_loss_pct"`
	ReversalTimeframe market.Timeframe `json:"reversal_timeframe"`

	// Peak detection arms once the favorable excursion exceeds
	// PeakActivationPct; a pullback of PeakPullbackPct from the peak
	// price then locks the profit in.
	PeakActivationPct float64 `json:"peak_activation_pct"`
	PeakPullbackPct   float64 `json:"peak_pullback_pct"`

	StagedTimeouts  []StagedTimeout `json:"staged_timeouts"`
	AbsoluteTimeout time.Duration   `json:"absolute_timeout"`

	// DecayInterval spaces the signal re-evaluations; DecayFloorRatio is
	// the fraction of the entry score the re-scored signal must keep.
	DecayInterval   time.Duration    `json:"decay_interval"`
	DecayFloorRatio float64          `json:"decay_floor_ratio"`
	DecayTimeframe  market.Timeframe `json:"decay_timeframe"`
}

// DefaultConfig returns the standard ladder thresholds.
func DefaultConfig() Config {
	return Config{
		PollInterval:      5 * time.Second,
		StopLossPct:       2.0,
		TakeProfitPct:     5.0,
		MinHold:           30 * time.Minute,
		ReversalLossPct:   1.0,
		ReversalTimeframe: market.Timeframe5m,
		PeakActivationPct: 2.0,
		PeakPullbackPct:   0.5,
		StagedTimeouts: []StagedTimeout{
			{After: time.Hour, LossPct: 0.5},
			{After: 2 * time.Hour, LossPct: 0.3},
		},
		AbsoluteTimeout: 3 * time.Hour,
		DecayInterval:   15 * time.Minute,
		DecayFloorRatio: 0.5,
		DecayTimeframe:  market.Timeframe1h,
	}
}

// Rescorer re-evaluates the entry signal for decay checks.
type Rescorer interface {
	Rescore(symbol string, w signal.Windows, weights signal.WeightTable, side signal.Side) float64
	SufficientHistory(w signal.Windows) bool
}

// Tripwire is the circuit-breaker view the monitor consults each cycle.
type Tripwire interface {
	Tripped() bool
	Observe(records []position.ClosedTradeRecord)
}

// WindowsFn fetches the candle windows the scorer needs for a symbol.
type WindowsFn func(ctx context.Context, symbol string) (signal.Windows, error)

// Monitor drives the exit ladder.
type Monitor struct {
	store    *position.Store
	feed     market.Feed
	gw       gateway.Gateway
	breaker  Tripwire
	rescorer Rescorer
	windows  WindowsFn
	weights  func() signal.WeightTable
	settings func() Config
	clock    expiry.Clock
	logger   zerolog.Logger

	onClosed func(position.ClosedTradeRecord)
}

// New creates a monitor.
func New(store *position.Store, feed market.Feed, gw gateway.Gateway, breaker Tripwire, rescorer Rescorer, windows WindowsFn, weights func() signal.WeightTable, settings func() Config, clock expiry.Clock, logger zerolog.Logger) *Monitor {
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		store:    store,
		feed:     feed,
		gw:       gw,
		breaker:  breaker,
		rescorer: rescorer,
		windows:  windows,
		weights:  weights,
		settings: settings,
		clock:    clock,
		logger:   logger.With().Str("component", "PositionMonitor").Logger(),
	}
}

// OnClosed registers a callback fired once per closed position.
func (m *Monitor) OnClosed(fn func(position.ClosedTradeRecord)) {
	m.onClosed = fn
}

// Tick runs one monitor cycle. Position failures are isolated; one
// symbol's bad price or failed close never blocks the others.
func (m *Monitor) Tick(ctx context.Context) {
	open := m.store.Open()
	if len(open) == 0 {
		return
	}
	cfg := m.settings()

	// A tripped breaker forces everything flat before any ladder check.
	// Positions whose close fails stay OPEN and are retried next cycle
	// until none remain.
	if m.breaker != nil && m.breaker.Tripped() {
		for _, pos := range open {
			m.close(ctx, pos, position.CloseCircuitBreaker, "circuit breaker force-close")
		}
		return
	}

	for _, pos := range open {
		price, err := m.feed.GetLivePrice(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("no live price, skipping position")
			continue
		}
		// Re-read after the excursion update so the peak check sees the
		// price it was just fed.
		snap, ok := m.store.UpdateExcursion(pos.ID, price)
		if !ok {
			continue
		}
		m.evaluate(ctx, snap, price, cfg)
	}
}

// evaluate walks the ladder for one position at the given price.
func (m *Monitor) evaluate(ctx context.Context, pos position.Position, price float64, cfg Config) {
	pnl := pos.UnrealizedPnLPercent(price)
	age := m.clock().Sub(pos.OpenedAt)

	if pnl <= -cfg.StopLossPct {
		m.close(ctx, pos, position.CloseHardStopLoss,
			fmt.Sprintf("loss %.2f%% beyond hard stop %.2f%%", -pnl, cfg.StopLossPct))
		return
	}
	if pnl >= cfg.TakeProfitPct {
		m.close(ctx, pos, position.CloseHardTakeProfit,
			fmt.Sprintf("gain %.2f%% beyond hard target %.2f%%", pnl, cfg.TakeProfitPct))
		return
	}

	// Inside the minimum hold only the two hard exits apply.
	if age < cfg.MinHold {
		return
	}

	if pnl <= -cfg.ReversalLossPct && m.candleFlipped(ctx, pos) {
		m.close(ctx, pos, position.CloseReversalLoss,
			fmt.Sprintf("loss %.2f%% with candle reversal", -pnl))
		return
	}

	if mfe := pos.FavorableExcursionPercent(); mfe >= cfg.PeakActivationPct {
		if pullbackFromPeak(pos, price) >= cfg.PeakPullbackPct {
			m.close(ctx, pos, position.ClosePeakDetected,
				fmt.Sprintf("pullback %.2f%% from peak after %.2f%% excursion", pullbackFromPeak(pos, price), mfe))
			return
		}
	}

	for _, stage := range cfg.StagedTimeouts {
		if age >= stage.After && pnl <= -stage.LossPct {
			m.close(ctx, pos, position.CloseStagedTimeout,
				fmt.Sprintf("held %s with loss %.2f%%", age.Round(time.Minute), -pnl))
			return
		}
	}

	if age >= cfg.AbsoluteTimeout {
		m.close(ctx, pos, position.CloseAbsoluteTimeout,
			fmt.Sprintf("held %s beyond absolute limit", age.Round(time.Minute)))
		return
	}

	m.checkDecay(ctx, pos, cfg)
}

// candleFlipped reports whether the latest closed short-timeframe candle
// moved against the position.
func (m *Monitor) candleFlipped(ctx context.Context, pos position.Position) bool {
	candles, err := m.feed.GetCandles(ctx, pos.Symbol, m.settings().ReversalTimeframe, 3)
	if err != nil {
		return false
	}
	last, ok := market.LastFinal(candles)
	if !ok {
		return false
	}
	if pos.Side == signal.SideLong {
		return last.Bearish()
	}
	return last.Bullish()
}

// checkDecay re-scores the entry signal at most once per interval and
// closes when the score falls below the floor. Thin candle history is
// never read as decay.
func (m *Monitor) checkDecay(ctx context.Context, pos position.Position, cfg Config) {
	if m.rescorer == nil || m.windows == nil {
		return
	}
	now := m.clock()
	if !pos.LastDecayCheck.IsZero() && now.Sub(pos.LastDecayCheck) < cfg.DecayInterval {
		return
	}
	m.store.MarkDecayChecked(pos.ID, now)

	w, err := m.windows(ctx, pos.Symbol)
	if err != nil {
		m.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("decay check skipped, no candle data")
		return
	}
	if !m.rescorer.SufficientHistory(w) {
		return
	}

	score := m.rescorer.Rescore(pos.Symbol, w, m.weights(), pos.Side)
	floor := pos.EntryScore * cfg.DecayFloorRatio
	if score < floor {
		m.close(ctx, pos, position.CloseSignalDecay,
			fmt.Sprintf("score decayed to %.1f below floor %.1f", score, floor))
	}
}

// close flattens one position through the gateway and records the
// outcome. A failed close leaves the position OPEN with its error set;
// the next cycle retries.
func (m *Monitor) close(ctx context.Context, pos position.Position, reason position.CloseReason, detail string) {
	res, err := m.gw.ClosePosition(ctx, gateway.CloseRequest{
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Quantity: pos.Quantity,
		Reason:   string(reason),
	})
	if err != nil {
		m.store.SetLastError(pos.ID, err)
		m.logger.Error().Err(err).
			Str("position_id", pos.ID).
			Str("symbol", pos.Symbol).
			Str("reason", string(reason)).
			Msg("close failed, will retry")
		return
	}

	rec, err := m.store.MarkClosed(pos.ID, res.ClosePrice, res.RealizedPnL, reason, m.clock())
	if err != nil {
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("close bookkeeping failed")
		return
	}

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("symbol", pos.Symbol).
		Str("side", string(pos.Side)).
		Str("reason", string(reason)).
		Str("detail", detail).
		Float64("close_price", res.ClosePrice).
		Float64("pnl_percent", rec.PnLPercent).
		Msg("position closed")

	if m.breaker != nil {
		m.breaker.Observe(m.store.RecentClosed(16))
	}
	if m.onClosed != nil {
		m.onClosed(rec)
	}
}

// pullbackFromPeak measures the retreat from the recorded peak as a
// percentage of the peak price.
func pullbackFromPeak(pos position.Position, price float64) float64 {
	peak := pos.MaxFavorablePrice
	if peak <= 0 {
		return 0
	}
	if pos.Side == signal.SideLong {
		return (peak - price) / peak * 100
	}
	return (price - peak) / peak * 100
}
