// Package engine wires the scorer, regime detector, filter, scheduler,
// monitor and circuit breaker into the periodic loops that drive them.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/circuit"
	"futures-signal-bot/internal/database"
	"futures-signal-bot/internal/entry"
	"futures-signal-bot/internal/events"
	"futures-signal-bot/internal/filter"
	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/metrics"
	"futures-signal-bot/internal/monitor"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/signal"
)

// candle fetch depths per timeframe, sized for the largest component
// lookback plus headroom for open candles.
const (
	fetch5m  = 30
	fetch15m = 30
	fetch1h  = 60
)

// Engine owns the periodic loops and the component graph.
type Engine struct {
	cfg      *config.Manager
	feed     market.Feed
	gw       gateway.Gateway
	store    *position.Store
	scorer   *signal.Scorer
	detector *regime.Detector
	filter   *filter.Filter
	denylist *filter.Denylist
	sched    *entry.Scheduler
	mon      *monitor.Monitor
	breaker  *circuit.Breaker
	bus      *events.Bus
	rec      *metrics.Recorder
	pub      *database.StatePublisher
	logger   zerolog.Logger

	schedInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Deps carries everything the engine composes. Pub may be nil when no
// Redis is configured.
type Deps struct {
	Config *config.Manager
	Feed   market.Feed
	GW     gateway.Gateway
	Store  *position.Store
	Bus    *events.Bus
	Rec    *metrics.Recorder
	Pub    *database.StatePublisher
	Logger zerolog.Logger
}

// New builds the component graph from the live configuration.
func New(d Deps) *Engine {
	settings := d.Config.Settings

	protection := regime.NewProtectionSet(time.Now, d.Logger)
	detector := regime.NewDetector(d.Feed, protection,
		func() regime.Config { return settings().Regime }, time.Now, d.Logger)
	breaker := circuit.NewBreaker(settings().Breaker, time.Now, d.Logger)
	denylist := filter.NewDenylist(settings().Denylist)
	flt := filter.New(breaker, protection, denylist,
		func() filter.Config { return settings().Filter }, d.Logger)
	scorer := signal.NewScorer(signal.BuiltinComponents(), d.Logger)
	sched := entry.NewScheduler(d.Feed, d.GW, d.Store, protection,
		func() entry.Config { return settings().Entry }, time.Now, d.Logger)

	e := &Engine{
		cfg:           d.Config,
		feed:          d.Feed,
		gw:            d.GW,
		store:         d.Store,
		scorer:        scorer,
		detector:      detector,
		filter:        flt,
		denylist:      denylist,
		sched:         sched,
		breaker:       breaker,
		bus:           d.Bus,
		rec:           d.Rec,
		pub:           d.Pub,
		logger:        d.Logger.With().Str("component", "Engine").Logger(),
		schedInterval: 10 * time.Second,
		stop:          make(chan struct{}),
	}

	e.mon = monitor.New(d.Store, d.Feed, d.GW, breaker, scorer, e.fetchWindows,
		func() signal.WeightTable { return settings().Weights },
		func() monitor.Config { return settings().Monitor },
		time.Now, d.Logger)

	e.wireEvents(protection)
	return e
}

// Accessors for the API read models.
func (e *Engine) Store() *position.Store      { return e.store }
func (e *Engine) Scheduler() *entry.Scheduler { return e.sched }
func (e *Engine) Detector() *regime.Detector  { return e.detector }
func (e *Engine) Breaker() *circuit.Breaker   { return e.breaker }
func (e *Engine) Bus() *events.Bus            { return e.bus }

// ReloadSettings applies a fresh settings snapshot to the parts that
// cache derived state.
func (e *Engine) ReloadSettings() {
	e.denylist.Replace(e.cfg.Settings().Denylist)
	e.logger.Info().Msg("settings snapshot reloaded")
}

// Start launches the loops and runs startup reconciliation.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		// Reconciliation failure is survivable; positions reappear on
		// the next successful listing.
		e.logger.Warn().Err(err).Msg("startup reconciliation failed")
	}

	trading := e.cfg.Current().Trading
	e.loop("regime", trading.RegimeRefreshInterval, e.refreshRegime)
	e.loop("scan", trading.ScanInterval, e.scan)
	e.loop("scheduler", e.schedInterval, func(ctx context.Context) { e.sched.Tick(ctx) })
	e.loop("monitor", e.cfg.Settings().Monitor.PollInterval, func(ctx context.Context) { e.mon.Tick(ctx) })
	e.loop("readmodel", 30*time.Second, e.publishReadModels)

	e.logger.Info().
		Strs("symbols", trading.Symbols).
		Bool("dry_run", trading.DryRun).
		Msg("engine started")
	return nil
}

// Stop halts every loop and waits for them to drain.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) loop(name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Run once immediately so startup does not wait a full interval.
		e.runTick(name, fn)
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.runTick(name, fn)
			}
		}
	}()
}

func (e *Engine) runTick(name string, fn func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("loop", name).Msg("loop tick panicked")
		}
	}()
	fn(ctx)
}

// refreshRegime recomputes the basket state and publishes changes.
func (e *Engine) refreshRegime(ctx context.Context) {
	prev := e.detector.Current()
	st, err := e.detector.Refresh(ctx)
	if err != nil {
		e.bus.PublishError("regime", "refresh failed", err)
		return
	}
	e.rec.SetRegime(string(st.Signal), st.Strength)
	if prev == nil || prev.Signal != st.Signal {
		e.bus.PublishRegimeChanged(string(st.Signal), st.Strength, st.Aggregate)
	}
}

// scan scores every symbol in the universe and submits accepted
// opportunities. Symbol failures are isolated.
func (e *Engine) scan(ctx context.Context) {
	started := time.Now()
	defer func() { e.rec.ObserveScanDuration(time.Since(started).Seconds()) }()

	trading := e.cfg.Current().Trading
	settings := e.cfg.Settings()

	state, err := e.detector.Detect(ctx)
	if err != nil {
		e.bus.PublishError("scan", "no regime state", err)
		return
	}

	for _, symbol := range trading.Symbols {
		if e.activePlans() >= trading.MaxOpenPlans {
			return
		}
		w, err := e.fetchWindows(ctx, symbol)
		if err != nil {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("skipping symbol, no candle data")
			continue
		}

		opp, err := e.scorer.BuildOpportunity(symbol, w, settings.Weights)
		if err != nil {
			// Conflicting components invalidate only this opportunity.
			e.logger.Warn().Err(err).Str("symbol", symbol).Msg("opportunity discarded")
			continue
		}
		if opp == nil {
			continue
		}

		decision := e.filter.Evaluate(opp, state)
		e.rec.RecordOpportunity(string(opp.Side), decision.Accepted)
		if !decision.Accepted {
			e.bus.Publish(events.Event{
				Type: events.EventOpportunityRejected,
				Data: map[string]interface{}{
					"symbol": opp.Symbol,
					"side":   string(opp.Side),
					"score":  decision.Score,
					"reason": decision.Reason,
				},
			})
			continue
		}

		e.bus.Publish(events.Event{
			Type: events.EventOpportunityAccepted,
			Data: map[string]interface{}{
				"symbol":          opp.Symbol,
				"side":            string(opp.Side),
				"score":           decision.Score,
				"size_multiplier": decision.SizeMultiplier,
			},
		})

		plan, err := e.sched.Submit(opp, decision)
		if err != nil {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("plan not created")
			continue
		}
		e.bus.Publish(events.Event{
			Type: events.EventPlanCreated,
			Data: map[string]interface{}{
				"plan_id": plan.ID,
				"symbol":  plan.Symbol,
				"side":    string(plan.Side),
				"score":   plan.Score,
				"margin":  plan.Margin,
			},
		})
	}
}

func (e *Engine) activePlans() int {
	n := 0
	for _, p := range e.sched.Plans() {
		if !p.Terminal() {
			n++
		}
	}
	return n
}

// fetchWindows loads the candle set the scorer evaluates.
func (e *Engine) fetchWindows(ctx context.Context, symbol string) (signal.Windows, error) {
	w := signal.Windows{}
	for _, req := range []struct {
		tf    market.Timeframe
		count int
	}{
		{market.Timeframe5m, fetch5m},
		{market.Timeframe15m, fetch15m},
		{market.Timeframe1h, fetch1h},
	} {
		candles, err := e.feed.GetCandles(ctx, symbol, req.tf, req.count)
		if err != nil {
			return nil, err
		}
		w[req.tf] = candles
	}
	return w, nil
}

// reconcile adopts exchange-side positions the engine does not know,
// so a restart never leaves fills unmonitored.
func (e *Engine) reconcile(ctx context.Context) error {
	refs, err := e.gw.GetOpenPositions(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]bool)
	for _, p := range e.store.Open() {
		known[p.Symbol+"|"+string(p.Side)] = true
	}

	settings := e.cfg.Settings()
	adopted := 0
	for _, ref := range refs {
		if known[ref.Symbol+"|"+string(ref.Side)] {
			continue
		}
		now := time.Now()
		pos := &position.Position{
			ID:         uuid.New().String(),
			Symbol:     ref.Symbol,
			Side:       ref.Side,
			EntryPrice: ref.EntryPrice,
			Quantity:   ref.Quantity,
			Leverage:   ref.Leverage,
			OpenedAt:   now,
			Status:     position.StatusOpen,
			StopLossPrice: stopFor(ref.Side, ref.EntryPrice,
				settings.Entry.StopLossPct),
			TakeProfitPrice: profitFor(ref.Side, ref.EntryPrice,
				settings.Entry.TakeProfitPct),
			TimeoutAt: now.Add(settings.Entry.MaxHold),
		}
		pos.UpdateExcursion(ref.EntryPrice)
		e.store.Adopt(pos)
		adopted++
		e.logger.Warn().
			Str("symbol", ref.Symbol).
			Str("side", string(ref.Side)).
			Float64("quantity", ref.Quantity).
			Msg("adopted untracked exchange position")
	}
	if adopted > 0 {
		e.logger.Info().Int("adopted", adopted).Msg("startup reconciliation complete")
	}
	return nil
}

// publishReadModels mirrors the live state into Redis and the gauges.
func (e *Engine) publishReadModels(ctx context.Context) {
	total, locked, free := e.store.Balance()
	e.rec.SetOpenPositions(len(e.store.Open()))
	e.rec.SetFreeMargin(free)

	if e.pub == nil {
		return
	}
	if st := e.detector.Current(); st != nil {
		e.pub.PublishRegime(ctx, st)
	}
	e.pub.PublishProtection(ctx, e.detector.Protection().Active())
	e.pub.PublishBreaker(ctx, e.breaker.Status())
	e.pub.PublishBalance(ctx, total, locked, free)
}

// wireEvents connects component callbacks to the bus and metrics.
func (e *Engine) wireEvents(protection *regime.ProtectionSet) {
	protection.OnRaise(func(w regime.Window) {
		e.bus.PublishProtectionRaised(string(w.DirectionBanned), w.ExpiresAt)
	})
	e.breaker.OnTrip(func(reason string) {
		e.rec.RecordBreakerTrip()
		e.bus.PublishBreakerTripped(reason)
	})
	e.breaker.OnArm(func() {
		e.bus.PublishBreakerArmed()
	})
	e.sched.OnPositionOpened(func(p *position.Position) {
		e.rec.RecordBatchFired(e.batchWasForced(p.PlanID, p.BatchIndex))
		e.bus.PublishTradeOpened(p.ID, p.PlanID, p.Symbol, string(p.Side),
			p.BatchIndex, p.EntryPrice, p.Quantity)
	})
	e.sched.OnPlanEnded(func(p *entry.Plan) {
		e.bus.Publish(events.Event{
			Type: events.EventPlanEnded,
			Data: map[string]interface{}{
				"plan_id": p.ID,
				"symbol":  p.Symbol,
				"state":   string(p.State),
				"reason":  p.EndReason,
			},
		})
	})
	e.mon.OnClosed(func(rec position.ClosedTradeRecord) {
		e.rec.RecordTradeClosed(string(rec.CloseReason), rec.RealizedPnL)
		e.bus.PublishTradeClosed(rec.PositionID, rec.Symbol, string(rec.Side),
			string(rec.CloseReason), rec.ClosePrice, rec.RealizedPnL, rec.PnLPercent)
	})
}

func (e *Engine) batchWasForced(planID string, batchIndex int) bool {
	for _, p := range e.sched.Plans() {
		if p.ID != planID {
			continue
		}
		if batchIndex >= 1 && batchIndex <= len(p.Batches) {
			return p.Batches[batchIndex-1].Forced
		}
	}
	return false
}

func stopFor(side signal.Side, price, pct float64) float64 {
	if side == signal.SideLong {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}

func profitFor(side signal.Side, price, pct float64) float64 {
	if side == signal.SideLong {
		return price * (1 + pct/100)
	}
	return price * (1 - pct/100)
}
