package entry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/filter"
	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/signal"
)

// Config tunes the batch ladder and position parameters.
type Config struct {
	// BatchRatios split the plan margin across the three batches; they
	// must sum to 1.0.
	BatchRatios [3]float64 `json:"batch_ratios"`
	// Batch1Timeframe is the coarse confirmation timeframe; the finer one
	// confirms batches 2 and 3.
	Batch1Timeframe market.Timeframe `json:"batch1_timeframe"`
	Batch2Timeframe market.Timeframe `json:"batch2_timeframe"`
	// BatchWait bounds how long each batch waits for its confirmation
	// candle before force-firing.
	BatchWait time.Duration `json:"batch_wait"`
	// Batch3MinSpacing is the minimum gap after batch 2 fires.
	Batch3MinSpacing time.Duration `json:"batch3_min_spacing"`

	// BaseMargin is the margin per plan before the size multiplier.
	BaseMargin float64 `json:"base_margin"`
	Leverage   int     `json:"leverage"`

	StopLossPct   float64       `json:"stop_loss_pct"`
	TakeProfitPct float64       `json:"take_profit_pct"`
	MaxHold       time.Duration `json:"max_hold"`
}

// DefaultConfig returns the standard 30/30/40 ladder.
func DefaultConfig() Config {
	return Config{
		BatchRatios:      [3]float64{0.30, 0.30, 0.40},
		Batch1Timeframe:  market.Timeframe15m,
		Batch2Timeframe:  market.Timeframe5m,
		BatchWait:        30 * time.Minute,
		Batch3MinSpacing: 5 * time.Minute,
		BaseMargin:       100,
		Leverage:         10,
		StopLossPct:      2.0,
		TakeProfitPct:    5.0,
		MaxHold:          3 * time.Hour,
	}
}

// Scheduler works accepted opportunities into staged positions.
type Scheduler struct {
	mu    sync.Mutex
	plans map[string]*Plan // by plan ID

	feed       market.Feed
	gw         gateway.Gateway
	store      *position.Store
	protection *regime.ProtectionSet
	settings   func() Config
	clock      expiry.Clock
	logger     zerolog.Logger

	onOpened    func(*position.Position)
	onPlanEnded func(*Plan)
}

// NewScheduler creates an empty scheduler.
func NewScheduler(feed market.Feed, gw gateway.Gateway, store *position.Store, protection *regime.ProtectionSet, settings func() Config, clock expiry.Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		plans:      make(map[string]*Plan),
		feed:       feed,
		gw:         gw,
		store:      store,
		protection: protection,
		settings:   settings,
		clock:      clock,
		logger:     logger.With().Str("component", "BatchScheduler").Logger(),
	}
}

// OnPositionOpened registers a callback fired per opened batch position.
func (s *Scheduler) OnPositionOpened(fn func(*position.Position)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpened = fn
}

// OnPlanEnded registers a callback fired when a plan completes or expires.
func (s *Scheduler) OnPlanEnded(fn func(*Plan)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPlanEnded = fn
}

// Submit turns an accepted opportunity into a plan. At most one active
// plan per symbol; a duplicate submission is dropped.
func (s *Scheduler) Submit(opp *signal.Opportunity, decision filter.Decision) (*Plan, error) {
	if !decision.Accepted {
		return nil, fmt.Errorf("submit of rejected opportunity for %s", opp.Symbol)
	}
	cfg := s.settings()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.plans {
		if p.Symbol == opp.Symbol && !p.Terminal() {
			return nil, fmt.Errorf("active plan already exists for %s", opp.Symbol)
		}
	}

	plan := &Plan{
		ID:         uuid.New().String(),
		Symbol:     opp.Symbol,
		Side:       opp.Side,
		Score:      decision.Score,
		Components: opp.Components,
		Margin:     cfg.BaseMargin * decision.SizeMultiplier,
		Leverage:   cfg.Leverage,
		State:      StateAwaitingBatch1,
		CreatedAt:  s.clock(),
	}
	timeframes := [3]market.Timeframe{cfg.Batch1Timeframe, cfg.Batch2Timeframe, cfg.Batch2Timeframe}
	for i := 0; i < 3; i++ {
		plan.Batches = append(plan.Batches, &Batch{
			Index:     i + 1,
			Ratio:     cfg.BatchRatios[i],
			Timeframe: timeframes[i],
			Status:    BatchPending,
			Wait:      expiry.NewFlag(s.clock),
		})
	}
	plan.Batches[0].open(s.clock, cfg.BatchWait)

	s.plans[plan.ID] = plan
	s.logger.Info().
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Str("side", string(plan.Side)).
		Float64("score", plan.Score).
		Float64("margin", plan.Margin).
		Msg("entry plan created")
	return plan, nil
}

// Tick advances every active plan one step. Plan failures are isolated;
// one symbol's gateway error never blocks the others.
func (s *Scheduler) Tick(ctx context.Context) {
	cfg := s.settings()

	s.mu.Lock()
	active := make([]*Plan, 0, len(s.plans))
	for _, p := range s.plans {
		if !p.Terminal() {
			active = append(active, p)
		}
	}
	s.mu.Unlock()

	for _, plan := range active {
		s.advancePlan(ctx, plan, cfg)
	}
	s.collectTerminal()
}

// Plans returns deep-copied snapshots of all tracked plans. The read
// model (API handlers, JSON marshaling) must never see the live structs
// Tick mutates.
func (s *Scheduler) Plans() []Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, snapshotPlan(p))
	}
	return out
}

// snapshotPlan copies a plan and its batches. The wait flags stay with
// the scheduler; they are not part of the read model.
func snapshotPlan(p *Plan) Plan {
	cp := *p
	cp.Batches = make([]*Batch, len(p.Batches))
	for i, b := range p.Batches {
		bc := *b
		bc.Wait = nil
		cp.Batches[i] = &bc
	}
	return cp
}

func (s *Scheduler) advancePlan(ctx context.Context, plan *Plan, cfg Config) {
	// Deep-reversal protection on the plan's side cancels everything
	// still unfired rather than force-firing into the reversal.
	if s.protection != nil && s.protection.Banned(plan.Side) {
		s.expirePlan(plan, fmt.Sprintf("protection window bans %s entries", plan.Side))
		return
	}

	batch := plan.currentBatch()
	if batch == nil {
		return
	}

	// Batch 3 additionally waits out the spacing gap after batch 2.
	if batch.Index == 3 {
		prev := plan.Batches[1]
		if prev.Status == BatchFired && s.clock().Sub(prev.FiredAt) < cfg.Batch3MinSpacing {
			return
		}
	}

	confirmed, err := s.pullbackConfirmed(ctx, plan, batch)
	if err != nil {
		// Missing candle data skips the plan for this cycle.
		s.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("confirmation check failed")
		return
	}

	forced := !batch.Wait.Active()
	if !confirmed && !forced {
		return
	}
	s.fireBatch(ctx, plan, batch, cfg, forced && !confirmed)
}

// pullbackConfirmed looks for a closed candle on the batch timeframe that
// moved against the plan's side and closed after the batch opened.
func (s *Scheduler) pullbackConfirmed(ctx context.Context, plan *Plan, batch *Batch) (bool, error) {
	candles, err := s.feed.GetCandles(ctx, plan.Symbol, batch.Timeframe, 10)
	if err != nil {
		return false, err
	}
	for _, c := range market.FinalOnly(candles) {
		closeTime := c.OpenTime.Add(batch.Timeframe.Duration())
		if closeTime.Before(batch.StartedAt) || closeTime.After(s.clock()) {
			continue
		}
		if plan.Side == signal.SideLong && c.Bearish() {
			return true, nil
		}
		if plan.Side == signal.SideShort && c.Bullish() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) fireBatch(ctx context.Context, plan *Plan, batch *Batch, cfg Config, forced bool) {
	price, err := s.feed.GetLivePrice(ctx, plan.Symbol)
	if err != nil {
		s.setBatchError(batch, err)
		return
	}

	batchMargin := plan.Margin * batch.Ratio
	quantity := batchMargin * float64(plan.Leverage) / price

	// Reserving margin is checked up front so a filled order is never
	// rolled back for a local bookkeeping failure.
	if _, _, free := s.store.Balance(); free < batchMargin {
		s.failBatch(plan, batch, cfg, fmt.Errorf("insufficient free margin: need %.2f, have %.2f", batchMargin, free))
		return
	}

	res, err := s.gw.OpenPosition(ctx, gateway.OpenRequest{
		Symbol:   plan.Symbol,
		Side:     plan.Side,
		Quantity: quantity,
		Leverage: plan.Leverage,
	})
	if err != nil {
		if gateway.IsTransient(err) {
			// Left pending; the next tick retries the same batch.
			s.setBatchError(batch, err)
			s.logger.Warn().Err(err).Str("plan_id", plan.ID).Int("batch", batch.Index).
				Msg("transient open failure, will retry")
			return
		}
		s.failBatch(plan, batch, cfg, err)
		return
	}

	now := s.clock()
	pos := &position.Position{
		ID:              uuid.New().String(),
		PlanID:          plan.ID,
		Symbol:          plan.Symbol,
		Side:            plan.Side,
		EntryPrice:      res.FillPrice,
		Quantity:        quantity,
		Margin:          batchMargin,
		Leverage:        plan.Leverage,
		BatchIndex:      batch.Index,
		OpenedAt:        now,
		Status:          position.StatusOpen,
		StopLossPrice:   stopPrice(plan.Side, res.FillPrice, cfg.StopLossPct),
		TakeProfitPrice: profitPrice(plan.Side, res.FillPrice, cfg.TakeProfitPct),
		TimeoutAt:       now.Add(cfg.MaxHold),
		EntryScore:      plan.Score,
		EntryComponents: plan.Components,
		GatewayRef:      res.Ref,
	}
	pos.UpdateExcursion(res.FillPrice)

	if err := s.store.Add(pos); err != nil {
		s.failBatch(plan, batch, cfg, fmt.Errorf("position filled but not tracked, reconcile manually: %w", err))
		return
	}

	s.mu.Lock()
	batch.Status = BatchFired
	batch.FiredAt = now
	batch.Forced = forced
	batch.FillPrice = res.FillPrice
	batch.PositionID = pos.ID
	batch.LastError = ""
	s.mu.Unlock()

	s.logger.Info().
		Str("plan_id", plan.ID).
		Int("batch", batch.Index).
		Bool("forced", forced).
		Float64("fill_price", res.FillPrice).
		Float64("quantity", quantity).
		Msg("batch fired")

	s.afterBatch(plan, cfg)
	if s.onOpened != nil {
		s.onOpened(pos)
	}
}

// failBatch marks a batch terminally failed and moves on. Lower batches
// still get their chance.
func (s *Scheduler) failBatch(plan *Plan, batch *Batch, cfg Config, err error) {
	s.mu.Lock()
	batch.Status = BatchFailed
	batch.LastError = err.Error()
	s.mu.Unlock()
	s.logger.Error().Err(err).
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Int("batch", batch.Index).
		Msg("batch failed permanently")
	s.afterBatch(plan, cfg)
}

func (s *Scheduler) afterBatch(plan *Plan, cfg Config) {
	s.mu.Lock()
	plan.advance(s.clock, cfg.BatchWait)
	terminal := plan.Terminal()
	s.mu.Unlock()
	if terminal {
		s.endPlan(plan)
	}
}

// setBatchError records a retryable batch error under the lock so the
// read model never races the write.
func (s *Scheduler) setBatchError(batch *Batch, err error) {
	s.mu.Lock()
	batch.LastError = err.Error()
	s.mu.Unlock()
}

func (s *Scheduler) expirePlan(plan *Plan, reason string) {
	s.mu.Lock()
	plan.State = StateExpired
	plan.EndedAt = s.clock()
	plan.EndReason = reason
	s.mu.Unlock()
	s.logger.Info().
		Str("plan_id", plan.ID).
		Str("symbol", plan.Symbol).
		Str("reason", reason).
		Msg("entry plan expired")
	s.endPlan(plan)
}

func (s *Scheduler) endPlan(plan *Plan) {
	if s.onPlanEnded != nil {
		s.onPlanEnded(plan)
	}
}

// collectTerminal drops finished plans after a retention window so the
// read model can still show recent outcomes.
func (s *Scheduler) collectTerminal() {
	const retention = time.Hour
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.plans {
		if p.Terminal() && s.clock().Sub(p.EndedAt) > retention {
			delete(s.plans, id)
		}
	}
}

func stopPrice(side signal.Side, fill, pct float64) float64 {
	if side == signal.SideLong {
		return fill * (1 - pct/100)
	}
	return fill * (1 + pct/100)
}

func profitPrice(side signal.Side, fill, pct float64) float64 {
	if side == signal.SideLong {
		return fill * (1 + pct/100)
	}
	return fill * (1 - pct/100)
}
