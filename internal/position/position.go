// Package position holds the position lifecycle model and the in-memory
// store shared by the scheduler, the monitor and the circuit breaker.
package position

import (
	"time"

	"futures-signal-bot/internal/signal"
)

// Status is the position lifecycle stage. A CLOSED position is terminal
// and never resurrected.
type Status string

const (
	StatusPendingBatch Status = "PENDING_BATCH"
	StatusOpen         Status = "OPEN"
	StatusClosed       Status = "CLOSED"
)

// CloseReason tags why a position was closed. Downstream analysis (the
// circuit breaker included) classifies trades by the numeric PnL
// percentage, never by parsing this tag.
type CloseReason string

const (
	CloseHardStopLoss    CloseReason = "hard_stop_loss"
	CloseHardTakeProfit  CloseReason = "hard_take_profit"
	CloseReversalLoss    CloseReason = "reversal_loss"
	ClosePeakDetected    CloseReason = "peak_detected"
	CloseStagedTimeout   CloseReason = "staged_timeout"
	CloseAbsoluteTimeout CloseReason = "absolute_timeout"
	CloseSignalDecay     CloseReason = "signal_decay"
	CloseCircuitBreaker  CloseReason = "circuit_breaker"
	CloseReconciled      CloseReason = "reconciled_external"
)

// Position is one independently tracked batch fill. Every batch of an
// entry plan creates its own Position; batches are never merged.
type Position struct {
	ID         string      `json:"id"`
	PlanID     string      `json:"plan_id,omitempty"`
	Symbol     string      `json:"symbol"`
	Side       signal.Side `json:"side"`
	EntryPrice float64     `json:"entry_price"`
	Quantity   float64     `json:"quantity"`
	Margin     float64     `json:"margin"`
	Leverage   int         `json:"leverage"`
	BatchIndex int         `json:"batch_index"`
	OpenedAt   time.Time   `json:"opened_at"`
	Status     Status      `json:"status"`

	StopLossPrice     float64   `json:"stop_loss_price"`
	TakeProfitPrice   float64   `json:"take_profit_price"`
	MaxFavorablePrice float64   `json:"max_favorable_price"`
	TimeoutAt         time.Time `json:"timeout_at"`

	// Entry signal context kept for decay re-checks.
	EntryScore      float64  `json:"entry_score"`
	EntryComponents []string `json:"entry_components"`
	LastDecayCheck  time.Time `json:"last_decay_check"`

	// Close outcome, set exactly once.
	ClosePrice  float64     `json:"close_price,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
	PnLPercent  float64     `json:"pnl_percent,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	ClosedAt    time.Time   `json:"closed_at,omitempty"`

	// LastError surfaces the most recent failed operation to the read
	// model; the engine never blocks on it.
	LastError string `json:"last_error,omitempty"`

	GatewayRef string `json:"gateway_ref,omitempty"`
}

// UnrealizedPnLPercent returns the price move in percent in the
// position's favor (negative when losing). Thresholds in the exit ladder
// are price-move percentages, not leveraged ROI.
func (p *Position) UnrealizedPnLPercent(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	if p.Side == signal.SideLong {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// FavorableExcursionPercent returns the best unrealized gain reached so
// far, derived from MaxFavorablePrice.
func (p *Position) FavorableExcursionPercent() float64 {
	if p.MaxFavorablePrice <= 0 {
		return 0
	}
	return p.UnrealizedPnLPercent(p.MaxFavorablePrice)
}

// UpdateExcursion advances MaxFavorablePrice when price improves in the
// position's direction. Called every monitor cycle.
func (p *Position) UpdateExcursion(price float64) {
	if p.MaxFavorablePrice == 0 {
		p.MaxFavorablePrice = price
		return
	}
	if p.Side == signal.SideLong && price > p.MaxFavorablePrice {
		p.MaxFavorablePrice = price
	}
	if p.Side == signal.SideShort && price < p.MaxFavorablePrice {
		p.MaxFavorablePrice = price
	}
}

// ClosedTradeRecord is the append-only close log entry consumed by the
// circuit breaker as a sliding window.
type ClosedTradeRecord struct {
	PositionID  string      `json:"position_id"`
	Symbol      string      `json:"symbol"`
	Side        signal.Side `json:"side"`
	ClosePrice  float64     `json:"close_price"`
	RealizedPnL float64     `json:"realized_pnl"`
	PnLPercent  float64     `json:"pnl_percent"`
	CloseReason CloseReason `json:"close_reason"`
	ClosedAt    time.Time   `json:"closed_at"`
}
