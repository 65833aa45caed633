// Package entry staggers accepted opportunities into three batched fills,
// each waiting for a pullback confirmation candle or a timeout.
package entry

import (
	"time"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/signal"
)

// PlanState is the entry plan lifecycle stage.
type PlanState string

const (
	StateAwaitingBatch1 PlanState = "AWAITING_BATCH_1"
	StateAwaitingBatch2 PlanState = "AWAITING_BATCH_2"
	StateAwaitingBatch3 PlanState = "AWAITING_BATCH_3"
	StateComplete       PlanState = "COMPLETE"
	StateExpired        PlanState = "EXPIRED"
)

// BatchStatus tracks one batch within a plan.
type BatchStatus string

const (
	BatchPending BatchStatus = "PENDING"
	BatchFired   BatchStatus = "FIRED"
	BatchFailed  BatchStatus = "FAILED"
)

// Batch is one staged fill. The wait flag opens when the batch becomes
// current; its expiry triggers a force-fire at market.
type Batch struct {
	Index     int              `json:"index"`
	Ratio     float64          `json:"ratio"`
	Timeframe market.Timeframe `json:"timeframe"`
	Status    BatchStatus      `json:"status"`
	Wait      *expiry.Flag     `json:"-"`
	StartedAt time.Time        `json:"started_at,omitempty"`
	FiredAt   time.Time        `json:"fired_at,omitempty"`
	// Forced marks a timeout fire rather than a confirmation fire.
	Forced     bool    `json:"forced,omitempty"`
	FillPrice  float64 `json:"fill_price,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
}

// Plan is one accepted opportunity being worked into positions.
type Plan struct {
	ID     string      `json:"id"`
	Symbol string      `json:"symbol"`
	Side   signal.Side `json:"side"`

	// Entry signal context carried onto each opened position.
	Score      float64  `json:"score"`
	Components []string `json:"components"`

	// Margin is the total margin across all batches, size multiplier
	// already applied.
	Margin   float64 `json:"margin"`
	Leverage int     `json:"leverage"`

	State     PlanState `json:"state"`
	Batches   []*Batch  `json:"batches"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	// EndReason explains a terminal EXPIRED state.
	EndReason string `json:"end_reason,omitempty"`
}

// currentBatch returns the batch the plan is waiting on, nil when terminal.
func (p *Plan) currentBatch() *Batch {
	switch p.State {
	case StateAwaitingBatch1:
		return p.Batches[0]
	case StateAwaitingBatch2:
		return p.Batches[1]
	case StateAwaitingBatch3:
		return p.Batches[2]
	}
	return nil
}

// advance moves the plan past a resolved batch (fired or failed).
func (p *Plan) advance(clock expiry.Clock, wait time.Duration) {
	switch p.State {
	case StateAwaitingBatch1:
		p.State = StateAwaitingBatch2
		p.Batches[1].open(clock, wait)
	case StateAwaitingBatch2:
		p.State = StateAwaitingBatch3
		p.Batches[2].open(clock, wait)
	case StateAwaitingBatch3:
		p.State = StateComplete
		p.EndedAt = clock()
	}
}

// Terminal reports whether the plan is finished.
func (p *Plan) Terminal() bool {
	return p.State == StateComplete || p.State == StateExpired
}

func (b *Batch) open(clock expiry.Clock, wait time.Duration) {
	b.StartedAt = clock()
	b.Wait.Raise(wait)
}
