package database

import (
	"context"
	"fmt"
	"time"

	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/signal"
)

// PositionRepository implements position.Repository on PostgreSQL.
type PositionRepository struct {
	db *DB
}

// NewPositionRepository wraps the database.
func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// SavePosition upserts a position row.
func (r *PositionRepository) SavePosition(ctx context.Context, p *position.Position) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (
			id, plan_id, symbol, side, entry_price, quantity, margin, leverage,
			batch_index, opened_at, status, stop_loss_price, take_profit_price,
			entry_score, entry_components, gateway_ref, updated_at
		) VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.PlanID, p.Symbol, string(p.Side), p.EntryPrice, p.Quantity,
		p.Margin, p.Leverage, p.BatchIndex, p.OpenedAt, string(p.Status),
		p.StopLossPrice, p.TakeProfitPrice, p.EntryScore, p.EntryComponents,
		p.GatewayRef, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save position %s: %w", p.ID, err)
	}
	return nil
}

// UpdatePosition writes the mutable lifecycle fields.
func (r *PositionRepository) UpdatePosition(ctx context.Context, p *position.Position) error {
	var closedAt interface{}
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt
	}
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE positions SET
			status = $2,
			close_price = $3,
			realized_pnl = $4,
			pnl_percent = $5,
			close_reason = $6,
			closed_at = $7,
			updated_at = $8
		WHERE id = $1`,
		p.ID, string(p.Status), p.ClosePrice, p.RealizedPnL, p.PnLPercent,
		string(p.CloseReason), closedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	return nil
}

// InsertClosedTrade appends to the closed-trade log.
func (r *PositionRepository) InsertClosedTrade(ctx context.Context, rec position.ClosedTradeRecord) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO closed_trades (position_id, symbol, side, close_price, realized_pnl, pnl_percent, close_reason, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.PositionID, rec.Symbol, string(rec.Side), rec.ClosePrice,
		rec.RealizedPnL, rec.PnLPercent, string(rec.CloseReason), rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert closed trade for %s: %w", rec.PositionID, err)
	}
	return nil
}

// RecentClosedTrades loads the newest records, oldest first, used to
// warm the in-memory log after a restart.
func (r *PositionRepository) RecentClosedTrades(ctx context.Context, limit int) ([]position.ClosedTradeRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT position_id, symbol, side, close_price, realized_pnl, pnl_percent, close_reason, closed_at
		FROM closed_trades
		ORDER BY closed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("load closed trades: %w", err)
	}
	defer rows.Close()

	var out []position.ClosedTradeRecord
	for rows.Next() {
		var rec position.ClosedTradeRecord
		var side, reason string
		if err := rows.Scan(&rec.PositionID, &rec.Symbol, &side, &rec.ClosePrice,
			&rec.RealizedPnL, &rec.PnLPercent, &reason, &rec.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closed trade: %w", err)
		}
		rec.Side = signal.Side(side)
		rec.CloseReason = position.CloseReason(reason)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first so the breaker window reads naturally.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
