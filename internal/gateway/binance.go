package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"futures-signal-bot/internal/signal"
)

// BinanceGateway executes market orders on Binance USDT-M futures.
type BinanceGateway struct {
	client *futures.Client
	logger zerolog.Logger
}

// NewBinanceGateway wraps an authenticated futures client.
func NewBinanceGateway(client *futures.Client, logger zerolog.Logger) *BinanceGateway {
	return &BinanceGateway{
		client: client,
		logger: logger.With().Str("component", "BinanceGateway").Logger(),
	}
}

// OpenPosition sets leverage then fires a market order. The fill price is
// taken from the order's average price.
func (g *BinanceGateway) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if err := g.withRetry(ctx, func() error {
		_, err := g.client.NewChangeLeverageService().
			Symbol(req.Symbol).
			Leverage(req.Leverage).
			Do(ctx)
		return err
	}); err != nil {
		return OpenResult{}, fmt.Errorf("set leverage %s: %w", req.Symbol, classify(err))
	}

	orderSide := futures.SideTypeBuy
	if req.Side == signal.SideShort {
		orderSide = futures.SideTypeSell
	}

	var order *futures.CreateOrderResponse
	err := g.withRetry(ctx, func() error {
		var err error
		order, err = g.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(orderSide).
			Type(futures.OrderTypeMarket).
			Quantity(formatQuantity(req.Quantity)).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
		return err
	})
	if err != nil {
		return OpenResult{}, fmt.Errorf("open %s %s: %w", req.Side, req.Symbol, classify(err))
	}

	fill, err := strconv.ParseFloat(order.AvgPrice, 64)
	if err != nil || fill <= 0 {
		return OpenResult{}, &PermanentError{Err: fmt.Errorf("order %d filled without average price", order.OrderID)}
	}

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Float64("fill_price", fill).
		Int64("order_id", order.OrderID).
		Msg("position opened")

	return OpenResult{
		Ref:       strconv.FormatInt(order.OrderID, 10),
		FillPrice: fill,
	}, nil
}

// ClosePosition fires a reduce-only market order in the opposite direction.
func (g *BinanceGateway) ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error) {
	orderSide := futures.SideTypeSell
	if req.Side == signal.SideShort {
		orderSide = futures.SideTypeBuy
	}

	var order *futures.CreateOrderResponse
	err := g.withRetry(ctx, func() error {
		var err error
		order, err = g.client.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(orderSide).
			Type(futures.OrderTypeMarket).
			Quantity(formatQuantity(req.Quantity)).
			ReduceOnly(true).
			NewOrderResponseType(futures.NewOrderRespTypeRESULT).
			Do(ctx)
		return err
	})
	if err != nil {
		return CloseResult{}, fmt.Errorf("close %s %s: %w", req.Side, req.Symbol, classify(err))
	}

	closePrice, err := strconv.ParseFloat(order.AvgPrice, 64)
	if err != nil || closePrice <= 0 {
		return CloseResult{}, &PermanentError{Err: fmt.Errorf("close order %d filled without average price", order.OrderID)}
	}

	pnl := g.fetchRealizedPnL(ctx, req.Symbol, order.OrderID)

	g.logger.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("reason", req.Reason).
		Float64("close_price", closePrice).
		Float64("realized_pnl", pnl).
		Msg("position closed")

	return CloseResult{ClosePrice: closePrice, RealizedPnL: pnl}, nil
}

// GetOpenPositions lists nonzero exchange-side positions.
func (g *BinanceGateway) GetOpenPositions(ctx context.Context) ([]PositionRef, error) {
	var risks []*futures.PositionRisk
	err := g.withRetry(ctx, func() error {
		var err error
		risks, err = g.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", classify(err))
	}

	var out []PositionRef
	for _, r := range risks {
		amt, err := strconv.ParseFloat(r.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		lev, _ := strconv.Atoi(r.Leverage)

		side := signal.SideLong
		qty := amt
		if amt < 0 {
			side = signal.SideShort
			qty = -amt
		}
		out = append(out, PositionRef{
			Symbol:     r.Symbol,
			Side:       side,
			Quantity:   qty,
			EntryPrice: entry,
			Leverage:   lev,
		})
	}
	return out, nil
}

// fetchRealizedPnL sums the realized PnL of the fills behind one order.
// A lookup failure is logged and reported as zero; the trade record stays
// usable either way.
func (g *BinanceGateway) fetchRealizedPnL(ctx context.Context, symbol string, orderID int64) float64 {
	trades, err := g.client.NewListAccountTradeService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Int64("order_id", orderID).Msg("realized pnl lookup failed")
		return 0
	}
	var pnl float64
	for _, t := range trades {
		v, err := strconv.ParseFloat(t.RealizedPnl, 64)
		if err == nil {
			pnl += v
		}
	}
	return pnl
}

// withRetry runs op with exponential backoff, retrying transient errors
// only. The budget is short: a stuck order attempt is better surfaced to
// the caller than retried for minutes.
func (g *BinanceGateway) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), 3), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(classify(err)) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// classify maps a raw client error onto Transient or Permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		// -1003 rate limit, -1007 timeout, -1001 internal error
		case -1003, -1007, -1001:
			return &TransientError{Err: err}
		default:
			return &PermanentError{Err: err}
		}
	}
	// Anything not an API rejection is assumed to be a network fault.
	if strings.Contains(err.Error(), "context canceled") {
		return &PermanentError{Err: err}
	}
	return &TransientError{Err: err}
}

// formatQuantity renders a quantity the way the exchange expects, with
// trailing zeros trimmed.
func formatQuantity(q float64) string {
	s := strconv.FormatFloat(q, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
