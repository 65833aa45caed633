package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/signal"
)

// MockGateway simulates fills at the feed's live price. Dry-run mode and
// the test suites run against it.
type MockGateway struct {
	mu       sync.Mutex
	feed     market.Feed
	open     map[string]PositionRef // keyed by ref
	failNext error
	logger   zerolog.Logger

	Opens  []OpenRequest
	Closes []CloseRequest
}

// NewMockGateway creates a mock that prices fills off the given feed.
func NewMockGateway(feed market.Feed, logger zerolog.Logger) *MockGateway {
	return &MockGateway{
		feed:   feed,
		open:   make(map[string]PositionRef),
		logger: logger.With().Str("component", "MockGateway").Logger(),
	}
}

// FailNext makes the next gateway call return err once.
func (g *MockGateway) FailNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = err
}

func (g *MockGateway) takeFailure() error {
	err := g.failNext
	g.failNext = nil
	return err
}

// OpenPosition records the request and fills at the live feed price.
func (g *MockGateway) OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return OpenResult{}, err
	}

	price, err := g.feed.GetLivePrice(ctx, req.Symbol)
	if err != nil {
		return OpenResult{}, &TransientError{Err: fmt.Errorf("simulated fill: %w", err)}
	}

	ref := uuid.New().String()
	g.open[ref] = PositionRef{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: price,
		Leverage:   req.Leverage,
	}
	g.Opens = append(g.Opens, req)
	g.logger.Debug().Str("symbol", req.Symbol).Str("side", string(req.Side)).
		Float64("fill_price", price).Msg("simulated open")
	return OpenResult{Ref: ref, FillPrice: price}, nil
}

// ClosePosition fills the close at the live feed price and computes PnL
// against the simulated entry.
func (g *MockGateway) ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return CloseResult{}, err
	}

	price, err := g.feed.GetLivePrice(ctx, req.Symbol)
	if err != nil {
		return CloseResult{}, &TransientError{Err: fmt.Errorf("simulated close: %w", err)}
	}

	var pnl float64
	for ref, p := range g.open {
		if p.Symbol != req.Symbol || p.Side != req.Side {
			continue
		}
		if p.Side == signal.SideLong {
			pnl = (price - p.EntryPrice) * req.Quantity
		} else {
			pnl = (p.EntryPrice - price) * req.Quantity
		}
		if req.Quantity >= p.Quantity {
			delete(g.open, ref)
		} else {
			p.Quantity -= req.Quantity
			g.open[ref] = p
		}
		break
	}

	g.Closes = append(g.Closes, req)
	g.logger.Debug().Str("symbol", req.Symbol).Str("reason", req.Reason).
		Float64("close_price", price).Msg("simulated close")
	return CloseResult{ClosePrice: price, RealizedPnL: pnl}, nil
}

// GetOpenPositions returns the simulated exchange-side positions.
func (g *MockGateway) GetOpenPositions(context.Context) ([]PositionRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]PositionRef, 0, len(g.open))
	for _, p := range g.open {
		out = append(out, p)
	}
	return out, nil
}
