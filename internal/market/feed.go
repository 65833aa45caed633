package market

import (
	"context"
	"errors"
)

// ErrPriceUnavailable is returned when no live price is known for a symbol.
var ErrPriceUnavailable = errors.New("live price unavailable")

// Feed supplies candles and a best-effort live price per symbol.
//
// GetCandles returns candles ordered oldest to newest; the last one may
// still be forming (Final=false). Implementations may serve from cache.
type Feed interface {
	GetCandles(ctx context.Context, symbol string, tf Timeframe, count int) ([]Candle, error)
	GetLivePrice(ctx context.Context, symbol string) (float64, error)
}
