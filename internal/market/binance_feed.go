package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
)

// BinanceFeed serves candles and live prices from Binance USD-M futures.
// Candle series are cached with a short TTL; live prices are kept fresh by
// the mark-price stream and fall back to REST when the stream is cold.
type BinanceFeed struct {
	client *futures.Client
	cache  *DataCache
	logger zerolog.Logger
}

// NewBinanceFeed creates a feed backed by the given futures client.
func NewBinanceFeed(client *futures.Client, cache *DataCache, logger zerolog.Logger) *BinanceFeed {
	return &BinanceFeed{
		client: client,
		cache:  cache,
		logger: logger.With().Str("component", "BinanceFeed").Logger(),
	}
}

// GetCandles returns the last count candles for a symbol, oldest first.
// The newest candle may still be forming and is marked Final=false.
func (f *BinanceFeed) GetCandles(ctx context.Context, symbol string, tf Timeframe, count int) ([]Candle, error) {
	if cached := f.cache.GetCandles(symbol, tf, count); cached != nil {
		return cached, nil
	}

	klines, err := f.client.NewKlinesService().
		Symbol(symbol).
		Interval(string(tf)).
		Limit(count).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s klines: %w", symbol, tf, err)
	}

	now := time.Now()
	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c := Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			Final:     time.UnixMilli(k.CloseTime).Before(now),
		}
		candles = append(candles, c)
	}

	f.cache.SetCandles(symbol, tf, candles)
	return candles, nil
}

// GetLivePrice returns the current mark price for a symbol.
func (f *BinanceFeed) GetLivePrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := f.cache.GetPrice(symbol); ok {
		return price, nil
	}

	marks, err := f.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil || len(marks) == 0 {
		f.logger.Debug().Str("symbol", symbol).Err(err).Msg("mark price lookup failed")
		return 0, ErrPriceUnavailable
	}

	price := parseFloat(marks[0].MarkPrice)
	if price <= 0 {
		return 0, ErrPriceUnavailable
	}
	f.cache.SetPrice(symbol, price)
	return price, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
