package market

import (
	"sync"
	"time"
)

// CachedCandles holds a candle series with its fetch time.
type CachedCandles struct {
	Data      []Candle
	UpdatedAt time.Time
}

// CachedPrice holds a live price with its update time.
type CachedPrice struct {
	Price     float64
	UpdatedAt time.Time
}

// DataCache provides thread-safe TTL caching for candles and live prices.
// Prices are normally kept fresh by the websocket stream; candle series
// are refreshed lazily by the REST feed.
type DataCache struct {
	candles sync.Map // "symbol:timeframe" -> *CachedCandles
	prices  sync.Map // symbol -> *CachedPrice

	candleTTL time.Duration
	priceTTL  time.Duration

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64
}

// NewDataCache creates a cache with the given staleness limits.
func NewDataCache(candleTTL, priceTTL time.Duration) *DataCache {
	if candleTTL <= 0 {
		candleTTL = time.Minute
	}
	if priceTTL <= 0 {
		priceTTL = 30 * time.Second
	}
	return &DataCache{candleTTL: candleTTL, priceTTL: priceTTL}
}

// GetCandles returns cached candles for a symbol/timeframe, nil when stale.
func (c *DataCache) GetCandles(symbol string, tf Timeframe, count int) []Candle {
	key := symbol + ":" + string(tf)
	if val, ok := c.candles.Load(key); ok {
		cached := val.(*CachedCandles)
		if time.Since(cached.UpdatedAt) < c.candleTTL && len(cached.Data) >= count {
			c.recordHit()
			data := cached.Data
			if len(data) > count {
				return data[len(data)-count:]
			}
			return data
		}
	}
	c.recordMiss()
	return nil
}

// SetCandles replaces the cached series for a symbol/timeframe.
func (c *DataCache) SetCandles(symbol string, tf Timeframe, candles []Candle) {
	key := symbol + ":" + string(tf)
	c.candles.Store(key, &CachedCandles{Data: candles, UpdatedAt: time.Now()})
}

// GetPrice returns the cached live price, false when missing or stale.
func (c *DataCache) GetPrice(symbol string) (float64, bool) {
	if val, ok := c.prices.Load(symbol); ok {
		cached := val.(*CachedPrice)
		if time.Since(cached.UpdatedAt) < c.priceTTL {
			c.recordHit()
			return cached.Price, true
		}
	}
	c.recordMiss()
	return 0, false
}

// SetPrice updates the cached live price (websocket stream or REST fallback).
func (c *DataCache) SetPrice(symbol string, price float64) {
	c.prices.Store(symbol, &CachedPrice{Price: price, UpdatedAt: time.Now()})
}

// Stats returns hit/miss counters for diagnostics.
func (c *DataCache) Stats() map[string]interface{} {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return map[string]interface{}{
		"hits":   c.hitCount,
		"misses": c.missCount,
	}
}

func (c *DataCache) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *DataCache) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}
