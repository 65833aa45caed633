package market

import (
	"context"
	"sync"
)

// MockFeed is an in-memory Feed for tests and dry-run mode.
type MockFeed struct {
	mu      sync.RWMutex
	candles map[string][]Candle // "symbol:timeframe"
	prices  map[string]float64
}

// NewMockFeed creates an empty mock feed.
func NewMockFeed() *MockFeed {
	return &MockFeed{
		candles: make(map[string][]Candle),
		prices:  make(map[string]float64),
	}
}

// SetCandles installs a candle series for a symbol/timeframe.
func (m *MockFeed) SetCandles(symbol string, tf Timeframe, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol+":"+string(tf)] = candles
}

// SetPrice installs the live price for a symbol.
func (m *MockFeed) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// GetCandles returns up to count of the installed candles, oldest first.
func (m *MockFeed) GetCandles(_ context.Context, symbol string, tf Timeframe, count int) ([]Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data := m.candles[symbol+":"+string(tf)]
	if len(data) > count {
		data = data[len(data)-count:]
	}
	out := make([]Candle, len(data))
	copy(out, data)
	return out, nil
}

// GetLivePrice returns the installed price or ErrPriceUnavailable.
func (m *MockFeed) GetLivePrice(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.prices[symbol]
	if !ok {
		return 0, ErrPriceUnavailable
	}
	return price, nil
}
