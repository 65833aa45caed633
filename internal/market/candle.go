// Package market defines candle data and the market data feed boundary.
package market

import "time"

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
)

// Duration returns the candle interval length.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// Candle represents one OHLCV bar. A candle is immutable once Final;
// the newest candle of a series may still be forming.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Final     bool      `json:"final"`
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Range returns high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// ChangePercent returns the close-over-open move in percent.
func (c Candle) ChangePercent() float64 {
	if c.Open == 0 {
		return 0
	}
	return (c.Close - c.Open) / c.Open * 100
}

// LowerWickRatio returns the lower wick as a fraction of the full range.
func (c Candle) LowerWickRatio() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}
	body := c.Open
	if c.Close < body {
		body = c.Close
	}
	return (body - c.Low) / r
}

// UpperWickRatio returns the upper wick as a fraction of the full range.
func (c Candle) UpperWickRatio() float64 {
	r := c.Range()
	if r <= 0 {
		return 0
	}
	body := c.Open
	if c.Close > body {
		body = c.Close
	}
	return (c.High - body) / r
}

// FinalOnly strips a trailing still-forming candle. Signals that require a
// closed bar must never read the open one.
func FinalOnly(candles []Candle) []Candle {
	out := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if c.Final {
			out = append(out, c)
		}
	}
	return out
}

// LastFinal returns the most recent closed candle, if any.
func LastFinal(candles []Candle) (Candle, bool) {
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Final {
			return candles[i], true
		}
	}
	return Candle{}, false
}
