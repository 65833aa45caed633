// Package signal scores trade opportunities from weighted market signal
// components evaluated against candle windows.
package signal

import (
	"futures-signal-bot/internal/market"
)

// Side is the direction of an opportunity or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Applicability declares which side(s) a component can support.
type Applicability string

const (
	AppliesLong    Applicability = "LONG"
	AppliesShort   Applicability = "SHORT"
	AppliesNeutral Applicability = "NEUTRAL"
)

// Windows maps each timeframe to its candle series, oldest first.
type Windows map[market.Timeframe][]market.Candle

// Weight overrides a component's contribution per side. Zero means the
// component adds nothing to that side.
type Weight struct {
	Long  float64 `json:"long"`
	Short float64 `json:"short"`
}

// WeightTable is the hot-reloadable component weight configuration,
// loaded as an immutable snapshot at cycle start.
type WeightTable map[string]Weight

// Component is a pure predicate over candle windows. Two components
// sharing a non-empty Exclusive group must never both survive direction
// cleanup; if they do, the opportunity is invalid.
type Component struct {
	Name      string
	Applies   Applicability
	Exclusive string
	// MinBars declares the minimum closed-candle history per timeframe.
	// A symbol without enough history yields no score at all.
	MinBars map[market.Timeframe]int
	Trigger func(w Windows) bool
}

// rangePosition returns where price sits inside the high/low range of the
// closed 1h window, 0 at the low and 1 at the high.
func rangePosition(w Windows) (float64, bool) {
	candles := market.FinalOnly(w[market.Timeframe1h])
	if len(candles) == 0 {
		return 0, false
	}
	high, low := candles[0].High, candles[0].Low
	for _, c := range candles {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	if high <= low {
		return 0, false
	}
	price := candles[len(candles)-1].Close
	return (price - low) / (high - low), true
}

// averageVolume returns the mean volume of the closed 1h window.
func averageVolume(w Windows) float64 {
	candles := market.FinalOnly(w[market.Timeframe1h])
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.Volume
	}
	return sum / float64(len(candles))
}

// colorCount returns how many of the last n closed candles on tf are
// bullish and bearish.
func colorCount(w Windows, tf market.Timeframe, n int) (bull, bear int) {
	candles := market.FinalOnly(w[tf])
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	for _, c := range candles {
		if c.Bullish() {
			bull++
		} else if c.Bearish() {
			bear++
		}
	}
	return bull, bear
}

// BuiltinComponents returns the standard component set. Weights come from
// the weight table; components only decide whether they trigger.
func BuiltinComponents() []Component {
	return []Component{
		{
			Name:      "position_low",
			Applies:   AppliesLong,
			Exclusive: "range_position",
			MinBars:   map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				pos, ok := rangePosition(w)
				return ok && pos <= 0.30
			},
		},
		{
			Name:      "position_high",
			Applies:   AppliesShort,
			Exclusive: "range_position",
			MinBars:   map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				pos, ok := rangePosition(w)
				return ok && pos >= 0.70
			},
		},
		{
			// Breakout rides strength near the top of the range. There is
			// deliberately no opposing hard rule banning longs above 0.70:
			// the two would be mutually exclusive and the breakout could
			// never fire.
			Name:    "range_breakout",
			Applies: AppliesLong,
			MinBars: map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				pos, ok := rangePosition(w)
				if !ok || pos < 0.70 {
					return false
				}
				last, ok := market.LastFinal(w[market.Timeframe1h])
				if !ok || !last.Bullish() {
					return false
				}
				return last.Volume > averageVolume(w)*1.5
			},
		},
		{
			Name:    "range_breakdown",
			Applies: AppliesShort,
			MinBars: map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				pos, ok := rangePosition(w)
				if !ok || pos > 0.30 {
					return false
				}
				last, ok := market.LastFinal(w[market.Timeframe1h])
				if !ok || !last.Bearish() {
					return false
				}
				return last.Volume > averageVolume(w)*1.5
			},
		},
		{
			Name:    "momentum_up",
			Applies: AppliesLong,
			MinBars: map[market.Timeframe]int{market.Timeframe5m: 4},
			Trigger: func(w Windows) bool {
				bull, _ := colorCount(w, market.Timeframe5m, 4)
				return bull >= 3
			},
		},
		{
			Name:    "momentum_down",
			Applies: AppliesShort,
			MinBars: map[market.Timeframe]int{market.Timeframe5m: 4},
			Trigger: func(w Windows) bool {
				_, bear := colorCount(w, market.Timeframe5m, 4)
				return bear >= 3
			},
		},
		{
			Name:    "volume_surge",
			Applies: AppliesNeutral,
			MinBars: map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				last, ok := market.LastFinal(w[market.Timeframe1h])
				if !ok {
					return false
				}
				avg := averageVolume(w)
				return avg > 0 && last.Volume > avg*2
			},
		},
		{
			Name:    "mid_range",
			Applies: AppliesNeutral,
			MinBars: map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				pos, ok := rangePosition(w)
				return ok && pos > 0.40 && pos < 0.60
			},
		},
		{
			Name:    "high_volatility",
			Applies: AppliesNeutral,
			MinBars: map[market.Timeframe]int{market.Timeframe1h: 30},
			Trigger: func(w Windows) bool {
				candles := market.FinalOnly(w[market.Timeframe1h])
				if len(candles) < 10 {
					return false
				}
				recent := candles[len(candles)-3:]
				older := candles[:len(candles)-3]
				recentAvg := avgRangePercent(recent)
				olderAvg := avgRangePercent(older)
				return olderAvg > 0 && recentAvg > olderAvg*1.8
			},
		},
	}
}

func avgRangePercent(candles []market.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		if c.Open > 0 {
			sum += c.Range() / c.Open * 100
		}
	}
	return sum / float64(len(candles))
}

// DefaultWeights returns the baseline weight table used when the
// configuration does not override a component.
func DefaultWeights() WeightTable {
	return WeightTable{
		"position_low":    {Long: 20},
		"position_high":   {Short: 20},
		"range_breakout":  {Long: 25},
		"range_breakdown": {Short: 25},
		"momentum_up":     {Long: 15},
		"momentum_down":   {Short: 15},
		"volume_surge":    {Long: 10, Short: 10},
		"mid_range":       {Long: 5, Short: 5},
		"high_volatility": {Long: 10, Short: 10},
	}
}
