package signal

import (
	"errors"
	"testing"
	"time"

	"futures-signal-bot/internal/market"

	"github.com/rs/zerolog"
)

// mkCandles builds n closed candles walking from start by step per candle.
func mkCandles(symbol string, tf market.Timeframe, n int, start, step float64) []market.Candle {
	candles := make([]market.Candle, 0, n)
	openTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	price := start
	for i := 0; i < n; i++ {
		next := price + step
		c := market.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  openTime,
			Open:      price,
			Close:     next,
			Volume:    100,
			Final:     true,
		}
		if next > price {
			c.High, c.Low = next, price
		} else {
			c.High, c.Low = price, next
		}
		price = next
		openTime = openTime.Add(tf.Duration())
		candles = append(candles, c)
	}
	return candles
}

func fixedComponent(name string, applies Applicability, exclusive string, fires bool) Component {
	return Component{
		Name:      name,
		Applies:   applies,
		Exclusive: exclusive,
		Trigger:   func(Windows) bool { return fires },
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestScoreIsDeterministicAndNonNegative(t *testing.T) {
	scorer := NewScorer(BuiltinComponents(), testLogger())
	windows := Windows{
		market.Timeframe1h: mkCandles("BTCUSDT", market.Timeframe1h, 40, 100, -0.5),
		market.Timeframe5m: mkCandles("BTCUSDT", market.Timeframe5m, 6, 80, -0.1),
	}
	weights := DefaultWeights()

	long1, short1, _ := scorer.Score("BTCUSDT", windows, weights)
	long2, short2, _ := scorer.Score("BTCUSDT", windows, weights)

	if long1 != long2 || short1 != short2 {
		t.Errorf("scoring not deterministic: (%v,%v) vs (%v,%v)", long1, short1, long2, short2)
	}
	if long1 < 0 || short1 < 0 {
		t.Errorf("scores must be non-negative, got long=%v short=%v", long1, short1)
	}
}

func TestInsufficientHistoryScoresZero(t *testing.T) {
	scorer := NewScorer(BuiltinComponents(), testLogger())
	windows := Windows{
		market.Timeframe1h: mkCandles("XRPUSDT", market.Timeframe1h, 5, 1, 0.01),
		market.Timeframe5m: mkCandles("XRPUSDT", market.Timeframe5m, 2, 1, 0.01),
	}

	long, short, triggered := scorer.Score("XRPUSDT", windows, DefaultWeights())
	if long != 0 || short != 0 || triggered != nil {
		t.Errorf("expected zero scores on short history, got long=%v short=%v triggered=%d",
			long, short, len(triggered))
	}

	op, err := scorer.BuildOpportunity("XRPUSDT", windows, DefaultWeights())
	if err != nil {
		t.Fatalf("short history must not be an error: %v", err)
	}
	if op != nil {
		t.Error("short history must not produce an opportunity")
	}
}

func TestDirectionCleanupDropsLosingSideComponents(t *testing.T) {
	components := []Component{
		fixedComponent("long_a", AppliesLong, "", true),
		fixedComponent("long_b", AppliesLong, "", true),
		fixedComponent("short_a", AppliesShort, "", true),
	}
	weights := WeightTable{
		"long_a":  {Long: 20},
		"long_b":  {Long: 15},
		"short_a": {Short: 10},
	}
	scorer := NewScorer(components, testLogger())

	op, err := scorer.BuildOpportunity("ETHUSDT", Windows{}, weights)
	if err != nil {
		t.Fatalf("BuildOpportunity failed: %v", err)
	}
	if op == nil {
		t.Fatal("expected an opportunity")
	}
	if op.Side != SideLong {
		t.Fatalf("expected LONG, got %s", op.Side)
	}
	if op.Score != 35 {
		t.Errorf("expected score 35, got %v", op.Score)
	}
	for _, name := range op.Components {
		if name == "short_a" {
			t.Error("losing-side component survived direction cleanup")
		}
	}
}

func TestNeutralComponentsNeverCreateASide(t *testing.T) {
	components := []Component{
		fixedComponent("calm", AppliesNeutral, "", true),
	}
	weights := WeightTable{"calm": {Long: 10, Short: 10}}
	scorer := NewScorer(components, testLogger())

	long, short, _ := scorer.Score("SOLUSDT", Windows{}, weights)
	if long != 0 || short != 0 {
		t.Errorf("neutral-only trigger must stay zero, got long=%v short=%v", long, short)
	}
}

func TestNeutralComponentsReinforceLeadingSide(t *testing.T) {
	components := []Component{
		fixedComponent("long_a", AppliesLong, "", true),
		fixedComponent("calm", AppliesNeutral, "", true),
	}
	weights := WeightTable{
		"long_a": {Long: 20},
		"calm":   {Long: 10, Short: 10},
	}
	scorer := NewScorer(components, testLogger())

	long, short, _ := scorer.Score("SOLUSDT", Windows{}, weights)
	if long != 30 {
		t.Errorf("expected long score 30 (20 base + 10 neutral), got %v", long)
	}
	if short != 0 {
		t.Errorf("expected short score 0, got %v", short)
	}
}

func TestConflictingComponentsInvalidateOpportunity(t *testing.T) {
	components := []Component{
		fixedComponent("floor_bounce", AppliesLong, "range_position", true),
		fixedComponent("ceiling_hold", AppliesLong, "range_position", true),
	}
	weights := WeightTable{
		"floor_bounce": {Long: 20},
		"ceiling_hold": {Long: 20},
	}
	scorer := NewScorer(components, testLogger())

	op, err := scorer.BuildOpportunity("BNBUSDT", Windows{}, weights)
	if !errors.Is(err, ErrConflictingComponents) {
		t.Fatalf("expected ErrConflictingComponents, got %v", err)
	}
	if op != nil {
		t.Error("conflicting opportunity must be discarded")
	}
}

func TestTieProducesNoOpportunity(t *testing.T) {
	components := []Component{
		fixedComponent("long_a", AppliesLong, "", true),
		fixedComponent("short_a", AppliesShort, "", true),
	}
	weights := WeightTable{
		"long_a":  {Long: 20},
		"short_a": {Short: 20},
	}
	scorer := NewScorer(components, testLogger())

	op, err := scorer.BuildOpportunity("DOGEUSDT", Windows{}, weights)
	if err != nil {
		t.Fatalf("BuildOpportunity failed: %v", err)
	}
	if op != nil {
		t.Errorf("dead tie must yield no opportunity, got side %s", op.Side)
	}
}
