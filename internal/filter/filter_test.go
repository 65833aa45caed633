package filter

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/signal"
)

type stubGate struct {
	allow  bool
	reason string
}

func (g *stubGate) AllowEntries() (bool, string) { return g.allow, g.reason }

func opp(side signal.Side, score float64, components ...string) *signal.Opportunity {
	return &signal.Opportunity{
		Symbol: "XUSDT", Side: side, Score: score,
		Components: components, CreatedAt: time.Now(),
	}
}

func regimeState(sig regime.Signal, strength int) *regime.State {
	return &regime.State{
		Signal: sig, Strength: strength,
		ComputedAt: time.Now(), TTL: time.Hour,
	}
}

func newTestFilter(gate EntryGate, entries []DenyEntry) (*Filter, *regime.ProtectionSet) {
	protection := regime.NewProtectionSet(time.Now, zerolog.Nop())
	f := New(gate, protection, NewDenylist(entries), DefaultConfig, zerolog.Nop())
	return f, protection
}

func TestAgreeingRegimeBoostsScoreAndSize(t *testing.T) {
	f, _ := newTestFilter(&stubGate{allow: true}, nil)

	// LONG score 65, BULLISH strength 70: bonus caps at +20.
	d := f.Evaluate(opp(signal.SideLong, 65), regimeState(regime.Bullish, 70))
	if !d.Accepted {
		t.Fatalf("expected accept, got reject: %s", d.Reason)
	}
	if d.Score != 85 {
		t.Errorf("score = %.1f, want 85 (65 + capped bonus 20)", d.Score)
	}
	if d.SizeMultiplier != 1.2 {
		t.Errorf("size multiplier = %.2f, want 1.2", d.SizeMultiplier)
	}
}

func TestStrongOpposingRegimeRejectsOutright(t *testing.T) {
	f, _ := newTestFilter(&stubGate{allow: true}, nil)

	// SHORT score 40, BULLISH strength 65: strong conflict regardless of score.
	d := f.Evaluate(opp(signal.SideShort, 40), regimeState(regime.Bullish, 65))
	if d.Accepted {
		t.Fatal("strong opposing regime must reject outright")
	}

	// Even a huge score does not survive a strong conflict.
	d = f.Evaluate(opp(signal.SideShort, 95), regimeState(regime.Bullish, 60))
	if d.Accepted {
		t.Fatal("strong-conflict rejection must ignore score")
	}
}

func TestWeakOpposingRegimePenalizesBelowThreshold(t *testing.T) {
	f, _ := newTestFilter(&stubGate{allow: true}, nil)

	// SHORT score 50, BULLISH strength 45: penalty 22.5 drops it to 27.5.
	d := f.Evaluate(opp(signal.SideShort, 50), regimeState(regime.Bullish, 45))
	if d.Accepted {
		t.Fatal("penalized score below minimum must reject")
	}
	if d.Score != 27.5 {
		t.Errorf("penalized score = %.1f, want 27.5", d.Score)
	}

	// A higher raw score survives the same penalty.
	d = f.Evaluate(opp(signal.SideShort, 60), regimeState(regime.Bullish, 45))
	if !d.Accepted {
		t.Fatalf("expected accept at 37.5, got reject: %s", d.Reason)
	}
	if d.SizeMultiplier != 1.0 {
		t.Errorf("opposed entry must not get a size boost, got %.2f", d.SizeMultiplier)
	}
}

func TestNeutralRegimeLeavesScoreUntouched(t *testing.T) {
	f, _ := newTestFilter(&stubGate{allow: true}, nil)

	d := f.Evaluate(opp(signal.SideLong, 40), regimeState(regime.Neutral, 80))
	if !d.Accepted || d.Score != 40 || d.SizeMultiplier != 1.0 {
		t.Errorf("neutral regime changed the decision: %+v", d)
	}

	d = f.Evaluate(opp(signal.SideLong, 30), regimeState(regime.Neutral, 0))
	if d.Accepted {
		t.Error("score below minimum must reject under a neutral regime")
	}
}

func TestProtectionBanRejectsRegardlessOfScore(t *testing.T) {
	f, protection := newTestFilter(&stubGate{allow: true}, nil)
	protection.Ban(signal.SideShort, 45*time.Minute)

	d := f.Evaluate(opp(signal.SideShort, 99), regimeState(regime.Bearish, 90))
	if d.Accepted {
		t.Fatal("banned side must reject even with agreeing regime and high score")
	}

	d = f.Evaluate(opp(signal.SideLong, 60), regimeState(regime.Neutral, 0))
	if !d.Accepted {
		t.Errorf("unbanned side must pass: %s", d.Reason)
	}
}

func TestBreakerGateShortCircuits(t *testing.T) {
	f, _ := newTestFilter(&stubGate{allow: false, reason: "circuit breaker tripped"}, nil)

	d := f.Evaluate(opp(signal.SideLong, 99), regimeState(regime.Bullish, 90))
	if d.Accepted {
		t.Fatal("tripped breaker must reject everything")
	}
	if d.Reason != "circuit breaker tripped" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestDenylistBlocksAndReduces(t *testing.T) {
	entries := []DenyEntry{
		{
			Side:       signal.SideLong,
			Components: []string{"position_low", "volume_surge"},
			Action:     DenyBlock,
			Note:       "historically negative expectancy",
		},
		{
			Side:       signal.SideShort,
			Components: []string{"momentum_down"},
			Action:     DenyReduce,
			SizeFactor: 0.5,
		},
	}
	f, _ := newTestFilter(&stubGate{allow: true}, entries)
	neutral := regimeState(regime.Neutral, 0)

	// Component order must not matter for the lookup.
	d := f.Evaluate(opp(signal.SideLong, 80, "volume_surge", "position_low"), neutral)
	if d.Accepted {
		t.Fatal("denylisted combination must reject")
	}

	// Same components on the other side are unaffected.
	d = f.Evaluate(opp(signal.SideShort, 80, "volume_surge", "position_low"), neutral)
	if !d.Accepted {
		t.Errorf("denylist must be side-specific: %s", d.Reason)
	}

	d = f.Evaluate(opp(signal.SideShort, 80, "momentum_down"), neutral)
	if !d.Accepted {
		t.Fatalf("reduce entry must not reject: %s", d.Reason)
	}
	if d.SizeMultiplier != 0.5 {
		t.Errorf("size multiplier = %.2f, want 0.5", d.SizeMultiplier)
	}

	d = f.Evaluate(opp(signal.SideLong, 80, "momentum_up"), neutral)
	if !d.Accepted || d.SizeMultiplier != 1.0 {
		t.Errorf("unlisted combination affected: %+v", d)
	}
}
