// Package filter decides whether a scored opportunity becomes a trade.
// It applies the circuit-breaker gate, protection windows, regime bias
// and the denylist, in that order, then enforces the minimum open score.
package filter

import (
	"fmt"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/regime"
	"futures-signal-bot/internal/signal"
)

// Config tunes the acceptance rules. Loaded as an immutable snapshot per
// evaluation; hot reload swaps the whole snapshot.
type Config struct {
	// MinOpenScore is the floor a fully adjusted score must clear.
	MinOpenScore float64 `json:"min_open_score"`
	// StrongConflictStrength rejects outright when the regime opposes the
	// side at or above this strength.
	StrongConflictStrength int `json:"strong_conflict_strength"`
	// BonusRate and BonusCap shape the agreement bonus: strength*rate,
	// capped.
	BonusRate float64 `json:"bonus_rate"`
	BonusCap  float64 `json:"bonus_cap"`
	// PenaltyRate shapes the weak-conflict penalty: strength*rate.
	PenaltyRate float64 `json:"penalty_rate"`
	// AgreeSizeMultiplier scales position size when the regime agrees.
	AgreeSizeMultiplier float64 `json:"agree_size_multiplier"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinOpenScore:           35,
		StrongConflictStrength: 60,
		BonusRate:              0.5,
		BonusCap:               20,
		PenaltyRate:            0.5,
		AgreeSizeMultiplier:    1.2,
	}
}

// EntryGate is the circuit-breaker view the filter consults first.
type EntryGate interface {
	AllowEntries() (bool, string)
}

// Decision is the filter verdict for one opportunity.
type Decision struct {
	Accepted bool `json:"accepted"`
	// Score is the adjusted score after regime bonus or penalty.
	Score float64 `json:"score"`
	// SizeMultiplier scales the plan's margin; 1.0 unless boosted by
	// regime agreement or reduced by a denylist hit.
	SizeMultiplier float64 `json:"size_multiplier"`
	Reason         string  `json:"reason,omitempty"`
}

// Filter applies the acceptance pipeline.
type Filter struct {
	gate       EntryGate
	protection *regime.ProtectionSet
	denylist   *Denylist
	settings   func() Config
	logger     zerolog.Logger
}

// New creates a filter. settings is called per evaluation so config
// reloads take effect between opportunities, never inside one.
func New(gate EntryGate, protection *regime.ProtectionSet, denylist *Denylist, settings func() Config, logger zerolog.Logger) *Filter {
	return &Filter{
		gate:       gate,
		protection: protection,
		denylist:   denylist,
		settings:   settings,
		logger:     logger.With().Str("component", "SignalFilter").Logger(),
	}
}

// Evaluate runs one opportunity through the pipeline against the given
// regime state.
func (f *Filter) Evaluate(opp *signal.Opportunity, state *regime.State) Decision {
	cfg := f.settings()

	if f.gate != nil {
		if ok, reason := f.gate.AllowEntries(); !ok {
			return f.reject(opp, opp.Score, reason)
		}
	}

	if f.protection != nil && f.protection.Banned(opp.Side) {
		return f.reject(opp, opp.Score,
			fmt.Sprintf("protection window bans %s entries", opp.Side))
	}

	score := opp.Score
	multiplier := 1.0

	switch relate(opp.Side, state) {
	case regimeOpposes:
		if state.Strength >= cfg.StrongConflictStrength {
			return f.reject(opp, score, fmt.Sprintf(
				"regime %s strength %d strongly opposes %s", state.Signal, state.Strength, opp.Side))
		}
		score -= float64(state.Strength) * cfg.PenaltyRate
	case regimeAgrees:
		bonus := float64(state.Strength) * cfg.BonusRate
		if bonus > cfg.BonusCap {
			bonus = cfg.BonusCap
		}
		score += bonus
		multiplier = cfg.AgreeSizeMultiplier
	}

	if entry, ok := f.denylist.Lookup(opp.Side, opp.Components); ok {
		switch entry.Action {
		case DenyBlock:
			return f.reject(opp, score,
				fmt.Sprintf("denylisted combination: %s", entry.Note))
		case DenyReduce:
			if entry.SizeFactor > 0 {
				multiplier *= entry.SizeFactor
			}
		}
	}

	if score < cfg.MinOpenScore {
		return f.reject(opp, score, fmt.Sprintf(
			"adjusted score %.1f below minimum %.1f", score, cfg.MinOpenScore))
	}

	f.logger.Info().
		Str("symbol", opp.Symbol).
		Str("side", string(opp.Side)).
		Float64("raw_score", opp.Score).
		Float64("score", score).
		Float64("size_multiplier", multiplier).
		Msg("opportunity accepted")
	return Decision{Accepted: true, Score: score, SizeMultiplier: multiplier}
}

func (f *Filter) reject(opp *signal.Opportunity, score float64, reason string) Decision {
	f.logger.Debug().
		Str("symbol", opp.Symbol).
		Str("side", string(opp.Side)).
		Str("reason", reason).
		Msg("opportunity rejected")
	return Decision{Accepted: false, Score: score, SizeMultiplier: 1.0, Reason: reason}
}

type relation int

const (
	regimeNeutralTo relation = iota
	regimeAgrees
	regimeOpposes
)

// relate maps the regime direction onto the opportunity's side. A NEUTRAL
// or missing regime neither boosts nor penalizes.
func relate(side signal.Side, state *regime.State) relation {
	if state == nil || state.Signal == regime.Neutral {
		return regimeNeutralTo
	}
	bullish := state.Signal == regime.Bullish
	long := side == signal.SideLong
	if bullish == long {
		return regimeAgrees
	}
	return regimeOpposes
}
