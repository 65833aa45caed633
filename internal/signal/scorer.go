package signal

import (
	"errors"
	"fmt"
	"time"

	"futures-signal-bot/internal/market"

	"github.com/rs/zerolog"
)

// ErrConflictingComponents marks an opportunity that carries two mutually
// exclusive components for the same side. The opportunity is discarded.
var ErrConflictingComponents = errors.New("conflicting signal components on opportunity")

// Opportunity is a scored, direction-resolved trade candidate.
type Opportunity struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Score      float64   `json:"score"`
	Components []string  `json:"components"`
	CreatedAt  time.Time `json:"created_at"`
}

// scoredComponent is one triggered component before direction cleanup.
type scoredComponent struct {
	component Component
	weight    Weight
}

// Scorer evaluates the component set against candle windows.
// Scoring is a pure function of the windows and the weight table.
type Scorer struct {
	components []Component
	logger     zerolog.Logger
}

// NewScorer creates a scorer over the given component set.
func NewScorer(components []Component, logger zerolog.Logger) *Scorer {
	return &Scorer{
		components: components,
		logger:     logger.With().Str("component", "Scorer").Logger(),
	}
}

// Score sums component weights independently per side. Both scores are
// non-negative. A symbol with insufficient candle history scores zero on
// both sides rather than returning an error (fail closed).
func (s *Scorer) Score(symbol string, w Windows, weights WeightTable) (longScore, shortScore float64, triggered []scoredComponent) {
	if !s.historySufficient(w) {
		s.logger.Debug().Str("symbol", symbol).Msg("insufficient candle history, skipping")
		return 0, 0, nil
	}

	for _, comp := range s.components {
		if !comp.Trigger(w) {
			continue
		}
		weight, ok := weights[comp.Name]
		if !ok {
			continue
		}
		triggered = append(triggered, scoredComponent{component: comp, weight: weight})

		switch comp.Applies {
		case AppliesLong:
			longScore += weight.Long
		case AppliesShort:
			shortScore += weight.Short
		}
		// Neutral components are resolved after direction is known.
	}

	// Neutral components reinforce whichever side currently leads; they
	// never create a side from zero.
	for _, tc := range triggered {
		if tc.component.Applies != AppliesNeutral {
			continue
		}
		if longScore > shortScore && longScore > 0 {
			longScore += tc.weight.Long
		} else if shortScore > longScore && shortScore > 0 {
			shortScore += tc.weight.Short
		}
	}

	return longScore, shortScore, triggered
}

// BuildOpportunity scores a symbol and resolves direction. It returns nil
// when neither side scores, and ErrConflictingComponents when the retained
// component set violates an exclusivity group.
func (s *Scorer) BuildOpportunity(symbol string, w Windows, weights WeightTable) (*Opportunity, error) {
	longScore, shortScore, triggered := s.Score(symbol, w, weights)
	if longScore <= 0 && shortScore <= 0 {
		return nil, nil
	}
	if longScore == shortScore {
		// A dead tie carries no directional information.
		return nil, nil
	}

	side := SideLong
	score := longScore
	if shortScore > longScore {
		side = SideShort
		score = shortScore
	}

	// Direction cleanup: drop components that belong to the losing side.
	retained := make([]string, 0, len(triggered))
	groups := make(map[string]string)
	for _, tc := range triggered {
		switch tc.component.Applies {
		case AppliesLong:
			if side != SideLong {
				continue
			}
		case AppliesShort:
			if side != SideShort {
				continue
			}
		}
		if g := tc.component.Exclusive; g != "" {
			if prev, exists := groups[g]; exists {
				return nil, fmt.Errorf("%w: %s and %s share group %q on side %s",
					ErrConflictingComponents, prev, tc.component.Name, g, side)
			}
			groups[g] = tc.component.Name
		}
		retained = append(retained, tc.component.Name)
	}

	return &Opportunity{
		Symbol:     symbol,
		Side:       side,
		Score:      score,
		Components: retained,
		CreatedAt:  time.Now(),
	}, nil
}

// Rescore re-evaluates a symbol and returns the score for one side only.
// The position monitor uses this for signal-strength decay checks.
func (s *Scorer) Rescore(symbol string, w Windows, weights WeightTable, side Side) float64 {
	longScore, shortScore, _ := s.Score(symbol, w, weights)
	if side == SideLong {
		return longScore
	}
	return shortScore
}

// SufficientHistory reports whether the windows carry enough closed bars
// for every component. Callers that treat a low Rescore as meaningful
// must check this first; thin history scores zero, not weak.
func (s *Scorer) SufficientHistory(w Windows) bool {
	return s.historySufficient(w)
}

// historySufficient verifies every component's minimum closed-bar count.
func (s *Scorer) historySufficient(w Windows) bool {
	required := make(map[market.Timeframe]int)
	for _, comp := range s.components {
		for tf, n := range comp.MinBars {
			if n > required[tf] {
				required[tf] = n
			}
		}
	}
	for tf, n := range required {
		if len(market.FinalOnly(w[tf])) < n {
			return false
		}
	}
	return true
}
