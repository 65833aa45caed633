// Package circuit halts new entries after a burst of severe losses and
// forces everything flat until the cooldown passes.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/position"
)

// State is the breaker state. ARMED allows entries; TRIPPED blocks them
// and forces open positions closed.
type State string

const (
	StateArmed   State = "ARMED"
	StateTripped State = "TRIPPED"
)

// Config tunes the loss window.
type Config struct {
	// WindowSize is how many of the most recent closed trades are inspected.
	WindowSize int `json:"window_size"`
	// TripCount is how many severe losses inside the window trip the breaker.
	TripCount int `json:"trip_count"`
	// SevereLossPct marks a trade severe when its PnL percent is at or
	// below this value (negative).
	SevereLossPct float64 `json:"severe_loss_pct"`
	// Cooldown is how long the breaker stays tripped.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultConfig returns the standard 3-of-5 window.
func DefaultConfig() Config {
	return Config{
		WindowSize:    5,
		TripCount:     3,
		SevereLossPct: -1.8,
		Cooldown:      4 * time.Hour,
	}
}

// Breaker watches the closed-trade log and trips on clustered severe
// losses. Severity is judged on the numeric PnL percent of each record,
// never on its close-reason tag.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	state    State
	cooldown *expiry.Flag
	clock    expiry.Clock

	tripReason string
	trippedAt  time.Time
	tripCount  int
	lastSeen   string

	onTrip func(reason string)
	onArm  func()
	logger zerolog.Logger
}

// NewBreaker creates an armed breaker.
func NewBreaker(cfg Config, clock expiry.Clock, logger zerolog.Logger) *Breaker {
	if clock == nil {
		clock = time.Now
	}
	return &Breaker{
		cfg:      cfg,
		state:    StateArmed,
		cooldown: expiry.NewFlag(clock),
		clock:    clock,
		logger:   logger.With().Str("component", "CircuitBreaker").Logger(),
	}
}

// OnTrip registers a callback fired once per trip.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// OnArm registers a callback fired when the breaker re-arms.
func (b *Breaker) OnArm(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onArm = fn
}

// Observe inspects the recent closed trades, newest last, and trips when
// the window holds enough severe losses. The window is only re-evaluated
// when a new trade has closed since the last call, so a stale loss
// cluster cannot re-trip the breaker right after it re-arms.
func (b *Breaker) Observe(records []position.ClosedTradeRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rearmIfCooledLocked()
	if len(records) == 0 {
		return
	}
	newest := records[len(records)-1]
	key := newest.PositionID + "@" + newest.ClosedAt.UTC().Format(time.RFC3339Nano)
	if b.state == StateTripped {
		b.lastSeen = key
		return
	}
	if key == b.lastSeen {
		return
	}
	b.lastSeen = key

	window := records
	if len(window) > b.cfg.WindowSize {
		window = window[len(window)-b.cfg.WindowSize:]
	}

	severe := 0
	for _, rec := range window {
		if math.IsNaN(rec.PnLPercent) || math.IsInf(rec.PnLPercent, 0) {
			continue
		}
		if rec.PnLPercent <= b.cfg.SevereLossPct {
			severe++
		}
	}

	if severe >= b.cfg.TripCount {
		b.tripLocked(fmt.Sprintf("%d of last %d trades closed at or below %.1f%%",
			severe, len(window), b.cfg.SevereLossPct))
	}
}

// Tripped reports whether the breaker currently blocks trading.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rearmIfCooledLocked()
	return b.state == StateTripped
}

// AllowEntries reports whether new entries may open, with the blocking
// reason when they may not.
func (b *Breaker) AllowEntries() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rearmIfCooledLocked()
	if b.state == StateTripped {
		return false, fmt.Sprintf("circuit breaker tripped (%s), %s remaining",
			b.tripReason, b.cooldown.Remaining().Round(time.Second))
	}
	return true, ""
}

// ForceTrip trips the breaker manually for the configured cooldown.
func (b *Breaker) ForceTrip(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if reason == "" {
		reason = "manual trip"
	}
	b.tripLocked(reason)
}

// ForceArm re-arms the breaker before the cooldown elapses.
func (b *Breaker) ForceArm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateArmed {
		return
	}
	b.cooldown.Clear()
	b.armLocked("manual re-arm")
}

// Status returns the read model served over the API.
func (b *Breaker) Status() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rearmIfCooledLocked()

	status := map[string]interface{}{
		"state":           string(b.state),
		"window_size":     b.cfg.WindowSize,
		"trip_count":      b.cfg.TripCount,
		"severe_loss_pct": b.cfg.SevereLossPct,
		"times_tripped":   b.tripCount,
	}
	if b.state == StateTripped {
		status["trip_reason"] = b.tripReason
		status["tripped_at"] = b.trippedAt
		if deadline, ok := b.cooldown.Deadline(); ok {
			status["rearm_at"] = deadline
		}
	}
	return status
}

func (b *Breaker) tripLocked(reason string) {
	if b.state == StateTripped {
		return
	}
	b.state = StateTripped
	b.tripReason = reason
	b.trippedAt = b.clock()
	b.tripCount++
	b.cooldown.Raise(b.cfg.Cooldown)

	b.logger.Error().
		Str("reason", reason).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("circuit breaker tripped, forcing positions flat")

	if b.onTrip != nil {
		go b.onTrip(reason)
	}
}

func (b *Breaker) rearmIfCooledLocked() {
	if b.state == StateTripped && !b.cooldown.Active() {
		b.armLocked("cooldown elapsed")
	}
}

func (b *Breaker) armLocked(cause string) {
	b.state = StateArmed
	b.tripReason = ""
	b.logger.Info().Str("cause", cause).Msg("circuit breaker re-armed")
	if b.onArm != nil {
		go b.onArm()
	}
}
