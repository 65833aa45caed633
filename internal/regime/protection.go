package regime

import (
	"sync"
	"time"

	"futures-signal-bot/internal/expiry"
	"futures-signal-bot/internal/signal"

	"github.com/rs/zerolog"
)

// Window is the read model of an active protection window.
type Window struct {
	DirectionBanned signal.Side `json:"direction_banned"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// ProtectionSet tracks the deep-reversal entry bans. At most one window of
// each polarity is active; a repeated trigger refreshes the expiry instead
// of stacking. Windows expire on their own and are never explicitly
// cleared by callers.
type ProtectionSet struct {
	mu      sync.Mutex
	bans    map[signal.Side]*expiry.Flag
	clock   expiry.Clock
	logger  zerolog.Logger
	onRaise func(Window)
}

// NewProtectionSet creates an empty protection set.
func NewProtectionSet(clock expiry.Clock, logger zerolog.Logger) *ProtectionSet {
	if clock == nil {
		clock = time.Now
	}
	return &ProtectionSet{
		bans: map[signal.Side]*expiry.Flag{
			signal.SideLong:  expiry.NewFlag(clock),
			signal.SideShort: expiry.NewFlag(clock),
		},
		clock:  clock,
		logger: logger.With().Str("component", "ProtectionSet").Logger(),
	}
}

// OnRaise registers a callback fired whenever a ban is raised or refreshed.
func (p *ProtectionSet) OnRaise(fn func(Window)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRaise = fn
}

// Ban blocks new entries on the given side for the duration. Re-banning an
// already banned side refreshes the deadline.
func (p *ProtectionSet) Ban(side signal.Side, d time.Duration) {
	p.mu.Lock()
	flag := p.bans[side]
	cb := p.onRaise
	p.mu.Unlock()

	flag.Raise(d)
	deadline, _ := flag.Deadline()
	p.logger.Warn().
		Str("direction_banned", string(side)).
		Time("expires_at", deadline).
		Msg("deep reversal protection window raised")

	if cb != nil {
		cb(Window{DirectionBanned: side, ExpiresAt: deadline})
	}
}

// Banned reports whether new entries on the given side are blocked.
func (p *ProtectionSet) Banned(side signal.Side) bool {
	p.mu.Lock()
	flag := p.bans[side]
	p.mu.Unlock()
	return flag.Active()
}

// Active returns the currently active windows for the read model.
func (p *ProtectionSet) Active() []Window {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Window
	for _, side := range []signal.Side{signal.SideLong, signal.SideShort} {
		if deadline, active := p.bans[side].Deadline(); active {
			out = append(out, Window{DirectionBanned: side, ExpiresAt: deadline})
		}
	}
	return out
}
