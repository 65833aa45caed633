package filter

import (
	"sort"
	"strings"
	"sync"

	"futures-signal-bot/internal/signal"
)

// DenyAction is what a denylist hit does to an opportunity.
type DenyAction string

const (
	DenyBlock  DenyAction = "block"
	DenyReduce DenyAction = "reduce"
)

// DenyEntry marks one historically poor component combination. Entries
// are produced by offline analysis of the closed-trade log and loaded
// through configuration; this package only reads them.
type DenyEntry struct {
	Side       signal.Side `json:"side"`
	Components []string    `json:"components"`
	Action     DenyAction  `json:"action"`
	// SizeFactor scales position size when Action is "reduce".
	SizeFactor float64 `json:"size_factor,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// Denylist indexes deny entries by (side, sorted component set).
type Denylist struct {
	mu      sync.RWMutex
	entries map[string]DenyEntry
}

// NewDenylist builds a denylist from the given entries.
func NewDenylist(entries []DenyEntry) *Denylist {
	d := &Denylist{}
	d.Replace(entries)
	return d
}

// Replace atomically swaps in a new entry set on config reload.
func (d *Denylist) Replace(entries []DenyEntry) {
	indexed := make(map[string]DenyEntry, len(entries))
	for _, e := range entries {
		indexed[denyKey(e.Side, e.Components)] = e
	}
	d.mu.Lock()
	d.entries = indexed
	d.mu.Unlock()
}

// Lookup returns the entry matching the opportunity's exact component
// set and side, if any.
func (d *Denylist) Lookup(side signal.Side, components []string) (DenyEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[denyKey(side, components)]
	return e, ok
}

// Len returns the number of loaded entries.
func (d *Denylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// denyKey canonicalizes a component set so trigger order never matters.
func denyKey(side signal.Side, components []string) string {
	sorted := make([]string, len(components))
	copy(sorted, components)
	sort.Strings(sorted)
	return string(side) + "|" + strings.Join(sorted, ",")
}
