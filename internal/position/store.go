package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Repository persists positions and closed trades. The database package
// implements it; a nil repository keeps the store purely in memory.
type Repository interface {
	SavePosition(ctx context.Context, p *Position) error
	UpdatePosition(ctx context.Context, p *Position) error
	InsertClosedTrade(ctx context.Context, rec ClosedTradeRecord) error
}

// ErrInsufficientMargin is returned when an open would overdraw the pool.
var ErrInsufficientMargin = errors.New("insufficient free margin")

// ErrNotFound is returned for unknown position IDs.
var ErrNotFound = errors.New("position not found")

// Store owns every live Position and the shared margin pool. All margin
// mutations are read-modify-write under one lock so opens and closes
// never interleave on the pool.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
	closed    []ClosedTradeRecord

	balance      float64
	lockedMargin float64

	repo   Repository
	logger zerolog.Logger
}

// NewStore creates a store with the given starting balance.
func NewStore(balance float64, repo Repository, logger zerolog.Logger) *Store {
	return &Store{
		positions: make(map[string]*Position),
		balance:   balance,
		repo:      repo,
		logger:    logger.With().Str("component", "PositionStore").Logger(),
	}
}

// Add registers a freshly opened position and reserves its margin.
func (s *Store) Add(p *Position) error {
	if p.Quantity <= 0 || p.Margin <= 0 {
		return fmt.Errorf("invalid position %s: quantity=%v margin=%v", p.ID, p.Quantity, p.Margin)
	}

	s.mu.Lock()
	if s.balance-s.lockedMargin < p.Margin {
		s.mu.Unlock()
		return fmt.Errorf("%w: need %.2f, free %.2f", ErrInsufficientMargin, p.Margin, s.balance-s.lockedMargin)
	}
	s.lockedMargin += p.Margin
	s.positions[p.ID] = p
	snap := *p
	s.mu.Unlock()

	s.persist(func(ctx context.Context) error { return s.repo.SavePosition(ctx, &snap) })
	return nil
}

// Adopt registers a position discovered during startup reconciliation
// without margin accounting (the exchange already holds it).
func (s *Store) Adopt(p *Position) {
	s.mu.Lock()
	s.positions[p.ID] = p
	snap := *p
	s.mu.Unlock()
	s.persist(func(ctx context.Context) error { return s.repo.SavePosition(ctx, &snap) })
}

// Get returns a snapshot of a position by ID.
func (s *Store) Get(id string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Open returns value snapshots of all OPEN positions. Snapshots keep the
// read model (API handlers, JSON marshaling) off the live structs the
// monitor mutates; all mutation goes through store methods by ID.
func (s *Store) Open() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// All returns value snapshots of every tracked position, open or closed.
func (s *Store) All() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// UpdateExcursion advances the running maximum-favorable-excursion and
// returns the refreshed snapshot so callers evaluate current state.
func (s *Store) UpdateExcursion(id string, price float64) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok || p.Status != StatusOpen {
		return Position{}, false
	}
	p.UpdateExcursion(price)
	return *p, true
}

// SetLastError records the most recent failed operation on a position.
func (s *Store) SetLastError(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		if err != nil {
			p.LastError = err.Error()
		} else {
			p.LastError = ""
		}
	}
}

// MarkDecayChecked stamps the last signal-decay re-evaluation time.
func (s *Store) MarkDecayChecked(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		p.LastDecayCheck = at
	}
}

// MarkClosed transitions a position to CLOSED exactly once, releases its
// margin, applies realized PnL to the balance and appends the closed
// trade record. Returns the record for breaker inspection.
func (s *Store) MarkClosed(id string, closePrice, realizedPnL float64, reason CloseReason, at time.Time) (ClosedTradeRecord, error) {
	s.mu.Lock()
	p, ok := s.positions[id]
	if !ok {
		s.mu.Unlock()
		return ClosedTradeRecord{}, ErrNotFound
	}
	if p.Status == StatusClosed {
		s.mu.Unlock()
		return ClosedTradeRecord{}, fmt.Errorf("position %s already closed", id)
	}

	p.Status = StatusClosed
	p.ClosePrice = closePrice
	p.RealizedPnL = realizedPnL
	p.PnLPercent = p.UnrealizedPnLPercent(closePrice)
	p.CloseReason = reason
	p.ClosedAt = at
	p.LastError = ""

	s.lockedMargin -= p.Margin
	if s.lockedMargin < 0 {
		s.lockedMargin = 0
	}
	s.balance += realizedPnL

	rec := ClosedTradeRecord{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		ClosePrice:  closePrice,
		RealizedPnL: realizedPnL,
		PnLPercent:  p.PnLPercent,
		CloseReason: reason,
		ClosedAt:    at,
	}
	s.closed = append(s.closed, rec)
	snap := *p
	s.mu.Unlock()

	s.persist(func(ctx context.Context) error {
		if err := s.repo.UpdatePosition(ctx, &snap); err != nil {
			return err
		}
		return s.repo.InsertClosedTrade(ctx, rec)
	})
	return rec, nil
}

// RecentClosed returns up to n of the most recent closed trade records,
// newest last.
func (s *Store) RecentClosed(n int) []ClosedTradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.closed) - n
	if start < 0 {
		start = 0
	}
	out := make([]ClosedTradeRecord, len(s.closed)-start)
	copy(out, s.closed[start:])
	return out
}

// Balance returns total balance, locked margin and free margin.
func (s *Store) Balance() (total, locked, free float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, s.lockedMargin, s.balance - s.lockedMargin
}

func (s *Store) persist(op func(ctx context.Context) error) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		s.logger.Error().Err(err).Msg("position persistence failed")
	}
}
