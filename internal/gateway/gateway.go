// Package gateway abstracts order execution. The engine opens and closes
// positions through the Gateway interface; live trading goes through the
// Binance futures client, dry-run mode through the mock.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"futures-signal-bot/internal/signal"
)

// OpenRequest asks the gateway to open a market position.
type OpenRequest struct {
	Symbol   string
	Side     signal.Side
	Quantity float64
	Leverage int
}

// OpenResult reports the executed fill.
type OpenResult struct {
	Ref       string
	FillPrice float64
}

// CloseRequest asks the gateway to flatten quantity of an open position.
type CloseRequest struct {
	Symbol   string
	Side     signal.Side
	Quantity float64
	Reason   string
}

// CloseResult reports the executed close.
type CloseResult struct {
	ClosePrice  float64
	RealizedPnL float64
}

// PositionRef is an exchange-side open position, used by startup
// reconciliation to adopt or flag positions the engine does not know.
type PositionRef struct {
	Symbol     string
	Side       signal.Side
	Quantity   float64
	EntryPrice float64
	Leverage   int
}

// Gateway executes orders. Implementations must be safe for concurrent use.
type Gateway interface {
	OpenPosition(ctx context.Context, req OpenRequest) (OpenResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (CloseResult, error)
	GetOpenPositions(ctx context.Context) ([]PositionRef, error)
}

// TransientError wraps a failure worth retrying (network, rate limit,
// exchange 5xx). Callers retry the same request on a later cycle.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a failure that will not succeed on retry
// (rejected parameters, insufficient exchange balance).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
