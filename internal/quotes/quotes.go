// Package quotes declares the two downward contracts the sandbox core
// consumes from collaborators it does not own (spec §6): QuoteProvider and
// SymbolMetaProvider. Concrete adapters live alongside the contracts only
// as reference implementations so the sandbox binary is runnable
// standalone; the live broker integration itself is out of scope.
package quotes

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a quote cannot be fetched this tick. The
// Execution Engine skips the symbol and retries next tick; the Order
// Manager rejects the placement with QuoteUnavailable (spec §7).
var ErrUnavailable = errors.New("quotes: unavailable")

// Quote is the tick snapshot the execution engine matches orders against.
type Quote struct {
	LTP     float64
	Bid     float64
	Ask     float64
	LastAt  time.Time
}

// QuoteProvider is implemented by the live broker integration.
type QuoteProvider interface {
	Quote(ctx context.Context, symbol, exchange string) (Quote, error)
}

// SymbolMetaProvider is implemented by the live broker's symbol master.
type SymbolMetaProvider interface {
	LotSize(symbol, exchange string) (int, error)
	Exists(symbol, exchange string) bool
}
