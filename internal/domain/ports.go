package domain

import (
	"context"
	"io"
	"time"
)

// Broker abstracts the remote venue. All calls are fallible and potentially
// slow; implementations must honour the context deadline so pool handles are
// never held indefinitely.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "paper").
	Name() string

	// PlaceOrder submits an order and returns the broker's view of it.
	// A venue-side rejection surfaces as ErrOrderRejected (wrapped).
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	// CancelOrder requests cancellation of an open order by id.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrder returns the current state of an order.
	GetOrder(ctx context.Context, orderID string) (*Order, error)

	// GetPositions returns the venue's open positions.
	GetPositions(ctx context.Context) ([]Position, error)

	// GetAccount returns a snapshot of account equity and buying power.
	GetAccount(ctx context.Context) (*Account, error)

	// GetQuote returns the venue's latest quote for a symbol.
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// Strategy supplies entry signals and sizing. Implementations must be pure
// from the engine's perspective: no side effects on engine-owned state.
type Strategy interface {
	// Name identifies the strategy in logs and persisted records.
	Name() string

	// CheckEntry inspects the market snapshot and open positions and
	// returns an entry signal, or nil when there is nothing to do.
	CheckEntry(snap MarketSnapshot, open []Position) *Signal

	// PositionSize converts a signal into an order quantity given account
	// equity. A non-positive return suppresses the entry.
	PositionSize(sig Signal, equity float64) float64

	// CheckExit lets the strategy force an exit for reasons the bracket
	// does not know about. Empty string means no exit.
	CheckExit(pos Position, snap MarketSnapshot) ExitReason
}

// MarketDataFeed supplies cached point quotes. Staleness beyond the feed's
// TTL is reported via ErrStaleQuote; the engine treats it as "no data this
// tick" rather than an error.
type MarketDataFeed interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// QuoteCache is the short-TTL quote store behind the market data feed.
type QuoteCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
}

// TradeStore persists trade lifecycle records.
type TradeStore interface {
	InsertBatch(ctx context.Context, recs []TradeRecord) error
	UpdateExit(ctx context.Context, rec TradeRecord) error
	ListBefore(ctx context.Context, before time.Time) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionLogStore persists per-order-action audit records.
type ExecutionLogStore interface {
	InsertBatch(ctx context.Context, recs []ExecutionLogRecord) error
	ListBefore(ctx context.Context, before time.Time) ([]ExecutionLogRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// RiskMetricStore persists risk state snapshots.
type RiskMetricStore interface {
	InsertBatch(ctx context.Context, recs []RiskMetricRecord) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// BlobWriter writes archive objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
