package domain

import "time"

// Quote is a point-in-time market quote for one symbol.
type Quote struct {
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// Stale reports whether the quote is older than ttl as of now.
func (q Quote) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.Timestamp) > ttl
}

// MarketSnapshot is the per-tick view of the market handed to strategies.
type MarketSnapshot struct {
	Timestamp time.Time
	Quotes    map[string]Quote
}

// Signal is an entry proposal produced by a strategy. StopLevel is the
// underlying price level invalidating the idea; the exit manager converts
// it into bracket legs.
type Signal struct {
	ID        string
	Symbol    string
	Side      PositionSide
	Kind      string // strategy-specific tag, e.g. "momentum_breakout"
	Price     float64
	StopLevel float64
	ExpiresAt time.Time
	Metadata  map[string]string
}
