// Package feed supplies market quotes to the engine: a cache-first feed
// backed by the broker's data API, and a websocket stream that keeps the
// cache warm.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/transport"
)

// CachedFeed implements domain.MarketDataFeed. Reads hit the quote cache
// first; on a miss or a stale entry it fetches from the broker through the
// data-side transport executor and writes the result back.
type CachedFeed struct {
	cache      domain.QuoteCache
	data       *transport.Executor[domain.Broker]
	ttl        time.Duration
	maxRetries int
	logger     *slog.Logger

	now func() time.Time
}

// NewCachedFeed creates a CachedFeed with the given staleness TTL.
func NewCachedFeed(cache domain.QuoteCache, data *transport.Executor[domain.Broker], ttl time.Duration, maxRetries int, logger *slog.Logger) *CachedFeed {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &CachedFeed{
		cache:      cache,
		data:       data,
		ttl:        ttl,
		maxRetries: maxRetries,
		logger:     logger.With(slog.String("component", "feed")),
		now:        time.Now,
	}
}

// GetQuote returns a quote no older than the TTL. When the broker cannot be
// reached and only a stale cache entry exists, it returns ErrStaleQuote so
// callers can distinguish "old data" from "no data".
func (f *CachedFeed) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	now := f.now()

	cached, err := f.cache.GetQuote(ctx, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.Warn("quote cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
	if cached != nil && !cached.Stale(now, f.ttl) {
		return cached, nil
	}

	q, fetchErr := transport.Execute(ctx, f.data, "quotes",
		func(ctx context.Context, b domain.Broker) (*domain.Quote, error) {
			return b.GetQuote(ctx, symbol)
		}, f.maxRetries)
	if fetchErr != nil {
		if cached != nil {
			return nil, fmt.Errorf("feed: %s quote is %s old: %w",
				symbol, now.Sub(cached.Timestamp).Truncate(time.Millisecond), domain.ErrStaleQuote)
		}
		return nil, fmt.Errorf("feed: %s: %w", symbol, fetchErr)
	}

	if setErr := f.cache.SetQuote(ctx, *q); setErr != nil {
		f.logger.Warn("quote cache write failed",
			slog.String("symbol", symbol),
			slog.String("error", setErr.Error()),
		)
	}
	return q, nil
}

var _ domain.MarketDataFeed = (*CachedFeed)(nil)
