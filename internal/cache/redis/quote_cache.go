package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// QuoteCache implements domain.QuoteCache using Redis hashes. Each symbol's
// quote is stored as a hash at key "quote:{symbol}" with fields "price",
// "bid", "ask", and "ts" (Unix nanosecond timestamp). Keys expire after the
// configured TTL so a dead feed cannot serve prices forever.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache backed by the given Client. Entries
// expire after ttl.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// SetQuote stores the latest quote for a symbol and refreshes its TTL.
func (qc *QuoteCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.Symbol)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(q.Price, 'f', -1, 64),
		"bid":   strconv.FormatFloat(q.Bid, 'f', -1, 64),
		"ask":   strconv.FormatFloat(q.Ask, 'f', -1, 64),
		"ts":    strconv.FormatInt(q.Timestamp.UnixNano(), 10),
	}

	pipe := qc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, qc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.Symbol, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for a symbol. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (qc *QuoteCache) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse price for %s: %w", symbol, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis: parse ts for %s: %w", symbol, err)
	}

	q := &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Unix(0, tsNano),
	}
	// Bid and ask are optional; a missing field parses to zero.
	if bid, err := strconv.ParseFloat(vals["bid"], 64); err == nil {
		q.Bid = bid
	}
	if ask, err := strconv.ParseFloat(vals["ask"], 64); err == nil {
		q.Ask = ask
	}
	return q, nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)
