// Package transport wraps remote broker calls with rate-limit admission,
// pooled client acquisition, and exponential-backoff retry. It isolates the
// three independent failure modes of a remote call (no rate budget, no
// free connection, remote error) and retries with backoff only the last.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/pool"
	"github.com/aerichmo/st0ckgo/internal/ratelimit"
)

const (
	// rateLimitPollCap bounds how long one rate-limit wait sleeps before
	// rechecking. Admission is short-lived, so this is a flat cap rather
	// than a backoff.
	rateLimitPollCap = time.Second

	defaultAcquireTimeout = 5 * time.Second
	defaultBaseDelay      = 500 * time.Millisecond
)

// Operation is one remote call executed against a pooled client handle.
type Operation[T, R any] func(ctx context.Context, client T) (R, error)

// Executor serializes a remote call through the rate limiter, the
// connection pool, and a bounded retry loop.
type Executor[T any] struct {
	limiter        *ratelimit.Limiter
	clients        *pool.Pool[T]
	acquireTimeout time.Duration
	baseDelay      time.Duration
	logger         *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor over the given limiter and client pool.
func NewExecutor[T any](limiter *ratelimit.Limiter, clients *pool.Pool[T], logger *slog.Logger) *Executor[T] {
	return &Executor[T]{
		limiter:        limiter,
		clients:        clients,
		acquireTimeout: defaultAcquireTimeout,
		baseDelay:      defaultBaseDelay,
		logger:         logger.With(slog.String("component", "transport")),
		sleep:          sleepCtx,
	}
}

// SetAcquireTimeout changes how long one attempt waits for a pool handle.
func (e *Executor[T]) SetAcquireTimeout(d time.Duration) { e.acquireTimeout = d }

// SetBaseDelay changes the backoff base delay. Useful for tests.
func (e *Executor[T]) SetBaseDelay(d time.Duration) { e.baseDelay = d }

// Execute runs op under the category's rate limit with up to maxRetries
// attempts. Pool-acquisition timeouts consume an attempt without backoff;
// remote errors back off 2^attempt * baseDelay. Venue rejections are never
// retried. After exhaustion the last error is returned wrapped in
// domain.ErrRetryExhausted; the caller decides fatal vs. recoverable.
func Execute[T, R any](ctx context.Context, e *Executor[T], category string, op Operation[T, R], maxRetries int) (R, error) {
	var zero R

	if err := e.waitForBudget(ctx, category); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		client, err := e.clients.Acquire(ctx, e.acquireTimeout)
		if err != nil {
			if errors.Is(err, domain.ErrPoolTimeout) {
				// No connection is not a remote failure; try again
				// immediately rather than backing off.
				e.logger.Warn("pool acquisition timed out",
					slog.String("category", category),
					slog.Int("attempt", attempt),
				)
				lastErr = err
				continue
			}
			return zero, err
		}

		result, opErr := op(ctx, client)
		e.clients.Release(client)
		if opErr == nil {
			return result, nil
		}
		lastErr = opErr

		if errors.Is(opErr, domain.ErrOrderRejected) {
			// The venue said no; repeating the same order cannot help.
			return zero, opErr
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		e.logger.Warn("remote call failed",
			slog.String("category", category),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.String("error", opErr.Error()),
		)

		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt)) * e.baseDelay
			if err := e.sleep(ctx, backoff); err != nil {
				return zero, err
			}
		}
	}

	return zero, fmt.Errorf("transport: %s after %d attempts: %w (%w)",
		category, maxRetries, domain.ErrRetryExhausted, lastErr)
}

// waitForBudget blocks until the rate limiter admits a call in category.
// It polls with sleeps capped at rateLimitPollCap; admission windows are a
// minute at most, so a busy-wait with a cap beats exponential backoff here.
func (e *Executor[T]) waitForBudget(ctx context.Context, category string) error {
	for !e.limiter.Allow(category) {
		wait := e.limiter.WaitTime(category)
		if wait > rateLimitPollCap {
			wait = rateLimitPollCap
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		e.logger.Debug("rate limited",
			slog.String("category", category),
			slog.Duration("wait", wait),
		)
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx sleeps for d, honouring context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
