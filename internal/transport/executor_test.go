package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/pool"
	"github.com/aerichmo/st0ckgo/internal/ratelimit"
)

type stubClient struct{}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, poolSize, maxPerMin int) *Executor[*stubClient] {
	t.Helper()
	p, err := pool.New(func() (*stubClient, error) { return &stubClient{}, nil }, poolSize)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	t.Cleanup(p.Close)

	lim := ratelimit.New(ratelimit.Limit{MaxRequests: maxPerMin, Window: time.Minute})
	e := NewExecutor(lim, p, discardLogger())
	e.SetBaseDelay(time.Millisecond)
	e.SetAcquireTimeout(20 * time.Millisecond)
	return e
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor(t, 1, 100)

	got, err := Execute(context.Background(), e, "orders",
		func(ctx context.Context, c *stubClient) (string, error) {
			return "ok", nil
		}, 3)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" {
		t.Fatalf("result = %q, want %q", got, "ok")
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	e := newTestExecutor(t, 1, 100)

	calls := 0
	got, err := Execute(context.Background(), e, "orders",
		func(ctx context.Context, c *stubClient) (int, error) {
			calls++
			if calls < 3 {
				return 0, fmt.Errorf("connection reset")
			}
			return 42, nil
		}, 5)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got %d after %d calls, want 42 after 3", got, calls)
	}
}

func TestExecuteReturnsLastErrorAfterExhaustion(t *testing.T) {
	e := newTestExecutor(t, 1, 100)

	boom := errors.New("boom")
	calls := 0
	_, err := Execute(context.Background(), e, "orders",
		func(ctx context.Context, c *stubClient) (int, error) {
			calls++
			return 0, boom
		}, 3)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped last error", err)
	}
}

func TestExecuteDoesNotRetryVenueRejection(t *testing.T) {
	e := newTestExecutor(t, 1, 100)

	calls := 0
	_, err := Execute(context.Background(), e, "orders",
		func(ctx context.Context, c *stubClient) (int, error) {
			calls++
			return 0, fmt.Errorf("insufficient buying power: %w", domain.ErrOrderRejected)
		}, 5)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on rejection)", calls)
	}
	if !errors.Is(err, domain.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
}

func TestExecuteReleasesClientOnError(t *testing.T) {
	e := newTestExecutor(t, 1, 100)

	_, _ = Execute(context.Background(), e, "orders",
		func(ctx context.Context, c *stubClient) (int, error) {
			return 0, errors.New("remote error")
		}, 2)

	// The single handle must be back in the pool.
	if e.clients.Available() != 1 {
		t.Fatalf("available = %d, want 1", e.clients.Available())
	}
}

func TestExecuteWaitsForRateBudget(t *testing.T) {
	e := newTestExecutor(t, 1, 1)
	e.limiter.SetLimit("orders", ratelimit.Limit{MaxRequests: 1, Window: 50 * time.Millisecond})

	ctx := context.Background()
	op := func(ctx context.Context, c *stubClient) (int, error) { return 1, nil }

	if _, err := Execute(ctx, e, "orders", op, 1); err != nil {
		t.Fatalf("first call: %v", err)
	}
	start := time.Now()
	if _, err := Execute(ctx, e, "orders", op, 1); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second call admitted after %v, expected rate-limit wait", elapsed)
	}
}

func TestExecuteHonoursContextDuringBackoff(t *testing.T) {
	e := newTestExecutor(t, 1, 100)
	e.SetBaseDelay(time.Hour) // would hang without cancellation

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, e, "orders",
		func(ctx context.Context, c *stubClient) (int, error) {
			return 0, errors.New("transient")
		}, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
