// Package pool provides a bounded pool of broker-client handles with
// blocking, timeout-aware acquisition. Handles are interchangeable, so no
// FIFO fairness is guaranteed: a released handle goes back to the available
// set and any waiter may take it.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// Factory builds one pool handle. It is called Size times at construction;
// handles are never destroyed except at pool shutdown.
type Factory[T any] func() (T, error)

// Pool is a fixed-size handle pool. It is safe for concurrent use.
type Pool[T any] struct {
	handles chan T
	size    int

	mu     sync.Mutex
	closed bool
}

// New creates a pool of size handles built by factory. A factory error at
// startup is fatal: the caller gets no pool.
func New[T any](factory Factory[T], size int) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	p := &Pool[T]{
		handles: make(chan T, size),
		size:    size,
	}
	for i := 0; i < size; i++ {
		h, err := factory()
		if err != nil {
			return nil, fmt.Errorf("pool: build handle %d/%d: %w", i+1, size, err)
		}
		p.handles <- h
	}
	return p, nil
}

// Acquire blocks until a handle is available, the timeout elapses, or ctx is
// cancelled. A timeout surfaces domain.ErrPoolTimeout so callers can treat
// it as a distinct failure mode from remote errors.
func (p *Pool[T]) Acquire(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, domain.ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case h, ok := <-p.handles:
		if !ok {
			return zero, domain.ErrPoolClosed
		}
		return h, nil
	case <-timer.C:
		return zero, domain.ErrPoolTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Release returns a handle to the available set. Releasing into a closed
// pool is a no-op.
func (p *Pool[T]) Release(h T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.handles <- h:
	default:
		// More releases than acquisitions is a caller bug; dropping the
		// extra handle keeps the pool bounded.
	}
}

// Available returns the number of idle handles.
func (p *Pool[T]) Available() int { return len(p.handles) }

// Size returns the fixed pool size.
func (p *Pool[T]) Size() int { return p.size }

// Close shuts the pool down. Pending and future Acquire calls receive
// domain.ErrPoolClosed. Handles need no teardown of their own; the broker
// HTTP clients the pool holds keep no open resources.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.handles)
	for range p.handles {
		// Drain so no goroutine can receive a stale handle.
	}
}
