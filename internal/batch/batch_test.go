package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// memStores records every flush it receives and can be told to fail.
type memStores struct {
	mu       sync.Mutex
	trades   []domain.TradeRecord
	exits    []domain.TradeRecord
	execs    []domain.ExecutionLogRecord
	metrics  []domain.RiskMetricRecord
	failNext bool
	batches  int
}

func (m *memStores) InsertBatch(ctx context.Context, recs []domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("db unavailable")
	}
	m.trades = append(m.trades, recs...)
	m.batches++
	return nil
}

func (m *memStores) UpdateExit(ctx context.Context, rec domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exits = append(m.exits, rec)
	return nil
}

func (m *memStores) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (m *memStores) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memExecStore struct {
	mu   sync.Mutex
	recs []domain.ExecutionLogRecord
}

func (m *memExecStore) InsertBatch(ctx context.Context, recs []domain.ExecutionLogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memExecStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionLogRecord, error) {
	return nil, nil
}

func (m *memExecStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memMetricStore struct {
	mu   sync.Mutex
	recs []domain.RiskMetricRecord
}

func (m *memMetricStore) InsertBatch(ctx context.Context, recs []domain.RiskMetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memMetricStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(batchSize int, interval time.Duration) (*Writer, *memStores, *memExecStore, *memMetricStore) {
	ts := &memStores{}
	es := &memExecStore{}
	ms := &memMetricStore{}
	return NewWriter(ts, es, ms, batchSize, interval, testLogger()), ts, es, ms
}

func tradeRec(id string) domain.TradeRecord {
	return domain.TradeRecord{PositionID: id, Symbol: "SPY", EntryTime: time.Now(), Status: "OPEN"}
}

func TestEnqueueDoesNotWriteUntilFlush(t *testing.T) {
	w, ts, _, _ := newTestWriter(10, time.Hour)

	w.EnqueueTrade(tradeRec("p1"))
	w.EnqueueTrade(tradeRec("p2"))

	ts.mu.Lock()
	got := len(ts.trades)
	ts.mu.Unlock()
	if got != 0 {
		t.Fatalf("trades written before flush: %d", got)
	}

	w.Flush(context.Background())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.trades) != 2 {
		t.Fatalf("trades after flush = %d, want 2", len(ts.trades))
	}
}

func TestFlushDrainsAtMostBatchSizePerKind(t *testing.T) {
	w, ts, _, _ := newTestWriter(3, time.Hour)

	for i := 0; i < 5; i++ {
		w.EnqueueTrade(tradeRec("p"))
	}
	w.Flush(context.Background())

	ts.mu.Lock()
	got := len(ts.trades)
	ts.mu.Unlock()
	if got != 3 {
		t.Fatalf("first flush wrote %d, want 3", got)
	}
	pending, _, _ := w.PendingCounts()
	if pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}
}

func TestSizeTriggerSignalsFlush(t *testing.T) {
	w, ts, _, _ := newTestWriter(2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	w.EnqueueTrade(tradeRec("p1"))
	w.EnqueueTrade(tradeRec("p2")) // hits batchSize, kicks the flusher

	deadline := time.After(time.Second)
	for {
		ts.mu.Lock()
		n := len(ts.trades)
		ts.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("size-triggered flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestFlushFailureDropsBatch(t *testing.T) {
	w, ts, _, _ := newTestWriter(10, time.Hour)

	ts.failNext = true
	w.EnqueueTrade(tradeRec("p1"))
	w.Flush(context.Background())

	// Batch is gone, not retried.
	pending, _, _ := w.PendingCounts()
	if pending != 0 {
		t.Fatalf("pending = %d, want 0 after dropped batch", pending)
	}

	w.EnqueueTrade(tradeRec("p2"))
	w.Flush(context.Background())
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.trades) != 1 || ts.trades[0].PositionID != "p2" {
		t.Fatalf("trades = %+v, want only p2", ts.trades)
	}
}

func TestExitUpdatePreservesOrder(t *testing.T) {
	w, ts, _, _ := newTestWriter(10, time.Hour)

	w.EnqueueTrade(tradeRec("p1"))
	exit := tradeRec("p1")
	exit.Status = "CLOSED"
	w.EnqueueTradeExit(exit)
	w.Flush(context.Background())

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.trades) != 1 || len(ts.exits) != 1 {
		t.Fatalf("trades=%d exits=%d, want 1/1", len(ts.trades), len(ts.exits))
	}
}

func TestShutdownFlushesRemainder(t *testing.T) {
	w, ts, es, ms := newTestWriter(100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	w.EnqueueTrade(tradeRec("p1"))
	w.EnqueueExecution(domain.ExecutionLogRecord{PositionID: "p1", Action: "ENTRY"})
	w.EnqueueRiskMetric(domain.RiskMetricRecord{Equity: 10000})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	ts.mu.Lock()
	es.mu.Lock()
	ms.mu.Lock()
	defer ts.mu.Unlock()
	defer es.mu.Unlock()
	defer ms.mu.Unlock()
	if len(ts.trades) != 1 || len(es.recs) != 1 || len(ms.recs) != 1 {
		t.Fatalf("final flush incomplete: trades=%d execs=%d metrics=%d",
			len(ts.trades), len(es.recs), len(ms.recs))
	}
}
