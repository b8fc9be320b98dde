// Package batch buffers persistence records in memory and flushes them to
// the durable stores in bulk, on a timer or when a queue fills. Persistence
// is deliberately best-effort: a failed flush is logged and dropped, never
// retried indefinitely, and never blocks a trading decision. The broker's
// own order and fill records remain the source of truth.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 5 * time.Second
)

// tradeOp distinguishes the initial insert from the exit upsert so both can
// share the trade queue and flush in arrival order.
type tradeOp struct {
	update bool
	rec    domain.TradeRecord
}

// Writer is the batched persistence front. Enqueue methods never block on
// I/O; a background goroutine started by Run performs the actual writes.
type Writer struct {
	trades  domain.TradeStore
	execs   domain.ExecutionLogStore
	metrics domain.RiskMetricStore

	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	tradeQ  []tradeOp
	execQ   []domain.ExecutionLogRecord
	metricQ []domain.RiskMetricRecord

	kick chan struct{} // size-triggered flush signal
}

// NewWriter creates a Writer over the three record stores. Non-positive
// batchSize or flushInterval fall back to the defaults.
func NewWriter(
	trades domain.TradeStore,
	execs domain.ExecutionLogStore,
	metrics domain.RiskMetricStore,
	batchSize int,
	flushInterval time.Duration,
	logger *slog.Logger,
) *Writer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Writer{
		trades:        trades,
		execs:         execs,
		metrics:       metrics,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger.With(slog.String("component", "batch_writer")),
		kick:          make(chan struct{}, 1),
	}
}

// EnqueueTrade queues the initial trade record for a new position.
func (w *Writer) EnqueueTrade(rec domain.TradeRecord) {
	w.mu.Lock()
	w.tradeQ = append(w.tradeQ, tradeOp{rec: rec})
	full := len(w.tradeQ) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// EnqueueTradeExit queues the exit upsert for an existing trade record.
func (w *Writer) EnqueueTradeExit(rec domain.TradeRecord) {
	w.mu.Lock()
	w.tradeQ = append(w.tradeQ, tradeOp{update: true, rec: rec})
	full := len(w.tradeQ) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// EnqueueExecution queues an execution-log record.
func (w *Writer) EnqueueExecution(rec domain.ExecutionLogRecord) {
	w.mu.Lock()
	w.execQ = append(w.execQ, rec)
	full := len(w.execQ) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// EnqueueRiskMetric queues a risk snapshot record.
func (w *Writer) EnqueueRiskMetric(rec domain.RiskMetricRecord) {
	w.mu.Lock()
	w.metricQ = append(w.metricQ, rec)
	full := len(w.metricQ) >= w.batchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// signal nudges the flush goroutine without blocking the caller.
func (w *Writer) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run flushes on the interval timer and on size triggers until ctx is
// cancelled, then performs one final synchronous flush so shutdown never
// loses queued records.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh context; ctx is already dead.
			// Loop until the queues drain so shutdown loses nothing.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			for {
				nt, ne, nm := w.PendingCounts()
				if nt == 0 && ne == 0 && nm == 0 {
					break
				}
				w.Flush(flushCtx)
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			w.Flush(ctx)
		case <-w.kick:
			w.Flush(ctx)
		}
	}
}

// Flush drains up to batchSize records per kind and performs one bulk write
// per kind. Failed batches are logged and dropped.
func (w *Writer) Flush(ctx context.Context) {
	trades, execs, metrics := w.drain()

	if len(trades) > 0 {
		w.flushTrades(ctx, trades)
	}
	if len(execs) > 0 {
		if err := w.execs.InsertBatch(ctx, execs); err != nil {
			w.logger.Error("execution log flush failed, dropping batch",
				slog.Int("records", len(execs)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(metrics) > 0 {
		if err := w.metrics.InsertBatch(ctx, metrics); err != nil {
			w.logger.Error("risk metric flush failed, dropping batch",
				slog.Int("records", len(metrics)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// drain removes up to batchSize records from each queue under the lock.
func (w *Writer) drain() ([]tradeOp, []domain.ExecutionLogRecord, []domain.RiskMetricRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	take := func(n int) int {
		if n > w.batchSize {
			return w.batchSize
		}
		return n
	}

	nt := take(len(w.tradeQ))
	trades := make([]tradeOp, nt)
	copy(trades, w.tradeQ[:nt])
	w.tradeQ = w.tradeQ[nt:]

	ne := take(len(w.execQ))
	execs := make([]domain.ExecutionLogRecord, ne)
	copy(execs, w.execQ[:ne])
	w.execQ = w.execQ[ne:]

	nm := take(len(w.metricQ))
	metrics := make([]domain.RiskMetricRecord, nm)
	copy(metrics, w.metricQ[:nm])
	w.metricQ = w.metricQ[nm:]

	return trades, execs, metrics
}

// flushTrades groups consecutive inserts into bulk writes and applies exit
// updates individually, preserving arrival order between the two.
func (w *Writer) flushTrades(ctx context.Context, ops []tradeOp) {
	var pending []domain.TradeRecord
	flushPending := func() {
		if len(pending) == 0 {
			return
		}
		if err := w.trades.InsertBatch(ctx, pending); err != nil {
			w.logger.Error("trade flush failed, dropping batch",
				slog.Int("records", len(pending)),
				slog.String("error", err.Error()),
			)
		}
		pending = pending[:0]
	}

	for _, op := range ops {
		if !op.update {
			pending = append(pending, op.rec)
			continue
		}
		flushPending()
		if err := w.trades.UpdateExit(ctx, op.rec); err != nil {
			w.logger.Error("trade exit update failed, dropping record",
				slog.String("position_id", op.rec.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
	flushPending()
}

// PendingCounts reports queued records per kind, for observability.
func (w *Writer) PendingCounts() (trades, execs, metrics int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tradeQ), len(w.execQ), len(w.metricQ)
}
