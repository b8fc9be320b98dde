// Package archive exports aged trade history to blob storage and prunes it
// from the primary database. Exports are newline-delimited JSON keyed by the
// cutoff date of the run, one object per record kind per pass.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

const contentTypeJSONL = "application/x-ndjson"

// Archiver moves records older than the retention window from the stores to
// blob storage, then deletes them. A kind is only pruned after its upload
// succeeded, so a failed upload never loses data.
type Archiver struct {
	writer        domain.BlobWriter
	trades        domain.TradeStore
	executions    domain.ExecutionLogStore
	metrics       domain.RiskMetricStore
	retentionDays int
	logger        *slog.Logger

	now func() time.Time
}

// New creates an Archiver with the given retention window in days.
func New(
	writer domain.BlobWriter,
	trades domain.TradeStore,
	executions domain.ExecutionLogStore,
	metrics domain.RiskMetricStore,
	retentionDays int,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:        writer,
		trades:        trades,
		executions:    executions,
		metrics:       metrics,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
	}
}

// Run executes a single archive pass over all record kinds.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	tradeCount, err := a.archiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: trades before %v: %w", cutoff, err)
	}

	execCount, err := a.archiveExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: execution logs before %v: %w", cutoff, err)
	}

	// Risk metrics are point-in-time snapshots with no audit value past the
	// retention window; they are pruned without export.
	metricCount, err := a.metrics.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive: prune risk metrics before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete",
		slog.Int64("trades_archived", tradeCount),
		slog.Int64("executions_archived", execCount),
		slog.Int64("metrics_pruned", metricCount),
	)
	return nil
}

// RunEvery runs archive passes on a fixed interval until the context is
// cancelled. A failed pass is logged and retried at the next tick.
func (a *Archiver) RunEvery(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	a.logger.Info("archiver started", slog.Duration("interval", every))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Archiver) archiveTrades(ctx context.Context, cutoff time.Time) (int64, error) {
	recs, err := a.trades.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	path := archivePath("trades", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
		return 0, fmt.Errorf("upload %s: %w", path, err)
	}

	deleted, err := a.trades.DeleteBefore(ctx, cutoff)
	if err != nil {
		return int64(len(recs)), fmt.Errorf("prune: %w", err)
	}
	return deleted, nil
}

func (a *Archiver) archiveExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	recs, err := a.executions.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("marshal: %w", err)
	}

	path := archivePath("execution_logs", cutoff)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), contentTypeJSONL); err != nil {
		return 0, fmt.Errorf("upload %s: %w", path, err)
	}

	deleted, err := a.executions.DeleteBefore(ctx, cutoff)
	if err != nil {
		return int64(len(recs)), fmt.Errorf("prune: %w", err)
	}
	return deleted, nil
}

// archivePath builds the object key for an archive file. Passes run daily
// and each pass holds only the rows pruned by it, so the key carries the
// full cutoff date; a coarser partition would overwrite earlier passes.
//
//	archive/trades/2026/2026-08-15.jsonl
//	archive/execution_logs/2026/2026-08-15.jsonl
func archivePath(kind string, cutoff time.Time) string {
	return fmt.Sprintf("archive/%s/%d/%s.jsonl", kind, cutoff.Year(), cutoff.Format("2006-01-02"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
