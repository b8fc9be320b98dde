package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memBlob struct {
	objects map[string][]byte
	err     error
}

func (b *memBlob) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if b.err != nil {
		return b.err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = buf.Bytes()
	return nil
}

type memTrades struct {
	recs    []domain.TradeRecord
	deleted bool
}

func (s *memTrades) InsertBatch(ctx context.Context, recs []domain.TradeRecord) error { return nil }
func (s *memTrades) UpdateExit(ctx context.Context, rec domain.TradeRecord) error    { return nil }

func (s *memTrades) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, r := range s.recs {
		if r.EntryTime.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memTrades) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var kept []domain.TradeRecord
	var n int64
	for _, r := range s.recs {
		if r.EntryTime.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	s.deleted = n > 0
	return n, nil
}

type memExecs struct {
	recs []domain.ExecutionLogRecord
}

func (s *memExecs) InsertBatch(ctx context.Context, recs []domain.ExecutionLogRecord) error {
	return nil
}

func (s *memExecs) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionLogRecord, error) {
	var out []domain.ExecutionLogRecord
	for _, r := range s.recs {
		if r.Timestamp.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memExecs) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	var kept []domain.ExecutionLogRecord
	var n int64
	for _, r := range s.recs {
		if r.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.recs = kept
	return n, nil
}

type memMetrics struct {
	pruned int64
}

func (s *memMetrics) InsertBatch(ctx context.Context, recs []domain.RiskMetricRecord) error {
	return nil
}

func (s *memMetrics) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.pruned++
	return 3, nil
}

func TestRunArchivesOldRecordsThenPrunes(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	old := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	trades := &memTrades{recs: []domain.TradeRecord{
		{PositionID: "old-1", Symbol: "SPY", EntryTime: old},
		{PositionID: "new-1", Symbol: "SPY", EntryTime: recent},
	}}
	execs := &memExecs{recs: []domain.ExecutionLogRecord{
		{PositionID: "old-1", Timestamp: old, Action: "ENTRY"},
	}}
	metrics := &memMetrics{}
	blob := &memBlob{}

	a := New(blob, trades, execs, metrics, 30, testLogger())
	a.now = func() time.Time { return now }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Cutoff is July 16 2026 (now minus 30 days).
	obj, ok := blob.objects["archive/trades/2026/2026-07-16.jsonl"]
	if !ok {
		t.Fatalf("trade archive object missing, have %v", keys(blob.objects))
	}
	lines := strings.Split(strings.TrimSpace(string(obj)), "\n")
	if len(lines) != 1 {
		t.Fatalf("archived %d trades, want 1", len(lines))
	}
	var rec domain.TradeRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode archived trade: %v", err)
	}
	if rec.PositionID != "old-1" {
		t.Errorf("archived position = %s", rec.PositionID)
	}

	if len(trades.recs) != 1 || trades.recs[0].PositionID != "new-1" {
		t.Errorf("remaining trades = %+v, want only the recent one", trades.recs)
	}
	if _, ok := blob.objects["archive/execution_logs/2026/2026-07-16.jsonl"]; !ok {
		t.Error("execution log archive object missing")
	}
	if metrics.pruned != 1 {
		t.Errorf("metric prunes = %d", metrics.pruned)
	}
}

func TestDailyRunsWriteDistinctObjects(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	trades := &memTrades{recs: []domain.TradeRecord{
		{PositionID: "old-1", Symbol: "SPY", EntryTime: now.Add(-40 * 24 * time.Hour)},
	}}
	blob := &memBlob{}

	a := New(blob, trades, &memExecs{}, &memMetrics{}, 30, testLogger())
	a.now = func() time.Time { return now }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The next day's pass holds different rows; it must not replace the
	// previous day's object.
	now = now.Add(24 * time.Hour)
	trades.recs = append(trades.recs, domain.TradeRecord{
		PositionID: "old-2", Symbol: "SPY", EntryTime: now.Add(-35 * 24 * time.Hour),
	})

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	want := []string{
		"archive/trades/2026/2026-07-16.jsonl",
		"archive/trades/2026/2026-07-17.jsonl",
	}
	for _, key := range want {
		if _, ok := blob.objects[key]; !ok {
			t.Errorf("object %s missing, have %v", key, keys(blob.objects))
		}
	}
}

func TestRunSkipsUploadWhenNothingToArchive(t *testing.T) {
	blob := &memBlob{}
	a := New(blob, &memTrades{}, &memExecs{}, &memMetrics{}, 30, testLogger())

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(blob.objects) != 0 {
		t.Errorf("objects = %v, want none", keys(blob.objects))
	}
}

func TestFailedUploadDoesNotPrune(t *testing.T) {
	now := time.Now()
	trades := &memTrades{recs: []domain.TradeRecord{
		{PositionID: "old-1", EntryTime: now.Add(-90 * 24 * time.Hour)},
	}}
	blob := &memBlob{err: errors.New("bucket unavailable")}

	a := New(blob, trades, &memExecs{}, &memMetrics{}, 30, testLogger())

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error from failed upload")
	}
	if trades.deleted {
		t.Error("trades were pruned despite upload failure")
	}
}

func keys(m map[string][]byte) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}
