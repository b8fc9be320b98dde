package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

const tradeSelectCols = `position_id, symbol, side, signal_kind, entry_time,
	entry_price, qty, exit_time, exit_price, exit_reason, realized_pnl,
	stop_loss, target_1, target_2, status, metadata`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var recs []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		if err := rows.Scan(
			&r.PositionID, &r.Symbol, &r.Side, &r.SignalKind,
			&r.EntryTime, &r.EntryPrice, &r.Qty,
			&r.ExitTime, &r.ExitPrice, &r.ExitReason, &r.RealizedPnL,
			&r.StopLoss, &r.Target1, &r.Target2, &r.Status, &r.Metadata,
		); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// InsertBatch inserts multiple trade records efficiently using pgx Batch.
// A record whose position_id already exists is silently skipped via
// ON CONFLICT DO NOTHING, so a retried flush never double-writes an entry.
func (s *TradeStore) InsertBatch(ctx context.Context, recs []domain.TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trades (
			position_id, symbol, side, signal_kind, entry_time,
			entry_price, qty, exit_time, exit_price, exit_reason,
			realized_pnl, stop_loss, target_1, target_2, status, metadata
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16
		) ON CONFLICT (position_id) DO NOTHING`

	for _, r := range recs {
		batch.Queue(query,
			r.PositionID, r.Symbol, r.Side, r.SignalKind, r.EntryTime,
			r.EntryPrice, r.Qty, r.ExitTime, r.ExitPrice, r.ExitReason,
			r.RealizedPnL, r.StopLoss, r.Target1, r.Target2, r.Status, r.Metadata,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
	}
	return nil
}

// UpdateExit records the exit side of a trade. The entry row must already
// exist; a missing row surfaces as domain.ErrNotFound.
func (s *TradeStore) UpdateExit(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		UPDATE trades SET
			exit_time    = $2,
			exit_price   = $3,
			exit_reason  = $4,
			realized_pnl = $5,
			qty          = $6,
			status       = $7,
			updated_at   = NOW()
		WHERE position_id = $1`

	tag, err := s.pool.Exec(ctx, query,
		rec.PositionID, rec.ExitTime, rec.ExitPrice, rec.ExitReason,
		rec.RealizedPnL, rec.Qty, rec.Status,
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade exit %s: %w", rec.PositionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListBefore returns all trades entered strictly before the given time (for archiving).
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE entry_time < $1 ORDER BY entry_time ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before: %w", err)
	}
	defer rows.Close()

	recs, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return recs, nil
}

// DeleteBefore deletes all trades entered before the given time. Returns the number deleted.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE entry_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
