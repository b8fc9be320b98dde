package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// ExecutionLogStore implements domain.ExecutionLogStore using PostgreSQL.
type ExecutionLogStore struct {
	pool *pgxpool.Pool
}

// NewExecutionLogStore creates a new ExecutionLogStore backed by the given connection pool.
func NewExecutionLogStore(pool *pgxpool.Pool) *ExecutionLogStore {
	return &ExecutionLogStore{pool: pool}
}

var _ domain.ExecutionLogStore = (*ExecutionLogStore)(nil)

const executionSelectCols = `position_id, timestamp, action, qty, price, details`

// InsertBatch inserts multiple execution log records using pgx Batch.
func (s *ExecutionLogStore) InsertBatch(ctx context.Context, recs []domain.ExecutionLogRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO execution_logs (position_id, timestamp, action, qty, price, details)
		VALUES ($1, $2, $3, $4, $5, $6)`

	for _, r := range recs {
		batch.Queue(query, r.PositionID, r.Timestamp, r.Action, r.Qty, r.Price, r.Details)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert execution batch item %d: %w", i, err)
		}
	}
	return nil
}

// ListBefore returns all execution logs with timestamp strictly before the given time.
func (s *ExecutionLogStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionLogRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM execution_logs WHERE timestamp < $1 ORDER BY timestamp ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution logs before: %w", err)
	}
	defer rows.Close()

	var recs []domain.ExecutionLogRecord
	for rows.Next() {
		var r domain.ExecutionLogRecord
		if err := rows.Scan(&r.PositionID, &r.Timestamp, &r.Action, &r.Qty, &r.Price, &r.Details); err != nil {
			return nil, fmt.Errorf("postgres: scan execution log: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DeleteBefore deletes all execution logs with timestamp before the given time.
func (s *ExecutionLogStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM execution_logs WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete execution logs before: %w", err)
	}
	return tag.RowsAffected(), nil
}
