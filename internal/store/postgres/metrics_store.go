package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// RiskMetricStore implements domain.RiskMetricStore using PostgreSQL.
type RiskMetricStore struct {
	pool *pgxpool.Pool
}

// NewRiskMetricStore creates a new RiskMetricStore backed by the given connection pool.
func NewRiskMetricStore(pool *pgxpool.Pool) *RiskMetricStore {
	return &RiskMetricStore{pool: pool}
}

var _ domain.RiskMetricStore = (*RiskMetricStore)(nil)

// InsertBatch inserts multiple risk metric snapshots using pgx Batch.
func (s *RiskMetricStore) InsertBatch(ctx context.Context, recs []domain.RiskMetricRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO risk_metrics (
			timestamp, equity, daily_pnl, consecutive_losses,
			open_positions, trades_today, trading_enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, r := range recs {
		batch.Queue(query,
			r.Timestamp, r.Equity, r.DailyPnL, r.ConsecutiveLosses,
			r.OpenPositions, r.TradesToday, r.TradingEnabled,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range recs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert risk metric batch item %d: %w", i, err)
		}
	}
	return nil
}

// DeleteBefore deletes all risk metrics with timestamp before the given time.
func (s *RiskMetricStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM risk_metrics WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete risk metrics before: %w", err)
	}
	return tag.RowsAffected(), nil
}
