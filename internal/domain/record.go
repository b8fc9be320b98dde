package domain

import "time"

// RecordKind tags a persistence record with its batch queue.
type RecordKind string

const (
	RecordKindTrade      RecordKind = "trade"
	RecordKindExecution  RecordKind = "execution_log"
	RecordKindRiskMetric RecordKind = "risk_metric"
)

// TradeRecord is the durable entry+exit lifecycle of one position. It is
// written once on entry and upserted on exit; the broker's own fill records
// remain the source of truth for correctness.
type TradeRecord struct {
	PositionID  string            `json:"position_id"`
	Symbol      string            `json:"symbol"`
	Side        string            `json:"side"`
	SignalKind  string            `json:"signal_kind"`
	EntryTime   time.Time         `json:"entry_time"`
	EntryPrice  float64           `json:"entry_price"`
	Qty         float64           `json:"qty"`
	ExitTime    *time.Time        `json:"exit_time,omitempty"`
	ExitPrice   *float64          `json:"exit_price,omitempty"`
	ExitReason  *string           `json:"exit_reason,omitempty"`
	RealizedPnL float64           `json:"realized_pnl"`
	StopLoss    float64           `json:"stop_loss"`
	Target1     float64           `json:"target_1"`
	Target2     float64           `json:"target_2"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ExecutionLogRecord captures every order action for audit and correlation.
type ExecutionLogRecord struct {
	PositionID string            `json:"position_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Action     string            `json:"action"` // "ENTRY", "EXIT_STOP_LOSS", "RETRY", ...
	Qty        float64           `json:"qty"`
	Price      float64           `json:"price"`
	Details    map[string]string `json:"details,omitempty"`
}

// RiskMetricRecord is a periodic snapshot of the session risk state.
type RiskMetricRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	Equity            float64   `json:"equity"`
	DailyPnL          float64   `json:"daily_pnl"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	OpenPositions     int       `json:"open_positions"`
	TradesToday       int       `json:"trades_today"`
	TradingEnabled    bool      `json:"trading_enabled"`
}
