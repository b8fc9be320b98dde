// Package risk implements pre-trade admission control and the session risk
// state it draws on. The gate is a tripped circuit breaker, not a one-shot
// filter: a daily-loss or consecutive-loss breach disables trading for the
// remainder of the session, until an explicit session reset.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// Limits are the admission thresholds. Zero values disable nothing; use
// Defaults for the standard profile.
type Limits struct {
	DailyLossLimitPct    float64 // fraction of equity, e.g. 0.40
	ConsecutiveLossLimit int
	MaxPositions         int
	MaxTradesPerDay      int
	MaxPortfolioHeat     float64 // open risk + proposed, as fraction of equity
}

// Defaults mirror the production risk profile.
func Defaults() Limits {
	return Limits{
		DailyLossLimitPct:    0.40,
		ConsecutiveLossLimit: 3,
		MaxPositions:         1,
		MaxTradesPerDay:      5,
		MaxPortfolioHeat:     0.06,
	}
}

// State is the mutable per-session risk state. It is owned exclusively by
// the engine loop; the gate never needs internal locking.
type State struct {
	Equity            float64
	DailyPnL          float64
	ConsecutiveLosses int
	TradesToday       int
	TradingEnabled    bool
	SessionStart      time.Time
}

// Gate evaluates admission rules against the session state.
type Gate struct {
	limits Limits
	state  State
	logger *slog.Logger
}

// NewGate creates a Gate with trading enabled and the given starting equity.
func NewGate(limits Limits, equity float64, logger *slog.Logger) *Gate {
	return &Gate{
		limits: limits,
		state: State{
			Equity:         equity,
			TradingEnabled: true,
			SessionStart:   time.Now(),
		},
		logger: logger.With(slog.String("component", "risk_gate")),
	}
}

// Admit decides whether a trade risking proposedRisk dollars may proceed.
// openPositions and openRisk describe the current book. Checks short-circuit
// in order; a breach of the latch, the loss streak, or the daily loss limit
// trips the breaker for the rest of the session.
func (g *Gate) Admit(proposedRisk float64, openPositions int, openRisk float64) (bool, string) {
	if !g.state.TradingEnabled {
		return false, "trading disabled for the session"
	}

	if g.limits.ConsecutiveLossLimit > 0 && g.state.ConsecutiveLosses >= g.limits.ConsecutiveLossLimit {
		reason := fmt.Sprintf("consecutive losses %d >= %d",
			g.state.ConsecutiveLosses, g.limits.ConsecutiveLossLimit)
		g.trip(reason)
		return false, reason
	}

	if g.limits.DailyLossLimitPct > 0 && g.state.Equity > 0 {
		limit := -g.limits.DailyLossLimitPct * g.state.Equity
		if g.state.DailyPnL <= limit {
			reason := fmt.Sprintf("daily loss limit reached: %.2f <= %.2f", g.state.DailyPnL, limit)
			g.trip(reason)
			return false, reason
		}
		if g.state.DailyPnL-proposedRisk <= limit {
			reason := fmt.Sprintf("trade risk %.2f would breach daily loss limit", proposedRisk)
			g.trip(reason)
			return false, reason
		}
	}

	if g.limits.MaxTradesPerDay > 0 && g.state.TradesToday >= g.limits.MaxTradesPerDay {
		// Trade-count exhaustion is not a breaker trip; the session simply
		// has no entries left.
		return false, fmt.Sprintf("max trades per day reached: %d", g.state.TradesToday)
	}

	if g.limits.MaxPositions > 0 && openPositions >= g.limits.MaxPositions {
		return false, fmt.Sprintf("max open positions reached: %d", openPositions)
	}

	if g.limits.MaxPortfolioHeat > 0 && g.state.Equity > 0 {
		heat := (openRisk + proposedRisk) / g.state.Equity
		if heat > g.limits.MaxPortfolioHeat {
			return false, fmt.Sprintf("portfolio heat %.1f%% > %.1f%%",
				heat*100, g.limits.MaxPortfolioHeat*100)
		}
	}

	return true, ""
}

// trip latches trading off for the remainder of the session.
func (g *Gate) trip(reason string) {
	if !g.state.TradingEnabled {
		return
	}
	g.state.TradingEnabled = false
	g.logger.Warn("risk circuit breaker tripped",
		slog.String("reason", reason),
		slog.Float64("daily_pnl", g.state.DailyPnL),
		slog.Int("consecutive_losses", g.state.ConsecutiveLosses),
	)
}

// ClosePosition records a realized close. Losses extend the streak; any win
// resets it. Nothing is re-evaluated eagerly; the next Admit call sees the
// new state. The trading latch never flips back on here, even after a win.
func (g *Gate) ClosePosition(pnl float64) {
	g.state.DailyPnL += pnl
	g.state.TradesToday++
	if pnl < 0 {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}
}

// UpdateEquity refreshes account equity from a broker snapshot.
func (g *Gate) UpdateEquity(equity float64) {
	g.state.Equity = equity
}

// ResetSession clears daily metrics and re-enables trading. Called only at
// a session boundary, never mid-day.
func (g *Gate) ResetSession(equity float64) {
	g.state = State{
		Equity:         equity,
		TradingEnabled: true,
		SessionStart:   time.Now(),
	}
	g.logger.Info("risk session reset", slog.Float64("equity", equity))
}

// State returns a copy of the current session state.
func (g *Gate) State() State { return g.state }

// Snapshot renders the state as a persistable risk metric record.
func (g *Gate) Snapshot(openPositions int, now time.Time) domain.RiskMetricRecord {
	return domain.RiskMetricRecord{
		Timestamp:         now,
		Equity:            g.state.Equity,
		DailyPnL:          g.state.DailyPnL,
		ConsecutiveLosses: g.state.ConsecutiveLosses,
		OpenPositions:     openPositions,
		TradesToday:       g.state.TradesToday,
		TradingEnabled:    g.state.TradingEnabled,
	}
}
