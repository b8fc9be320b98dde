// Package oco manages bracket-style exits: one stop-loss and two profit
// targets per position, with a breakeven ratchet after the first target.
// Leg transitions follow OCO (one-cancels-other) semantics: a full-closure
// trigger cancels every remaining pending leg.
package oco

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// ExitParams are the R-multiple bracket parameters. Stop and target prices
// derive from the entry price: stop = entry * (1 + StopLossR), target_n =
// entry * (1 + TargetNR), mirrored for shorts. Target1SizePct of the
// quantity comes off at target_1; the remainder rides to target_2.
type ExitParams struct {
	StopLossR       float64 // negative, e.g. -1.0
	Target1R        float64
	Target1SizePct  float64 // in (0,1)
	Target2R        float64
	TimeStopMinutes int
}

// DefaultExitParams mirror the production bracket profile.
func DefaultExitParams() ExitParams {
	return ExitParams{
		StopLossR:       -1.0,
		Target1R:        1.0,
		Target1SizePct:  0.75,
		Target2R:        2.0,
		TimeStopMinutes: 30,
	}
}

// Levels are the resolved bracket prices for one position.
type Levels struct {
	StopLoss float64
	Target1  float64
	Target2  float64
}

// CalculateLevels resolves the bracket prices for an entry. The stop is
// clamped at zero: an instrument cannot trade below worthless.
func (p ExitParams) CalculateLevels(entryPrice float64, side domain.PositionSide) Levels {
	if side == domain.PositionSideShort {
		stop := entryPrice * (1 - p.StopLossR)
		return Levels{
			StopLoss: stop,
			Target1:  entryPrice * (1 - p.Target1R),
			Target2:  entryPrice * (1 - p.Target2R),
		}
	}
	stop := entryPrice * (1 + p.StopLossR)
	if stop < 0 {
		stop = 0
	}
	return Levels{
		StopLoss: stop,
		Target1:  entryPrice * (1 + p.Target1R),
		Target2:  entryPrice * (1 + p.Target2R),
	}
}

// Manager owns the OCO orders for all active positions. It is driven only
// by the engine loop and therefore needs no locking.
type Manager struct {
	params ExitParams
	orders map[string]*domain.OCOOrder // keyed by position id
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates an empty Manager with the given bracket parameters.
func NewManager(params ExitParams, logger *slog.Logger) *Manager {
	return &Manager{
		params: params,
		orders: make(map[string]*domain.OCOOrder),
		logger: logger.With(slog.String("component", "oco")),
		now:    time.Now,
	}
}

// Create builds the bracket for a freshly filled position and registers it.
func (m *Manager) Create(pos *domain.Position) *domain.OCOOrder {
	levels := m.params.CalculateLevels(pos.EntryPrice, pos.Side)

	t1Qty := pos.Qty * m.params.Target1SizePct
	t2Qty := pos.Qty - t1Qty

	o := &domain.OCOOrder{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		Side:       pos.Side,
		StopLoss: domain.OCOLeg{
			Kind: domain.LegStopLoss, Price: levels.StopLoss,
			Qty: pos.Qty, Status: domain.LegStatusPending,
		},
		Target1: domain.OCOLeg{
			Kind: domain.LegTarget1, Price: levels.Target1,
			Qty: t1Qty, Status: domain.LegStatusPending,
		},
		Target2: domain.OCOLeg{
			Kind: domain.LegTarget2, Price: levels.Target2,
			Qty: t2Qty, Status: domain.LegStatusPending,
		},
		CreatedAt: m.now(),
	}
	m.orders[pos.ID] = o

	m.logger.Info("bracket created",
		slog.String("position_id", pos.ID),
		slog.String("oco_id", o.ID),
		slog.Float64("stop_loss", levels.StopLoss),
		slog.Float64("target_1", levels.Target1),
		slog.Float64("target_2", levels.Target2),
	)
	return o
}

// Get returns the bracket for a position, or nil.
func (m *Manager) Get(positionID string) *domain.OCOOrder {
	return m.orders[positionID]
}

// Check evaluates the bracket against the current price and position age,
// emitting at most one exit instruction. Calls after all legs are terminal
// are no-ops, so repeated checks on a closed position are safe.
func (m *Manager) Check(pos *domain.Position, price float64, now time.Time) *domain.ExitInstruction {
	o, ok := m.orders[pos.ID]
	if !ok {
		return nil
	}

	// Time stop overrides leg states: force a full exit.
	if m.params.TimeStopMinutes > 0 && !o.Done() {
		age := now.Sub(pos.EntryTime)
		if age >= time.Duration(m.params.TimeStopMinutes)*time.Minute {
			m.cancelPending(o)
			m.logger.Info("time stop hit",
				slog.String("position_id", pos.ID),
				slog.Duration("age", age),
			)
			return &domain.ExitInstruction{
				PositionID: pos.ID,
				Symbol:     pos.Symbol,
				Reason:     domain.ExitReasonTimeStop,
				Qty:        pos.Qty,
				Price:      price,
				Full:       true,
			}
		}
	}

	if o.StopLoss.Status == domain.LegStatusPending && m.stopBreached(o, price) {
		m.trigger(&o.StopLoss, now)
		m.cancelLeg(&o.Target1)
		m.cancelLeg(&o.Target2)
		m.logger.Info("stop loss triggered",
			slog.String("position_id", pos.ID),
			slog.Float64("stop", o.StopLoss.Price),
			slog.Float64("price", price),
			slog.Bool("at_breakeven", o.StopAdjusted),
		)
		return &domain.ExitInstruction{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     domain.ExitReasonStopLoss,
			Qty:        pos.Qty,
			Price:      price,
			Full:       true,
		}
	}

	if o.Target1.Status == domain.LegStatusPending && m.targetReached(o, o.Target1.Price, price) {
		m.trigger(&o.Target1, now)
		if !o.StopAdjusted {
			// Breakeven ratchet: applied exactly once per position.
			o.StopLoss.Price = o.EntryPrice
			o.StopAdjusted = true
			m.logger.Info("stop moved to breakeven",
				slog.String("position_id", pos.ID),
				slog.Float64("stop", o.StopLoss.Price),
			)
		}
		return &domain.ExitInstruction{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     domain.ExitReasonTarget1,
			Qty:        o.Target1.Qty,
			Price:      o.Target1.Price,
		}
	}

	if o.Target2.Status == domain.LegStatusPending && m.targetReached(o, o.Target2.Price, price) {
		m.trigger(&o.Target2, now)
		// Full exit achieved; the stop has nothing left to protect.
		m.cancelLeg(&o.StopLoss)
		m.logger.Info("target 2 triggered",
			slog.String("position_id", pos.ID),
			slog.Float64("price", o.Target2.Price),
		)
		return &domain.ExitInstruction{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     domain.ExitReasonTarget2,
			Qty:        pos.Qty, // whatever remains
			Price:      o.Target2.Price,
			Full:       true,
		}
	}

	return nil
}

// Cancel marks every pending leg cancelled, e.g. on a strategy-forced or
// shutdown exit.
func (m *Manager) Cancel(positionID string) {
	o, ok := m.orders[positionID]
	if !ok {
		return
	}
	m.cancelPending(o)
}

// Remove drops the bracket once the position is gone.
func (m *Manager) Remove(positionID string) {
	delete(m.orders, positionID)
}

// ActiveCount returns the number of registered brackets.
func (m *Manager) ActiveCount() int { return len(m.orders) }

func (m *Manager) stopBreached(o *domain.OCOOrder, price float64) bool {
	if o.Side == domain.PositionSideShort {
		return price >= o.StopLoss.Price
	}
	return price <= o.StopLoss.Price
}

func (m *Manager) targetReached(o *domain.OCOOrder, target, price float64) bool {
	if o.Side == domain.PositionSideShort {
		return price <= target
	}
	return price >= target
}

func (m *Manager) trigger(leg *domain.OCOLeg, now time.Time) {
	leg.Status = domain.LegStatusTriggered
	t := now
	leg.TriggeredAt = &t
}

func (m *Manager) cancelLeg(leg *domain.OCOLeg) {
	if leg.Status == domain.LegStatusPending {
		leg.Status = domain.LegStatusCancelled
	}
}

func (m *Manager) cancelPending(o *domain.OCOOrder) {
	m.cancelLeg(&o.StopLoss)
	m.cancelLeg(&o.Target1)
	m.cancelLeg(&o.Target2)
}
