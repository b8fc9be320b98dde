package domain

import "time"

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// PositionStatus tracks the position lifecycle. A position becomes
// PARTIALLY_CLOSED after the first partial exit and CLOSED when its
// remaining quantity reaches zero.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "OPEN"
	PositionStatusPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionStatusClosed          PositionStatus = "CLOSED"
)

// Position is a live trading position. It is created when an entry order
// fills and removed from the active set when its quantity reaches zero.
// Positions are owned exclusively by the engine loop; other components
// receive read-only references and must never retain mutated copies.
type Position struct {
	ID          string
	Symbol      string
	Side        PositionSide
	Qty         float64 // remaining quantity
	OriginalQty float64
	EntryPrice  float64
	EntryTime   time.Time

	// CurrentPrice is nil until the first quote update lands.
	CurrentPrice *float64

	RealizedPnL   float64
	UnrealizedPnL float64
	Status        PositionStatus

	// OCOID is the id of the bracket order owning this position's exits.
	OCOID string

	// RiskAmount is the dollar risk accepted at entry (entry to stop),
	// used for portfolio heat accounting.
	RiskAmount float64

	Strategy string
	OrderID  string
	ExitTime *time.Time
}

// UpdatePrice records the latest quote price and refreshes unrealized P&L
// on the remaining quantity.
func (p *Position) UpdatePrice(price float64) {
	p.CurrentPrice = &price
	if p.Side == PositionSideLong {
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Qty
	} else {
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Qty
	}
}

// ApplyExit reduces the position by qty sold at price and returns the
// realized P&L of the slice. Status transitions to PARTIALLY_CLOSED or
// CLOSED as the remaining quantity allows. qty is clamped to the remaining
// size so a racing double-exit can never drive quantity negative.
func (p *Position) ApplyExit(qty, price float64, at time.Time) float64 {
	if qty > p.Qty {
		qty = p.Qty
	}
	var pnl float64
	if p.Side == PositionSideLong {
		pnl = (price - p.EntryPrice) * qty
	} else {
		pnl = (p.EntryPrice - price) * qty
	}
	p.Qty -= qty
	p.RealizedPnL += pnl
	if p.Qty <= 0 {
		p.Qty = 0
		p.Status = PositionStatusClosed
		p.UnrealizedPnL = 0
		t := at
		p.ExitTime = &t
	} else {
		p.Status = PositionStatusPartiallyClosed
		if p.CurrentPrice != nil {
			p.UpdatePrice(*p.CurrentPrice)
		}
	}
	return pnl
}

// Age returns how long the position has been open as of now.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}
