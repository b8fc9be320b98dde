package domain

import "time"

// LegStatus is the state of a single bracket leg. PENDING legs are live;
// TRIGGERED and CANCELLED are terminal.
type LegStatus string

const (
	LegStatusPending   LegStatus = "PENDING"
	LegStatusTriggered LegStatus = "TRIGGERED"
	LegStatusCancelled LegStatus = "CANCELLED"
)

// Terminal reports whether the leg can no longer fire.
func (s LegStatus) Terminal() bool { return s != LegStatusPending }

// LegKind identifies the three bracket legs.
type LegKind string

const (
	LegStopLoss LegKind = "stop_loss"
	LegTarget1  LegKind = "target_1"
	LegTarget2  LegKind = "target_2"
)

// OCOLeg is one exit leg of a bracket order.
type OCOLeg struct {
	Kind        LegKind
	Price       float64
	Qty         float64
	Status      LegStatus
	TriggeredAt *time.Time
}

// OCOOrder is a bracket of stop/target exit legs bound to one position.
//
// Invariants: at most one leg ever reaches TRIGGERED causing full closure;
// a triggered stop cancels all pending targets; target_1 adjusts the stop
// to breakeven exactly once (StopAdjusted).
type OCOOrder struct {
	ID           string
	PositionID   string
	Symbol       string
	EntryPrice   float64
	Side         PositionSide
	StopLoss     OCOLeg
	Target1      OCOLeg
	Target2      OCOLeg
	StopAdjusted bool
	CreatedAt    time.Time
}

// Done reports whether every leg has reached a terminal state.
func (o *OCOOrder) Done() bool {
	return o.StopLoss.Status.Terminal() &&
		o.Target1.Status.Terminal() &&
		o.Target2.Status.Terminal()
}

// ExitReason explains why the engine is closing (part of) a position.
type ExitReason string

const (
	ExitReasonStopLoss ExitReason = "stop_loss"
	ExitReasonTarget1  ExitReason = "target_1"
	ExitReasonTarget2  ExitReason = "target_2"
	ExitReasonTimeStop ExitReason = "time_stop"
	ExitReasonShutdown ExitReason = "shutdown"
	ExitReasonStrategy ExitReason = "strategy"
)

// ExitInstruction is emitted by the exit state machine when a leg fires.
// Qty is the quantity to close; Full marks a full-position exit.
type ExitInstruction struct {
	PositionID string
	Symbol     string
	Reason     ExitReason
	Qty        float64
	Price      float64 // trigger price observed, not a guaranteed fill
	Full       bool
}
