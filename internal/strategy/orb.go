// Package strategy contains entry signal generation and position sizing.
// Strategies are driven entirely by the engine goroutine, so they carry
// per-session state without locking.
package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// SignalKindORB tags signals produced by the opening-range breakout.
const SignalKindORB = "opening_range_breakout"

// riskTier maps an account equity ceiling to a per-trade risk fraction.
// Small accounts risk a larger fraction so fills stay above exchange
// minimums; the fraction steps down as the account grows.
type riskTier struct {
	maxEquity float64
	riskPct   float64
}

var riskTiers = []riskTier{
	{maxEquity: 2_000, riskPct: 0.20},
	{maxEquity: 10_000, riskPct: 0.15},
	{maxEquity: 25_000, riskPct: 0.10},
	{maxEquity: 100_000, riskPct: 0.05},
	{maxEquity: math.Inf(1), riskPct: 0.03},
}

// riskFraction returns the per-trade risk fraction for the given equity.
func riskFraction(equity float64) float64 {
	for _, t := range riskTiers {
		if equity < t.maxEquity {
			return t.riskPct
		}
	}
	return riskTiers[len(riskTiers)-1].riskPct
}

// ORBConfig parameterizes the opening-range breakout strategy.
type ORBConfig struct {
	// Symbol is the single instrument the strategy watches.
	Symbol string

	// RangeMinutes is how long after the session open the opening range
	// accumulates before breakouts are considered.
	RangeMinutes int

	// MinMovePct is the minimum move from the session open, in percent,
	// for a breakout to count as a drive rather than drift.
	MinMovePct float64

	// SignalTTL bounds how long an emitted signal stays executable.
	SignalTTL time.Duration

	// Location is the exchange timezone used to find the session open.
	Location *time.Location

	// OpenHour and OpenMinute are the session open wall-clock time.
	OpenHour   int
	OpenMinute int
}

// openingRange tracks the high/low band built during the first minutes of a
// session.
type openingRange struct {
	open     float64
	high     float64
	low      float64
	started  bool
	complete bool
}

// ORB is an opening-range breakout strategy: it records the price band of
// the first minutes after the open, then enters in the direction of a
// decisive break of that band. The stop sits at the far side of the range,
// so the range height defines the initial risk unit.
type ORB struct {
	cfg    ORBConfig
	logger *slog.Logger

	rng        openingRange
	sessionDay int // year*1000 + yday of the session rng belongs to
	signalled  map[domain.PositionSide]bool
}

// NewORB creates the strategy with defaults applied.
func NewORB(cfg ORBConfig, logger *slog.Logger) *ORB {
	if cfg.RangeMinutes <= 0 {
		cfg.RangeMinutes = 5
	}
	if cfg.MinMovePct <= 0 {
		cfg.MinMovePct = 0.20
	}
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.OpenHour == 0 && cfg.OpenMinute == 0 {
		cfg.OpenHour, cfg.OpenMinute = 9, 30
	}
	return &ORB{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "strategy")),
		signalled: make(map[domain.PositionSide]bool),
	}
}

var _ domain.Strategy = (*ORB)(nil)

// Name identifies the strategy in logs and persisted records.
func (s *ORB) Name() string { return SignalKindORB }

// CheckEntry accumulates the opening range and, once it is complete, emits
// at most one breakout signal per direction per session.
func (s *ORB) CheckEntry(snap domain.MarketSnapshot, open []domain.Position) *domain.Signal {
	q, ok := snap.Quotes[s.cfg.Symbol]
	if !ok {
		return nil
	}

	local := snap.Timestamp.In(s.cfg.Location)
	s.rollSession(local)

	sessionOpen := time.Date(local.Year(), local.Month(), local.Day(),
		s.cfg.OpenHour, s.cfg.OpenMinute, 0, 0, s.cfg.Location)
	sinceOpen := local.Sub(sessionOpen)
	if sinceOpen < 0 {
		return nil
	}

	if sinceOpen < time.Duration(s.cfg.RangeMinutes)*time.Minute {
		s.extendRange(q.Price)
		return nil
	}
	if !s.rng.started {
		// No quotes landed during the range window; seed it late so the
		// session is not a total write-off.
		s.extendRange(q.Price)
	}
	s.rng.complete = true

	for _, p := range open {
		if p.Symbol == s.cfg.Symbol {
			return nil
		}
	}

	movePct := (q.Price - s.rng.open) / s.rng.open * 100

	switch {
	case q.Price > s.rng.high && movePct >= s.cfg.MinMovePct && !s.signalled[domain.PositionSideLong]:
		s.signalled[domain.PositionSideLong] = true
		return s.signal(q, domain.PositionSideLong, s.rng.low, movePct, snap.Timestamp)
	case q.Price < s.rng.low && movePct <= -s.cfg.MinMovePct && !s.signalled[domain.PositionSideShort]:
		s.signalled[domain.PositionSideShort] = true
		return s.signal(q, domain.PositionSideShort, s.rng.high, movePct, snap.Timestamp)
	}
	return nil
}

// PositionSize converts a signal into a quantity risking a tiered fraction
// of equity against the signal's stop level. Returns zero when the stop
// distance is degenerate.
func (s *ORB) PositionSize(sig domain.Signal, equity float64) float64 {
	riskPerUnit := math.Abs(sig.Price - sig.StopLevel)
	if riskPerUnit <= 0 || equity <= 0 {
		return 0
	}
	riskAmount := equity * riskFraction(equity)
	return math.Floor(riskAmount / riskPerUnit)
}

// CheckExit flags a failed breakout: once price falls back through the
// session open the drive is over and the bracket's stop is too far away to
// wait for.
func (s *ORB) CheckExit(pos domain.Position, snap domain.MarketSnapshot) domain.ExitReason {
	if pos.Symbol != s.cfg.Symbol || !s.rng.complete {
		return ""
	}
	q, ok := snap.Quotes[pos.Symbol]
	if !ok {
		return ""
	}

	if pos.Side == domain.PositionSideLong && q.Price < s.rng.open {
		return domain.ExitReasonStrategy
	}
	if pos.Side == domain.PositionSideShort && q.Price > s.rng.open {
		return domain.ExitReasonStrategy
	}
	return ""
}

func (s *ORB) signal(q domain.Quote, side domain.PositionSide, stop, movePct float64, at time.Time) *domain.Signal {
	s.logger.Info("breakout detected",
		slog.String("symbol", s.cfg.Symbol),
		slog.String("side", string(side)),
		slog.Float64("price", q.Price),
		slog.Float64("move_pct", movePct),
		slog.Float64("stop_level", stop),
	)
	return &domain.Signal{
		ID:        uuid.NewString(),
		Symbol:    s.cfg.Symbol,
		Side:      side,
		Kind:      SignalKindORB,
		Price:     q.Price,
		StopLevel: stop,
		ExpiresAt: at.Add(s.cfg.SignalTTL),
		Metadata: map[string]string{
			"range_high": fmt.Sprintf("%.4f", s.rng.high),
			"range_low":  fmt.Sprintf("%.4f", s.rng.low),
			"move_pct":   fmt.Sprintf("%.2f", movePct),
		},
	}
}

// rollSession resets range state when the calendar day changes.
func (s *ORB) rollSession(local time.Time) {
	day := local.Year()*1000 + local.YearDay()
	if day != s.sessionDay {
		s.sessionDay = day
		s.rng = openingRange{}
		s.signalled = make(map[domain.PositionSide]bool)
	}
}

func (s *ORB) extendRange(price float64) {
	if !s.rng.started {
		s.rng = openingRange{open: price, high: price, low: price, started: true}
		return
	}
	if price > s.rng.high {
		s.rng.high = price
	}
	if price < s.rng.low {
		s.rng.low = price
	}
}
