// Package engine runs the trading loop. One goroutine owns all mutable
// trading state (positions, brackets, risk gate); every cycle it refreshes
// quotes, evaluates exits before entries, and enqueues persistence records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aerichmo/st0ckgo/internal/batch"
	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/oco"
	"github.com/aerichmo/st0ckgo/internal/risk"
	"github.com/aerichmo/st0ckgo/internal/transport"
)

// shutdownTimeout bounds the force-close pass after the run context is
// cancelled.
const shutdownTimeout = 10 * time.Second

// Options are the loop parameters. WindowStart and WindowEnd are minutes of
// day interpreted in Location; entries are only taken inside the window.
type Options struct {
	Symbol        string
	CycleInterval time.Duration
	PriceWorkers  int
	WindowStart   int
	WindowEnd     int
	Location      *time.Location
	MaxRetries    int

	// AllowOnDataError lets the entry path proceed when the account
	// refresh failed and the gate is working from stale equity.
	AllowOnDataError bool
}

// Notifier is the subset of the notification dispatcher the engine uses.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Engine owns the position lifecycle. All state mutation happens on the
// goroutine running Run; collaborators receive copies or instructions.
type Engine struct {
	opts     Options
	trading  *transport.Executor[domain.Broker]
	feed     domain.MarketDataFeed
	strategy domain.Strategy
	brackets *oco.Manager
	gate     *risk.Gate
	store    *batch.Writer
	notifier Notifier
	logger   *slog.Logger

	now func() time.Time

	positions map[string]*domain.Position

	// pendingExits holds exit instructions whose orders failed; they are
	// retried at the start of the next cycle, before any fresh checks.
	pendingExits []*domain.ExitInstruction

	equityStale  bool
	haltNotified bool
	sessionDay   int
}

// New creates an Engine. notifier may be nil.
func New(
	opts Options,
	trading *transport.Executor[domain.Broker],
	feed domain.MarketDataFeed,
	strategy domain.Strategy,
	brackets *oco.Manager,
	gate *risk.Gate,
	store *batch.Writer,
	notifier Notifier,
	logger *slog.Logger,
) *Engine {
	if opts.PriceWorkers < 1 {
		opts.PriceWorkers = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	return &Engine{
		opts:      opts,
		trading:   trading,
		feed:      feed,
		strategy:  strategy,
		brackets:  brackets,
		gate:      gate,
		store:     store,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "engine")),
		now:       time.Now,
		positions: make(map[string]*domain.Position),
	}
}

// Run executes trading cycles until the context is cancelled, then force-
// closes every open position before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started",
		slog.String("symbol", e.opts.Symbol),
		slog.String("strategy", e.strategy.Name()),
		slog.Duration("cycle_interval", e.opts.CycleInterval),
	)
	defer e.logger.Info("engine stopped")

	ticker := time.NewTicker(e.opts.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// OpenPositions returns copies of the currently open positions.
func (e *Engine) OpenPositions() []domain.Position {
	out := make([]domain.Position, 0, len(e.positions))
	for _, p := range e.sortedPositions() {
		out = append(out, *p)
	}
	return out
}

// runCycle performs one tick: refresh equity, refresh quotes, exits, entries,
// and a risk snapshot. Exits always run before entries so freed capacity is
// visible to the gate within the same cycle.
func (e *Engine) runCycle(ctx context.Context) {
	now := e.now()

	e.refreshEquity(ctx)
	e.rollSession(now)
	snap := e.collectQuotes(ctx, now)

	for _, pos := range e.positions {
		if q, ok := snap.Quotes[pos.Symbol]; ok {
			pos.UpdatePrice(q.Price)
		}
	}

	e.checkExits(ctx, snap, now)
	e.maybeEnter(ctx, snap, now)

	e.store.EnqueueRiskMetric(e.gate.Snapshot(len(e.positions), now))
}

// rollSession resets the gate's daily counters when the local trading day
// changes. The engine is a multi-day daemon; without the reset a tripped
// breaker or an exhausted trade count would carry into every later session.
func (e *Engine) rollSession(now time.Time) {
	t := now
	if e.opts.Location != nil {
		t = now.In(e.opts.Location)
	}
	day := t.Year()*1000 + t.YearDay()
	if day == e.sessionDay {
		return
	}
	if e.sessionDay != 0 {
		e.gate.ResetSession(e.gate.State().Equity)
		e.haltNotified = false
	}
	e.sessionDay = day
}

// refreshEquity pulls the account snapshot and feeds equity to the gate.
// A failure leaves the gate on the last known equity and marks it stale.
func (e *Engine) refreshEquity(ctx context.Context) {
	account, err := transport.Execute(ctx, e.trading, "account",
		func(ctx context.Context, b domain.Broker) (*domain.Account, error) {
			return b.GetAccount(ctx)
		}, e.opts.MaxRetries)
	if err != nil {
		e.equityStale = true
		e.logger.Warn("account refresh failed", slog.String("error", err.Error()))
		return
	}
	e.equityStale = false
	e.gate.UpdateEquity(account.Equity)
}

// collectQuotes fetches quotes for the traded symbol and every open position
// concurrently. A failed symbol is simply absent from the snapshot; the
// engine treats a missing quote as "no data this tick".
func (e *Engine) collectQuotes(ctx context.Context, now time.Time) domain.MarketSnapshot {
	seen := map[string]bool{e.opts.Symbol: true}
	symbols := []string{e.opts.Symbol}
	for _, pos := range e.sortedPositions() {
		if !seen[pos.Symbol] {
			seen[pos.Symbol] = true
			symbols = append(symbols, pos.Symbol)
		}
	}

	results := make([]*domain.Quote, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.PriceWorkers)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			q, err := e.feed.GetQuote(gctx, symbol)
			if err != nil {
				if !errors.Is(err, domain.ErrStaleQuote) {
					e.logger.Warn("quote fetch failed",
						slog.String("symbol", symbol),
						slog.String("error", err.Error()),
					)
				}
				return nil
			}
			results[i] = q
			return nil
		})
	}
	_ = g.Wait()

	snap := domain.MarketSnapshot{Timestamp: now, Quotes: make(map[string]domain.Quote, len(symbols))}
	for _, q := range results {
		if q != nil {
			snap.Quotes[q.Symbol] = *q
		}
	}
	return snap
}

// checkExits retries failed exit orders first, then evaluates every open
// position against its bracket and the strategy's own exit logic.
func (e *Engine) checkExits(ctx context.Context, snap domain.MarketSnapshot, now time.Time) {
	retries := e.pendingExits
	e.pendingExits = nil
	for _, inst := range retries {
		pos, ok := e.positions[inst.PositionID]
		if !ok {
			continue
		}
		e.executeExit(ctx, pos, inst, now)
	}

	for _, pos := range e.sortedPositions() {
		q, ok := snap.Quotes[pos.Symbol]
		if !ok {
			// Without a price only the time stop can fire.
			if cur := pos.CurrentPrice; cur != nil {
				q = domain.Quote{Symbol: pos.Symbol, Price: *cur}
			} else {
				continue
			}
		}

		inst := e.brackets.Check(pos, q.Price, now)
		if inst == nil && e.strategy != nil {
			if reason := e.strategy.CheckExit(*pos, snap); reason != "" {
				e.brackets.Cancel(pos.ID)
				inst = &domain.ExitInstruction{
					PositionID: pos.ID,
					Symbol:     pos.Symbol,
					Reason:     reason,
					Qty:        pos.Qty,
					Price:      q.Price,
					Full:       true,
				}
			}
		}
		if inst == nil {
			continue
		}
		e.executeExit(ctx, pos, inst, now)
	}
}

// executeExit places the closing order for an instruction and applies the
// fill to engine state. A failed order leaves the position open and queues
// the instruction for the next cycle.
func (e *Engine) executeExit(ctx context.Context, pos *domain.Position, inst *domain.ExitInstruction, now time.Time) {
	req := domain.OrderRequest{
		Symbol:      pos.Symbol,
		Qty:         inst.Qty,
		Side:        closingSide(pos.Side),
		Type:        domain.OrderTypeMarket,
		TimeInForce: "day",
		ClientID:    uuid.New().String(),
	}

	order, err := transport.Execute(ctx, e.trading, "orders",
		func(ctx context.Context, b domain.Broker) (*domain.Order, error) {
			return b.PlaceOrder(ctx, req)
		}, e.opts.MaxRetries)
	if err != nil {
		e.logger.Error("exit order failed",
			slog.String("position_id", pos.ID),
			slog.String("reason", string(inst.Reason)),
			slog.String("error", err.Error()),
		)
		e.pendingExits = append(e.pendingExits, inst)
		e.notify(ctx, "error", "Exit order failed",
			fmt.Sprintf("%s %s exit (%s): %v", pos.Symbol, inst.Reason, pos.ID, err))
		return
	}

	fillPrice := order.FilledAvgPrice
	if fillPrice == 0 {
		fillPrice = inst.Price
	}
	pnl := pos.ApplyExit(inst.Qty, fillPrice, now)

	e.store.EnqueueExecution(domain.ExecutionLogRecord{
		PositionID: pos.ID,
		Timestamp:  now,
		Action:     "EXIT_" + strings.ToUpper(string(inst.Reason)),
		Qty:        inst.Qty,
		Price:      fillPrice,
		Details: map[string]string{
			"order_id": order.ID,
			"reason":   string(inst.Reason),
		},
	})

	e.logger.Info("position exit",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(inst.Reason)),
		slog.Float64("qty", inst.Qty),
		slog.Float64("price", fillPrice),
		slog.Float64("pnl", pnl),
	)

	if pos.Status != domain.PositionStatusClosed {
		return
	}

	e.gate.ClosePosition(pos.RealizedPnL)
	e.brackets.Remove(pos.ID)
	delete(e.positions, pos.ID)

	reason := string(inst.Reason)
	e.store.EnqueueTradeExit(domain.TradeRecord{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		ExitTime:    &now,
		ExitPrice:   &fillPrice,
		ExitReason:  &reason,
		RealizedPnL: pos.RealizedPnL,
		Status:      string(domain.PositionStatusClosed),
	})
	e.notify(ctx, "position_closed", "Position closed",
		fmt.Sprintf("%s closed (%s), pnl %.2f", pos.Symbol, inst.Reason, pos.RealizedPnL))
}

// maybeEnter asks the strategy for an entry signal and submits it if the
// session window and the risk gate allow.
func (e *Engine) maybeEnter(ctx context.Context, snap domain.MarketSnapshot, now time.Time) {
	if !e.inWindow(now) {
		return
	}
	if e.equityStale && !e.opts.AllowOnDataError {
		e.logger.Debug("entry skipped on stale account data")
		return
	}
	if _, ok := snap.Quotes[e.opts.Symbol]; !ok {
		return
	}

	open := e.OpenPositions()
	sig := e.strategy.CheckEntry(snap, open)
	if sig == nil {
		return
	}
	if !sig.ExpiresAt.IsZero() && now.After(sig.ExpiresAt) {
		e.logger.Debug("signal expired", slog.String("signal_id", sig.ID))
		return
	}

	qty := e.strategy.PositionSize(*sig, e.gate.State().Equity)
	if qty <= 0 {
		return
	}

	riskAmount := qty * math.Abs(sig.Price-sig.StopLevel)
	var openRisk float64
	for _, pos := range e.positions {
		openRisk += pos.RiskAmount
	}
	admitted, denyReason := e.gate.Admit(riskAmount, len(e.positions), openRisk)
	if !admitted {
		e.logger.Info("entry denied",
			slog.String("signal_id", sig.ID),
			slog.String("reason", denyReason),
		)
		if !e.gate.State().TradingEnabled && !e.haltNotified {
			e.haltNotified = true
			e.notify(ctx, "breaker_tripped", "Trading halted", denyReason)
		}
		return
	}

	req := domain.OrderRequest{
		Symbol:      sig.Symbol,
		Qty:         qty,
		Side:        openingSide(sig.Side),
		Type:        domain.OrderTypeMarket,
		TimeInForce: "day",
		ClientID:    uuid.New().String(),
	}
	order, err := transport.Execute(ctx, e.trading, "orders",
		func(ctx context.Context, b domain.Broker) (*domain.Order, error) {
			return b.PlaceOrder(ctx, req)
		}, e.opts.MaxRetries)
	if err != nil {
		if errors.Is(err, domain.ErrOrderRejected) {
			e.logger.Warn("entry rejected by venue",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Error("entry order failed",
				slog.String("signal_id", sig.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	fillPrice := order.FilledAvgPrice
	if fillPrice == 0 {
		fillPrice = sig.Price
	}

	pos := &domain.Position{
		ID:          uuid.New().String(),
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Qty:         qty,
		OriginalQty: qty,
		EntryPrice:  fillPrice,
		EntryTime:   now,
		Status:      domain.PositionStatusOpen,
		RiskAmount:  riskAmount,
		Strategy:    e.strategy.Name(),
		OrderID:     order.ID,
	}
	bracket := e.brackets.Create(pos)
	pos.OCOID = bracket.ID
	e.positions[pos.ID] = pos

	e.store.EnqueueTrade(domain.TradeRecord{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		SignalKind: sig.Kind,
		EntryTime:  now,
		EntryPrice: fillPrice,
		Qty:        qty,
		StopLoss:   bracket.StopLoss.Price,
		Target1:    bracket.Target1.Price,
		Target2:    bracket.Target2.Price,
		Status:     string(domain.PositionStatusOpen),
		Metadata:   sig.Metadata,
	})
	e.store.EnqueueExecution(domain.ExecutionLogRecord{
		PositionID: pos.ID,
		Timestamp:  now,
		Action:     "ENTRY",
		Qty:        qty,
		Price:      fillPrice,
		Details: map[string]string{
			"order_id":    order.ID,
			"signal_kind": sig.Kind,
		},
	})

	e.logger.Info("position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("qty", qty),
		slog.Float64("entry", fillPrice),
		slog.Float64("risk", riskAmount),
	)
	e.notify(ctx, "order_filled", "Position opened",
		fmt.Sprintf("%s %s %.2f @ %.2f", pos.Side, pos.Symbol, qty, fillPrice))
}

// shutdown force-closes every open position under a fresh bounded context.
// The run context is already cancelled when this runs.
func (e *Engine) shutdown() {
	if len(e.positions) == 0 {
		return
	}
	e.logger.Info("force closing open positions", slog.Int("count", len(e.positions)))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	now := e.now()
	for _, pos := range e.sortedPositions() {
		e.brackets.Cancel(pos.ID)
		price := pos.EntryPrice
		if pos.CurrentPrice != nil {
			price = *pos.CurrentPrice
		}
		e.executeExit(ctx, pos, &domain.ExitInstruction{
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Reason:     domain.ExitReasonShutdown,
			Qty:        pos.Qty,
			Price:      price,
			Full:       true,
		}, now)
	}
}

// inWindow reports whether now falls inside the entry window.
func (e *Engine) inWindow(now time.Time) bool {
	t := now
	if e.opts.Location != nil {
		t = now.In(e.opts.Location)
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= e.opts.WindowStart && mins < e.opts.WindowEnd
}

// sortedPositions returns the open positions in a stable order so cycles are
// deterministic.
func (e *Engine) sortedPositions() []*domain.Position {
	out := make([]*domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

func (e *Engine) notify(ctx context.Context, event, title, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func closingSide(side domain.PositionSide) domain.OrderSide {
	if side == domain.PositionSideLong {
		return domain.OrderSideSell
	}
	return domain.OrderSideBuy
}

func openingSide(side domain.PositionSide) domain.OrderSide {
	if side == domain.PositionSideLong {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}
