package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aerichmo/st0ckgo/internal/batch"
	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/oco"
	"github.com/aerichmo/st0ckgo/internal/pool"
	"github.com/aerichmo/st0ckgo/internal/ratelimit"
	"github.com/aerichmo/st0ckgo/internal/risk"
	"github.com/aerichmo/st0ckgo/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBroker fills market orders instantly at the engine's fallback price.
type fakeBroker struct {
	mu         sync.Mutex
	placed     []domain.OrderRequest
	failN      int // next N placements fail with a transient error
	rejectNext bool
	equity     float64
}

func (b *fakeBroker) Name() string { return "fake" }

func (b *fakeBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, req)
	if b.rejectNext {
		b.rejectNext = false
		return nil, fmt.Errorf("fake: order rejected: %w", domain.ErrOrderRejected)
	}
	if b.failN > 0 {
		b.failN--
		return nil, errors.New("fake: gateway timeout")
	}
	now := time.Now()
	return &domain.Order{
		ID:          fmt.Sprintf("ord-%d", len(b.placed)),
		ClientID:    req.ClientID,
		Symbol:      req.Symbol,
		Qty:         req.Qty,
		FilledQty:   req.Qty,
		Side:        req.Side,
		Type:        req.Type,
		Status:      domain.OrderStatusFilled,
		SubmittedAt: now,
		FilledAt:    &now,
	}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *fakeBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return nil, domain.ErrNotFound
}

func (b *fakeBroker) GetPositions(ctx context.Context) ([]domain.Position, error) { return nil, nil }

func (b *fakeBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &domain.Account{Equity: b.equity, BuyingPower: b.equity, Currency: "USD"}, nil
}

func (b *fakeBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	return nil, domain.ErrNotFound
}

func (b *fakeBroker) placedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.placed)
}

func (b *fakeBroker) lastPlaced() domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placed[len(b.placed)-1]
}

// fakeFeed serves quotes from a mutable map.
type fakeFeed struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
}

func (f *fakeFeed) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &q, nil
}

func (f *fakeFeed) set(symbol string, price float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = domain.Quote{Symbol: symbol, Price: price, Bid: price, Ask: price, Timestamp: at}
}

// scriptedStrategy pops one queued signal per CheckEntry call.
type scriptedStrategy struct {
	signals    []*domain.Signal
	size       float64
	exits      map[string]domain.ExitReason
	entryCalls int
}

func (s *scriptedStrategy) Name() string { return "scripted" }

func (s *scriptedStrategy) CheckEntry(snap domain.MarketSnapshot, open []domain.Position) *domain.Signal {
	s.entryCalls++
	if len(s.signals) == 0 {
		return nil
	}
	sig := s.signals[0]
	s.signals = s.signals[1:]
	return sig
}

func (s *scriptedStrategy) PositionSize(sig domain.Signal, equity float64) float64 { return s.size }

func (s *scriptedStrategy) CheckExit(pos domain.Position, snap domain.MarketSnapshot) domain.ExitReason {
	return s.exits[pos.Symbol]
}

type memTradeStore struct {
	mu      sync.Mutex
	inserts []domain.TradeRecord
	exits   []domain.TradeRecord
}

func (s *memTradeStore) InsertBatch(ctx context.Context, recs []domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, recs...)
	return nil
}

func (s *memTradeStore) UpdateExit(ctx context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exits = append(s.exits, rec)
	return nil
}

func (s *memTradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	return nil, nil
}

func (s *memTradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memExecStore struct {
	mu   sync.Mutex
	recs []domain.ExecutionLogRecord
}

func (s *memExecStore) InsertBatch(ctx context.Context, recs []domain.ExecutionLogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, recs...)
	return nil
}

func (s *memExecStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ExecutionLogRecord, error) {
	return nil, nil
}

func (s *memExecStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type memMetricStore struct{}

func (s *memMetricStore) InsertBatch(ctx context.Context, recs []domain.RiskMetricRecord) error {
	return nil
}

func (s *memMetricStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type harness struct {
	engine *Engine
	broker *fakeBroker
	feed   *fakeFeed
	strat  *scriptedStrategy
	gate   *risk.Gate
	store  *batch.Writer
	trades *memTradeStore
	execs  *memExecStore
	now    time.Time
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.engine.runCycle(context.Background())
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func newHarness(t *testing.T, limits risk.Limits) *harness {
	t.Helper()

	broker := &fakeBroker{equity: 10_000}
	clients, err := pool.New(func() (domain.Broker, error) { return broker, nil }, 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(clients.Close)

	limiter := ratelimit.New(ratelimit.Limit{MaxRequests: 1000, Window: time.Minute})
	exec := transport.NewExecutor(limiter, clients, testLogger())
	exec.SetBaseDelay(time.Millisecond)

	feed := &fakeFeed{quotes: make(map[string]domain.Quote)}
	strat := &scriptedStrategy{size: 10}
	brackets := oco.NewManager(oco.ExitParams{
		StopLossR:       -0.5,
		Target1R:        0.5,
		Target1SizePct:  0.5,
		Target2R:        1.0,
		TimeStopMinutes: 60,
	}, testLogger())
	gate := risk.NewGate(limits, 10_000, testLogger())

	trades := &memTradeStore{}
	execs := &memExecStore{}
	writer := batch.NewWriter(trades, execs, &memMetricStore{}, 10, 5*time.Second, testLogger())

	h := &harness{
		broker: broker,
		feed:   feed,
		strat:  strat,
		gate:   gate,
		store:  writer,
		trades: trades,
		execs:  execs,
		now:    time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC), // 10:00 ET
	}

	eng := New(Options{
		Symbol:        "SPY",
		CycleInterval: 5 * time.Second,
		PriceWorkers:  2,
		WindowStart:   0,
		WindowEnd:     24 * 60,
		Location:      time.UTC,
		MaxRetries:    2,
	}, exec, feed, strat, brackets, gate, writer, nil, testLogger())
	eng.now = func() time.Time { return h.now }
	h.engine = eng
	return h
}

func generousLimits() risk.Limits {
	return risk.Limits{
		DailyLossLimitPct:    0.90,
		ConsecutiveLossLimit: 10,
		MaxPositions:         3,
		MaxTradesPerDay:      100,
		MaxPortfolioHeat:     0.90,
	}
}

func TestEntryThroughBracketLifecycle(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}

	// Cycle 1: entry fills at 2.00, bracket is stop 1.00 / t1 3.00 / t2 4.00.
	h.tick(t)
	if got := len(h.engine.OpenPositions()); got != 1 {
		t.Fatalf("open positions = %d, want 1", got)
	}
	if h.broker.placedCount() != 1 {
		t.Fatalf("orders placed = %d, want 1", h.broker.placedCount())
	}
	if side := h.broker.lastPlaced().Side; side != domain.OrderSideBuy {
		t.Errorf("entry side = %v", side)
	}

	// Cycle 2: target_1 at 3.00 sells half, stop ratchets to breakeven.
	h.advance(5 * time.Second)
	h.feed.set("SPY", 3.00, h.now)
	h.tick(t)
	pos := h.engine.OpenPositions()[0]
	if pos.Qty != 5 || pos.Status != domain.PositionStatusPartiallyClosed {
		t.Fatalf("after target_1: qty = %v status = %v", pos.Qty, pos.Status)
	}
	if req := h.broker.lastPlaced(); req.Side != domain.OrderSideSell || req.Qty != 5 {
		t.Errorf("target_1 order = %+v", req)
	}

	// Cycle 3: price back at entry hits the breakeven stop, closing the rest.
	h.advance(5 * time.Second)
	h.feed.set("SPY", 2.00, h.now)
	h.tick(t)
	if got := len(h.engine.OpenPositions()); got != 0 {
		t.Fatalf("open positions after stop = %d, want 0", got)
	}

	st := h.gate.State()
	if st.TradesToday != 1 {
		t.Errorf("trades today = %d, want 1", st.TradesToday)
	}
	// 5 units sold at +1.00, 5 at breakeven.
	if st.DailyPnL != 5 {
		t.Errorf("daily pnl = %v, want 5", st.DailyPnL)
	}
	if !st.TradingEnabled {
		t.Error("winning trade must not trip the breaker")
	}
}

func TestExitsRunBeforeEntries(t *testing.T) {
	limits := generousLimits()
	limits.MaxPositions = 1
	h := newHarness(t, limits)

	// Open a position that the next cycle will stop out.
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)
	if len(h.engine.OpenPositions()) != 1 {
		t.Fatal("setup entry failed")
	}

	// Stop at 1.00 fires and the freed slot admits the queued signal in the
	// same cycle.
	h.advance(5 * time.Second)
	h.feed.set("SPY", 0.90, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-2", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 0.90, StopLevel: 0.45,
	}}
	h.tick(t)

	open := h.engine.OpenPositions()
	if len(open) != 1 {
		t.Fatalf("open positions = %d, want 1 (new entry)", len(open))
	}
	if open[0].EntryPrice != 0.90 {
		t.Errorf("surviving position entry = %v, want the fresh one at 0.90", open[0].EntryPrice)
	}
}

func TestEntryDeniedByGate(t *testing.T) {
	limits := generousLimits()
	limits.MaxPositions = 1
	h := newHarness(t, limits)

	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{
		{ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong, Kind: "breakout", Price: 2.00, StopLevel: 1.00},
		{ID: "sig-2", Symbol: "SPY", Side: domain.PositionSideLong, Kind: "breakout", Price: 2.00, StopLevel: 1.00},
	}
	h.tick(t)
	h.advance(5 * time.Second)
	h.tick(t)

	if got := len(h.engine.OpenPositions()); got != 1 {
		t.Fatalf("open positions = %d, want 1", got)
	}
	if h.broker.placedCount() != 1 {
		t.Errorf("orders placed = %d, want 1 (second entry denied)", h.broker.placedCount())
	}
}

func TestRejectedEntryIsNotRetried(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.feed.set("SPY", 2.00, h.now)
	h.broker.rejectNext = true
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}

	h.tick(t)
	if got := len(h.engine.OpenPositions()); got != 0 {
		t.Fatalf("open positions = %d, want 0", got)
	}
	if h.broker.placedCount() != 1 {
		t.Errorf("placements = %d, want exactly 1 (no retry on rejection)", h.broker.placedCount())
	}
}

func TestFailedExitRetriedNextCycle(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)

	// The stop fires but both order attempts fail; the position stays open.
	h.advance(5 * time.Second)
	h.feed.set("SPY", 0.90, h.now)
	h.broker.failN = 2
	h.tick(t)
	if got := len(h.engine.OpenPositions()); got != 1 {
		t.Fatalf("open positions = %d, want 1 (exit failed)", got)
	}

	// Next cycle retries the queued instruction and closes.
	h.advance(5 * time.Second)
	h.tick(t)
	if got := len(h.engine.OpenPositions()); got != 0 {
		t.Fatalf("open positions = %d, want 0 after retry", got)
	}
}

func TestNoEntriesOutsideWindow(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.engine.opts.WindowStart = 9*60 + 30
	h.engine.opts.WindowEnd = 11 * 60
	h.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) // past the window

	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)

	if h.broker.placedCount() != 0 {
		t.Errorf("orders placed = %d, want 0 outside window", h.broker.placedCount())
	}
	if h.strat.entryCalls != 0 {
		t.Errorf("strategy consulted %d times outside window, want 0", h.strat.entryCalls)
	}
}

func TestStrategyForcedExit(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)

	h.strat.exits = map[string]domain.ExitReason{"SPY": domain.ExitReasonStrategy}
	h.advance(5 * time.Second)
	h.feed.set("SPY", 2.10, h.now)
	h.tick(t)

	if got := len(h.engine.OpenPositions()); got != 0 {
		t.Fatalf("open positions = %d, want 0 after forced exit", got)
	}
}

func TestNewSessionResetsDailyLimits(t *testing.T) {
	limits := generousLimits()
	limits.DailyLossLimitPct = 0.001 // $10 on the harness account

	h := newHarness(t, limits)

	// Day 1: a stopped-out loss breaches the daily loss limit.
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)
	h.advance(5 * time.Second)
	h.feed.set("SPY", 0.90, h.now)
	h.tick(t)
	if len(h.engine.OpenPositions()) != 0 {
		t.Fatal("setup loss failed")
	}

	// A later same-day signal trips the breaker instead of entering.
	h.advance(5 * time.Second)
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-2", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)
	if h.broker.placedCount() != 2 {
		t.Fatalf("orders placed = %d, want 2 (same-day entry denied)", h.broker.placedCount())
	}
	if h.gate.State().TradingEnabled {
		t.Fatal("daily loss must trip the breaker")
	}

	// The next local day starts a fresh session and admits entries again.
	h.advance(24 * time.Hour)
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-3", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)
	if h.broker.placedCount() != 3 {
		t.Fatalf("orders placed = %d, want 3 (entry after session reset)", h.broker.placedCount())
	}

	st := h.gate.State()
	if !st.TradingEnabled {
		t.Error("new session must re-enable trading")
	}
	if st.DailyPnL != 0 || st.TradesToday != 0 {
		t.Errorf("new session state carried over: pnl %v trades %d", st.DailyPnL, st.TradesToday)
	}
}

func TestShutdownForceClosesPositions(t *testing.T) {
	h := newHarness(t, generousLimits())
	h.feed.set("SPY", 2.00, h.now)
	h.strat.signals = []*domain.Signal{{
		ID: "sig-1", Symbol: "SPY", Side: domain.PositionSideLong,
		Kind: "breakout", Price: 2.00, StopLevel: 1.00,
	}}
	h.tick(t)
	if len(h.engine.OpenPositions()) != 1 {
		t.Fatal("setup entry failed")
	}

	h.engine.shutdown()

	if got := len(h.engine.OpenPositions()); got != 0 {
		t.Fatalf("open positions after shutdown = %d, want 0", got)
	}
	if req := h.broker.lastPlaced(); req.Side != domain.OrderSideSell || req.Qty != 10 {
		t.Errorf("shutdown close order = %+v", req)
	}

	// The closure must be queued for persistence.
	h.store.Flush(context.Background())
	h.trades.mu.Lock()
	defer h.trades.mu.Unlock()
	if len(h.trades.exits) != 1 {
		t.Errorf("trade exit records = %d, want 1", len(h.trades.exits))
	}
	if r := h.trades.exits[0]; r.ExitReason == nil || *r.ExitReason != string(domain.ExitReasonShutdown) {
		t.Errorf("exit reason record = %+v", r)
	}
}
