package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// PaperBroker simulates a venue in process: market orders fill instantly at
// the last seeded price and the account tracks cash from fills. It is safe
// for concurrent use by pooled callers.
type PaperBroker struct {
	mu      sync.Mutex
	equity  float64
	prices  map[string]float64
	orders  map[string]*domain.Order
	holding map[string]float64 // signed quantity per symbol
	logger  *slog.Logger
	now     func() time.Time
}

// NewPaperBroker creates a simulator with the given starting equity.
func NewPaperBroker(startingEquity float64, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		equity:  startingEquity,
		prices:  make(map[string]float64),
		orders:  make(map[string]*domain.Order),
		holding: make(map[string]float64),
		logger:  logger.With(slog.String("component", "paper_broker")),
		now:     time.Now,
	}
}

// SetPrice seeds the simulated market price for a symbol.
func (b *PaperBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// Name implements domain.Broker.
func (b *PaperBroker) Name() string { return "paper" }

// PlaceOrder fills a market order at the seeded price. Orders for symbols
// without a price are rejected, mirroring a venue-side rejection.
func (b *PaperBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[req.Symbol]
	if req.Type == domain.OrderTypeLimit && req.LimitPrice != nil {
		price, ok = *req.LimitPrice, true
	}
	if !ok || price <= 0 {
		return nil, fmt.Errorf("paper: no market for %s: %w", req.Symbol, domain.ErrOrderRejected)
	}
	if req.Qty <= 0 {
		return nil, fmt.Errorf("paper: invalid quantity %v: %w", req.Qty, domain.ErrOrderRejected)
	}

	now := b.now()
	order := &domain.Order{
		ID:             uuid.New().String(),
		ClientID:       req.ClientID,
		Symbol:         req.Symbol,
		Qty:            req.Qty,
		FilledQty:      req.Qty,
		FilledAvgPrice: price,
		Side:           req.Side,
		Type:           req.Type,
		Status:         domain.OrderStatusFilled,
		SubmittedAt:    now,
		FilledAt:       &now,
	}
	b.orders[order.ID] = order

	signed := req.Qty
	if req.Side == domain.OrderSideSell {
		signed = -req.Qty
	}
	b.holding[req.Symbol] += signed
	b.equity -= signed * price

	b.logger.Debug("paper fill",
		slog.String("order_id", order.ID),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.Float64("qty", req.Qty),
		slog.Float64("price", price),
	)
	return order, nil
}

// CancelOrder is a no-op for already-filled simulated orders.
func (b *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[orderID]; !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// GetOrder returns a stored order by id.
func (b *PaperBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	cp := *order
	return &cp, nil
}

// GetPositions returns the net simulated holdings.
func (b *PaperBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Position
	for symbol, qty := range b.holding {
		if qty == 0 {
			continue
		}
		side := domain.PositionSideLong
		if qty < 0 {
			side = domain.PositionSideShort
			qty = -qty
		}
		out = append(out, domain.Position{
			Symbol:      symbol,
			Side:        side,
			Qty:         qty,
			OriginalQty: qty,
			Status:      domain.PositionStatusOpen,
		})
	}
	return out, nil
}

// GetAccount marks holdings to the seeded prices.
func (b *PaperBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.equity
	for symbol, qty := range b.holding {
		equity += qty * b.prices[symbol]
	}
	return &domain.Account{Equity: equity, BuyingPower: equity, Currency: "USD"}, nil
}

// GetQuote returns the seeded price as a zero-spread quote.
func (b *PaperBroker) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no market for %s: %w", symbol, domain.ErrNotFound)
	}
	return &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       price,
		Ask:       price,
		Timestamp: b.now(),
	}, nil
}
