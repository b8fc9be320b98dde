// Package broker provides venue access: an Alpaca REST client for live and
// paper endpoints, and an in-process simulator for offline runs.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aerichmo/st0ckgo/internal/domain"
)

// AlpacaClient is the REST client for the Alpaca trading and market data
// APIs. It implements domain.Broker.
type AlpacaClient struct {
	baseURL    string
	dataURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
}

// NewAlpacaClient creates a client for the given trading and data API roots.
// baseURL is e.g. "https://paper-api.alpaca.markets".
func NewAlpacaClient(baseURL, dataURL, apiKey, apiSecret string) *AlpacaClient {
	return &AlpacaClient{
		baseURL:   baseURL,
		dataURL:   dataURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name implements domain.Broker.
func (c *AlpacaClient) Name() string { return "alpaca" }

// PlaceOrder submits an order. Venue rejections (HTTP 403/422 or a terminal
// "rejected" status) surface as domain.ErrOrderRejected.
func (c *AlpacaClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (*domain.Order, error) {
	payload := orderPayload{
		Symbol:        req.Symbol,
		Qty:           dec(req.Qty),
		Side:          string(req.Side),
		Type:          string(req.Type),
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientID,
	}
	if payload.TimeInForce == "" {
		payload.TimeInForce = "day"
	}
	if req.LimitPrice != nil {
		payload.LimitPrice = dec(*req.LimitPrice)
	}
	if req.StopPrice != nil {
		payload.StopPrice = dec(*req.StopPrice)
	}

	body, err := c.do(ctx, c.baseURL, http.MethodPost, "/v2/orders", payload)
	if err != nil {
		return nil, fmt.Errorf("alpaca: place order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode order: %w", err)
	}
	order := toOrder(resp)
	if order.Status == domain.OrderStatusRejected {
		return nil, fmt.Errorf("alpaca: order %s rejected: %w", order.ID, domain.ErrOrderRejected)
	}
	return order, nil
}

// CancelOrder cancels an open order by id.
func (c *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	path := "/v2/orders/" + url.PathEscape(orderID)
	if _, err := c.do(ctx, c.baseURL, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("alpaca: cancel order %s: %w", orderID, err)
	}
	return nil
}

// GetOrder returns the broker's current view of an order.
func (c *AlpacaClient) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	path := "/v2/orders/" + url.PathEscape(orderID)
	body, err := c.do(ctx, c.baseURL, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get order %s: %w", orderID, err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode order: %w", err)
	}
	return toOrder(resp), nil
}

// GetPositions returns the venue's open positions.
func (c *AlpacaClient) GetPositions(ctx context.Context) ([]domain.Position, error) {
	body, err := c.do(ctx, c.baseURL, http.MethodGet, "/v2/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get positions: %w", err)
	}
	var resp []positionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode positions: %w", err)
	}

	out := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		side := domain.PositionSideLong
		if p.Side == "short" {
			side = domain.PositionSideShort
		}
		price := num(p.CurrentPrice)
		pos := domain.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           num(p.Qty),
			OriginalQty:   num(p.Qty),
			EntryPrice:    num(p.AvgEntry),
			UnrealizedPnL: num(p.UnrealizedPL),
			Status:        domain.PositionStatusOpen,
		}
		if price > 0 {
			pos.CurrentPrice = &price
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetAccount returns equity and buying power.
func (c *AlpacaClient) GetAccount(ctx context.Context) (*domain.Account, error) {
	body, err := c.do(ctx, c.baseURL, http.MethodGet, "/v2/account", nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get account: %w", err)
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode account: %w", err)
	}
	return &domain.Account{
		Equity:      num(resp.Equity),
		BuyingPower: num(resp.BuyingPower),
		Currency:    resp.Currency,
	}, nil
}

// GetQuote returns the latest quote from the market data API. The mid of
// bid and ask is used as the point price.
func (c *AlpacaClient) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest", url.PathEscape(symbol))
	body, err := c.do(ctx, c.dataURL, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("alpaca: get quote %s: %w", symbol, err)
	}
	var resp latestQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("alpaca: decode quote: %w", err)
	}

	bid, ask := resp.Quote.BidPrice, resp.Quote.AskPrice
	price := (bid + ask) / 2
	if price == 0 {
		price = ask
	}
	return &domain.Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Timestamp: resp.Quote.Timestamp,
	}, nil
}

// do builds, authenticates, sends, and reads one HTTP request.
func (c *AlpacaClient) do(ctx context.Context, root, method, path string, reqBody any) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, root+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("not found: %s: %w", apiErr.Message, domain.ErrNotFound)
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: %s: %w", apiErr.Message, domain.ErrUnauthorized)
	case http.StatusForbidden, http.StatusUnprocessableEntity:
		// 403 insufficient buying power, 422 unprocessable order.
		return fmt.Errorf("%s: %w", apiErr.Message, domain.ErrOrderRejected)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %s", apiErr.Message)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, apiErr.Message)
	}
}

// toOrder converts the wire order into the domain model.
func toOrder(r orderResponse) *domain.Order {
	var status domain.OrderStatus
	switch r.Status {
	case "new", "accepted", "pending_new":
		status = domain.OrderStatusNew
	case "partially_filled":
		status = domain.OrderStatusPartiallyFilled
	case "filled":
		status = domain.OrderStatusFilled
	case "canceled", "expired", "done_for_day":
		status = domain.OrderStatusCancelled
	case "rejected":
		status = domain.OrderStatusRejected
	default:
		status = domain.OrderStatus(r.Status)
	}
	return &domain.Order{
		ID:             r.ID,
		ClientID:       r.ClientOrderID,
		Symbol:         r.Symbol,
		Qty:            num(r.Qty),
		FilledQty:      num(r.FilledQty),
		FilledAvgPrice: num(r.FilledAvgPrice),
		Side:           domain.OrderSide(r.Side),
		Type:           domain.OrderType(r.Type),
		Status:         status,
		SubmittedAt:    r.SubmittedAt,
		FilledAt:       r.FilledAt,
	}
}
