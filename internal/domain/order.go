// Package domain holds the core data model and the port interfaces
// (broker, strategy, market data, stores) consumed by the engine.
package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style requested from the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// OrderStatus tracks the broker-side order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest describes an order to be submitted to the broker.
type OrderRequest struct {
	Symbol      string
	Qty         float64
	Side        OrderSide
	Type        OrderType
	LimitPrice  *float64 // required for limit orders
	StopPrice   *float64 // required for stop orders
	TimeInForce string   // "day" unless the caller says otherwise
	ClientID    string   // caller-supplied id for correlation
}

// Order is the broker's view of a submitted order.
type Order struct {
	ID             string
	ClientID       string
	Symbol         string
	Qty            float64
	FilledQty      float64
	FilledAvgPrice float64
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	SubmittedAt    time.Time
	FilledAt       *time.Time
}

// Account is a snapshot of the trading account's financial state.
type Account struct {
	Equity      float64
	BuyingPower float64
	Currency    string
}
