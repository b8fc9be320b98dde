package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrOrderRejected  = errors.New("order rejected by venue")
	ErrRetryExhausted = errors.New("retries exhausted")
	ErrPoolTimeout    = errors.New("connection pool timeout")
	ErrPoolClosed     = errors.New("connection pool closed")
	ErrStaleQuote     = errors.New("quote is stale")
	ErrTradingHalted  = errors.New("trading disabled by risk gate")
	ErrUnauthorized   = errors.New("unauthorized")
)
