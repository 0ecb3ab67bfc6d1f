// Package broker wraps the trade API behind a small interface the router
// and capital controller consume.
//
// Two implementations ship with the engine: Client (client.go), a REST
// client with rate limiting, retry, and a circuit breaker; and Paper
// (paper.go), an in-memory simulator used for dry-run mode and tests.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// SubmitRequest describes one order to place.
type SubmitRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Quantity      int64
	LimitPrice    decimal.Decimal // required for LIMIT
	TIF           types.TimeInForce
	ClientOrderID string // idempotency key; brokers dedupe on it
	Remark        string
}

// Broker is the abstract trade API.
type Broker interface {
	AccountBalance(ctx context.Context, currency types.Currency) ([]types.AccountBalance, error)
	StockPositions(ctx context.Context) ([]types.Position, error)
	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	ReplaceOrder(ctx context.Context, orderID string, quantity int64, price decimal.Decimal) error
	TodayOrders(ctx context.Context) ([]types.Order, error)
	OrderDetail(ctx context.Context, orderID string) (*types.Order, error)
	HistoryOrders(ctx context.Context, start, end time.Time) ([]types.Order, error)
	EstimateMaxPurchaseQuantity(ctx context.Context, symbol string, orderType types.OrderType, side types.Side, price decimal.Decimal) (int64, error)
}

// APIError is a deterministic rejection from the broker, carrying the
// vendor's numeric code. The router treats two configurable codes
// (lot-size, stale-price) as adaptively retryable; everything else is
// surfaced to the caller.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Message)
}

// AsAPIError unwraps err into an APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ErrAuth is returned when the broker rejects our credentials. main exits
// with code 2 on this.
var ErrAuth = errors.New("broker authentication failed")
