// client.go is the REST implementation of the Broker interface.
//
// Every request is rate-limited via per-category TokenBuckets and retried
// on 5xx. Order submission additionally passes through a circuit breaker so
// a misbehaving trade API degrades the router instead of hammering the
// vendor. Deterministic rejections come back as *APIError with the vendor
// code preserved; HTTP 401 maps to ErrAuth.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"tradecore/pkg/types"
)

// apiEnvelope is the vendor's standard response wrapper.
type apiEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is the REST trade API client.
type Client struct {
	http    *resty.Client
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a REST client with rate limiting, retry, and a
// submission circuit breaker.
func NewClient(baseURL, appKey, appSecret, token string, submitTimeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(submitTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-App-Key", appKey).
		SetHeader("X-App-Secret", appSecret).
		SetAuthToken(token)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-submit",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		http:    httpClient,
		rl:      NewRateLimiter(),
		breaker: breaker,
		logger:  logger.With("component", "broker"),
	}
}

// AccountBalance fetches per-currency balances; empty currency means all.
func (c *Client) AccountBalance(ctx context.Context, currency types.Currency) ([]types.AccountBalance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiEnvelope
		Balances []types.AccountBalance `json:"balances"`
	}
	req := c.http.R().SetContext(ctx).SetResult(&result)
	if currency != "" {
		req.SetQueryParam("currency", string(currency))
	}
	resp, err := req.Get("/v1/trade/balance")
	if err != nil {
		return nil, fmt.Errorf("account balance: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return nil, err
	}
	return result.Balances, nil
}

// StockPositions fetches all open positions.
func (c *Client) StockPositions(ctx context.Context) ([]types.Position, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiEnvelope
		Positions []types.Position `json:"positions"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v1/trade/positions")
	if err != nil {
		return nil, fmt.Errorf("stock positions: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return nil, err
	}
	return result.Positions, nil
}

// SubmitOrder places one order and returns the broker order ID.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	if err := c.rl.Submit.Wait(ctx); err != nil {
		return "", err
	}

	body := map[string]any{
		"symbol":          req.Symbol,
		"side":            req.Side,
		"order_type":      req.Type,
		"submitted_quantity": req.Quantity,
		"time_in_force":   req.TIF,
		"client_order_id": req.ClientOrderID,
		"remark":          req.Remark,
	}
	if req.Type == types.OrderTypeLimit {
		body["submitted_price"] = req.LimitPrice.String()
	}

	id, err := c.breaker.Execute(func() (interface{}, error) {
		var result struct {
			apiEnvelope
			OrderID string `json:"order_id"`
		}
		resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Post("/v1/trade/order")
		if err != nil {
			return "", fmt.Errorf("submit order: %w", err)
		}
		if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
			return "", err
		}
		return result.OrderID, nil
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// CancelOrder cancels one order by broker ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}
	var result apiEnvelope
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Delete("/v1/trade/order/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	return c.checkResponse(resp, result)
}

// ReplaceOrder amends quantity and/or price of a live order.
func (c *Client) ReplaceOrder(ctx context.Context, orderID string, quantity int64, price decimal.Decimal) error {
	if err := c.rl.Submit.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{"quantity": quantity}
	if !price.IsZero() {
		body["price"] = price.String()
	}
	var result apiEnvelope
	resp, err := c.http.R().SetContext(ctx).SetBody(body).SetResult(&result).Put("/v1/trade/order/" + orderID)
	if err != nil {
		return fmt.Errorf("replace order: %w", err)
	}
	return c.checkResponse(resp, result)
}

// TodayOrders lists all orders submitted today.
func (c *Client) TodayOrders(ctx context.Context) ([]types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiEnvelope
		Orders []types.Order `json:"orders"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v1/trade/orders/today")
	if err != nil {
		return nil, fmt.Errorf("today orders: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// OrderDetail fetches the current state of one order.
func (c *Client) OrderDetail(ctx context.Context, orderID string) (*types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiEnvelope
		Order types.Order `json:"order"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/v1/trade/order/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("order detail: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return nil, err
	}
	return &result.Order, nil
}

// HistoryOrders lists orders between start and end.
func (c *Client) HistoryOrders(ctx context.Context, start, end time.Time) ([]types.Order, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		apiEnvelope
		Orders []types.Order `json:"orders"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"start": start.UTC().Format(time.RFC3339),
			"end":   end.UTC().Format(time.RFC3339),
		}).
		SetResult(&result).
		Get("/v1/trade/orders/history")
	if err != nil {
		return nil, fmt.Errorf("history orders: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// EstimateMaxPurchaseQuantity asks the broker how many shares the account
// can afford (cash + margin) at the given price.
func (c *Client) EstimateMaxPurchaseQuantity(ctx context.Context, symbol string, orderType types.OrderType, side types.Side, price decimal.Decimal) (int64, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return 0, err
	}
	var result struct {
		apiEnvelope
		CashMaxQty   int64 `json:"cash_max_qty"`
		MarginMaxQty int64 `json:"margin_max_qty"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"order_type": string(orderType),
			"side":       string(side),
			"price":      price.String(),
		}).
		SetResult(&result).
		Get("/v1/trade/estimate")
	if err != nil {
		return 0, fmt.Errorf("estimate max purchase: %w", err)
	}
	if err := c.checkResponse(resp, result.apiEnvelope); err != nil {
		return 0, err
	}
	if result.MarginMaxQty > result.CashMaxQty {
		return result.MarginMaxQty, nil
	}
	return result.CashMaxQty, nil
}

func (c *Client) checkResponse(resp *resty.Response, env apiEnvelope) error {
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return ErrAuth
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("trade api status %d: %s", resp.StatusCode(), resp.String())
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	return nil
}
