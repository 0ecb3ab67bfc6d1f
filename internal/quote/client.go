// client.go is the request/response half of the remote quote provider.
//
// A thin resty client over the vendor's REST surface: realtime quotes,
// candlesticks, security static info, order-book depth, and the trading
// calendar. Paired with Feed (feed.go) it satisfies the full Provider
// interface.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"tradecore/pkg/types"
)

// Client is the REST + WebSocket quote provider implementation.
type Client struct {
	http   *resty.Client
	feed   *Feed
	logger *slog.Logger
}

// NewClient creates a provider over the vendor REST endpoint and push feed.
func NewClient(baseURL, wsURL, token string, lookupTimeout time.Duration, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(lookupTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(token)

	return &Client{
		http:   httpClient,
		feed:   NewFeed(wsURL, token, logger),
		logger: logger.With("component", "quote_client"),
	}
}

// RunFeed runs the push connection until ctx is cancelled.
func (c *Client) RunFeed(ctx context.Context) error { return c.feed.Run(ctx) }

// CloseFeed tears down the push connection.
func (c *Client) CloseFeed() error { return c.feed.Close() }

// GetRealtimeQuote fetches snapshots for up to 500 symbols.
func (c *Client) GetRealtimeQuote(ctx context.Context, symbols []string) ([]types.Quote, error) {
	var result struct {
		Quotes []types.Quote `json:"quotes"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(map[string][]string{"symbol": symbols}).
		SetResult(&result).
		Get("/v1/quote/realtime")
	if err != nil {
		return nil, fmt.Errorf("get realtime quote: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get realtime quote: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Quotes, nil
}

// GetHistoryCandles fetches candles between start and end.
func (c *Client) GetHistoryCandles(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Candle, error) {
	var result struct {
		Candles []types.Candle `json:"candles"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"period": string(period),
			"start":  start.UTC().Format(time.RFC3339),
			"end":    end.UTC().Format(time.RFC3339),
		}).
		SetResult(&result).
		Get("/v1/quote/history")
	if err != nil {
		return nil, fmt.Errorf("get history candles: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get history candles: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Candles, nil
}

// GetCandlesticks fetches the most recent count candles.
func (c *Client) GetCandlesticks(ctx context.Context, symbol string, period types.Period, count int, adjust Adjust) ([]types.Candle, error) {
	var result struct {
		Candles []types.Candle `json:"candles"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"period": string(period),
			"count":  fmt.Sprintf("%d", count),
			"adjust": fmt.Sprintf("%d", adjust),
		}).
		SetResult(&result).
		Get("/v1/quote/candlesticks")
	if err != nil {
		return nil, fmt.Errorf("get candlesticks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get candlesticks: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Candles, nil
}

// GetStaticInfo fetches reference data (lot size, name, currency).
func (c *Client) GetStaticInfo(ctx context.Context, symbols []string) ([]types.SecurityStatic, error) {
	var result struct {
		Infos []types.SecurityStatic `json:"infos"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(map[string][]string{"symbol": symbols}).
		SetResult(&result).
		Get("/v1/quote/static")
	if err != nil {
		return nil, fmt.Errorf("get static info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get static info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Infos, nil
}

// GetDepth fetches top-of-book depth for one symbol.
func (c *Client) GetDepth(ctx context.Context, symbol string) (*types.Depth, error) {
	var result types.Depth
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/v1/quote/depth")
	if err != nil {
		return nil, fmt.Errorf("get depth: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get depth: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// TradingDays fetches the exchange calendar for a market.
func (c *Client) TradingDays(ctx context.Context, market types.Market, from, to time.Time) ([]types.TradingDay, error) {
	var result struct {
		Days []types.TradingDay `json:"days"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"market": string(market),
			"from":   from.Format("2006-01-02"),
			"to":     to.Format("2006-01-02"),
		}).
		SetResult(&result).
		Get("/v1/quote/calendar")
	if err != nil {
		return nil, fmt.Errorf("get trading days: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trading days: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.Days, nil
}

// Subscribe adds symbols to the push stream.
func (c *Client) Subscribe(ctx context.Context, symbols []string, subTypes []types.SubType, firstPush bool) error {
	return c.feed.Subscribe(ctx, symbols, subTypes, firstPush)
}

// Unsubscribe removes symbols from the push stream.
func (c *Client) Unsubscribe(ctx context.Context, symbols []string) error {
	return c.feed.Unsubscribe(ctx, symbols)
}

// SetOnPush registers the push callback.
func (c *Client) SetOnPush(fn func(types.PushEvent)) {
	c.feed.SetOnPush(fn)
}
