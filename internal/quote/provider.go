// Package quote abstracts market data access behind two channels: a
// request/response provider for quotes, candles, and reference data, and a
// streaming push surface for realtime events.
//
// Push callbacks are invoked on the provider's own goroutine and must not
// block; the Gateway turns them into a bounded channel drained by a
// dedicated goroutine and fanned out to strategy subscribers.
package quote

import (
	"context"
	"time"

	"tradecore/pkg/types"
)

// Adjust selects price adjustment for historical candles.
type Adjust int

const (
	AdjustNone Adjust = iota
	AdjustForward
)

// Provider is the abstract market-data vendor.
//
// SetOnPush registers the streaming callback; it is invoked on a
// provider-owned goroutine for every push event after Subscribe.
type Provider interface {
	GetRealtimeQuote(ctx context.Context, symbols []string) ([]types.Quote, error)
	GetHistoryCandles(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Candle, error)
	GetCandlesticks(ctx context.Context, symbol string, period types.Period, count int, adjust Adjust) ([]types.Candle, error)
	GetStaticInfo(ctx context.Context, symbols []string) ([]types.SecurityStatic, error)
	GetDepth(ctx context.Context, symbol string) (*types.Depth, error)
	TradingDays(ctx context.Context, market types.Market, from, to time.Time) ([]types.TradingDay, error)

	Subscribe(ctx context.Context, symbols []string, subTypes []types.SubType, firstPush bool) error
	Unsubscribe(ctx context.Context, symbols []string) error
	SetOnPush(fn func(types.PushEvent))
}
