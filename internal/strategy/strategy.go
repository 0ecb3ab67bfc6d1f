// Package strategy holds the signal producers. Runners are deliberately
// thin: they turn indicator series into scored intents and leave
// validation, sizing caps, and execution to the risk checker and router.
package strategy

import (
	"context"
	"log/slog"

	"tradecore/pkg/types"
)

// Runner evaluates one symbol and may produce an intent. A nil signal with
// nil error means no opportunity right now.
type Runner interface {
	Name() string
	Evaluate(ctx context.Context, symbol string) (*types.Signal, error)
}

// CandleSource supplies persisted candles, newest last.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, period types.Period, limit int) ([]types.Candle, error)
}

// QuoteSource supplies realtime quotes.
type QuoteSource interface {
	GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// Publisher is the dispatch-queue surface producers write to.
type Publisher interface {
	Publish(ctx context.Context, sig *types.Signal) error
	HasPending(ctx context.Context, symbol string, side types.Side) (bool, error)
}

// Scan runs every runner over every symbol, deduplicates against the
// queue, and publishes what survives. Data-quality problems skip the
// symbol for this pass. Returns the number of signals published.
func Scan(ctx context.Context, runners []Runner, symbols []string, queue Publisher, logger *slog.Logger) int {
	published := 0
	for _, symbol := range symbols {
		for _, runner := range runners {
			sig, err := runner.Evaluate(ctx, symbol)
			if err != nil {
				logger.Debug("evaluation skipped", "strategy", runner.Name(), "symbol", symbol, "error", err)
				continue
			}
			if sig == nil {
				continue
			}
			pending, err := queue.HasPending(ctx, sig.Symbol, sig.Side)
			if err != nil {
				logger.Warn("dedup check failed", "symbol", sig.Symbol, "error", err)
				continue
			}
			if pending {
				continue
			}
			if err := queue.Publish(ctx, sig); err != nil {
				logger.Error("signal publish failed", "symbol", sig.Symbol, "error", err)
				continue
			}
			published++
			logger.Info("signal published",
				"strategy", runner.Name(), "symbol", sig.Symbol, "side", sig.Side,
				"score", sig.Score, "quantity", sig.Quantity)
		}
	}
	return published
}
