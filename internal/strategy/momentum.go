package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

const (
	momentumLookback = 80
	rsiPeriod        = 14
	rsiOversold      = 30.0
	rsiOverbought    = 70.0
)

// Lots resolves board lots so produced quantities are already tradeable.
type Lots interface {
	LotSize(ctx context.Context, symbol string) (int64, error)
}

// Momentum buys oversold recoveries confirmed by MACD and sells overbought
// exhaustion. One lot per signal; position building is the router's and
// risk checker's problem.
type Momentum struct {
	candles CandleSource
	quotes  QuoteSource
	lots    Lots
}

// NewMomentum creates the momentum runner.
func NewMomentum(candles CandleSource, quotes QuoteSource, lots Lots) *Momentum {
	return &Momentum{candles: candles, quotes: quotes, lots: lots}
}

func (m *Momentum) Name() string { return "momentum" }

// Evaluate looks for an RSI cross out of the oversold zone with a positive
// MACD histogram (BUY), or a cross down from overbought (SELL).
func (m *Momentum) Evaluate(ctx context.Context, symbol string) (*types.Signal, error) {
	candles, err := m.candles.Candles(ctx, symbol, types.Period1d, momentumLookback)
	if err != nil {
		return nil, err
	}
	if len(candles) < rsiPeriod*3 {
		return nil, fmt.Errorf("%s: only %d daily candles", symbol, len(candles))
	}

	closes := types.Closes(candles)
	rsi := talib.Rsi(closes, rsiPeriod)
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	n := len(closes) - 1

	var side types.Side
	var score float64
	switch {
	case rsi[n-1] < rsiOversold && rsi[n] >= rsiOversold && hist[n] > 0:
		side = types.BUY
		// Deeper oversold origin scores higher.
		score = 60 + (rsiOversold-rsi[n-1])*2
	case rsi[n-1] > rsiOverbought && rsi[n] <= rsiOverbought:
		side = types.SELL
		score = 60 + (rsi[n-1]-rsiOverbought)*2
	default:
		return nil, nil
	}
	if score > 100 {
		score = 100
	}

	quote, err := m.quotes.GetRealtimeQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if !quote.Last.IsPositive() {
		return nil, fmt.Errorf("%s: non-positive last price", symbol)
	}
	lot, err := m.lots.LotSize(ctx, symbol)
	if err != nil {
		return nil, err
	}

	atr := talib.Atr(types.Highs(candles), types.Lows(candles), closes, rsiPeriod)
	stop := decimal.Zero
	if side == types.BUY && atr[len(atr)-1] > 0 {
		stop = quote.Last.Sub(decimal.NewFromFloat(atr[len(atr)-1] * 2))
	}

	return &types.Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Quantity:       lot,
		ReferencePrice: quote.Last,
		Score:          score,
		Strategy:       m.Name(),
		Urgency:        5,
		MaxSlippage:    decimal.NewFromFloat(0.005),
		StopLoss:       stop,
		Reason:         fmt.Sprintf("rsi %.1f→%.1f, macd hist %.3f", rsi[n-1], rsi[n], hist[n]),
		CreatedAt:      time.Now(),
	}, nil
}
