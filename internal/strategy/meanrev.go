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
	bbandPeriod = 20
	bbandWidth  = 2.0
)

// MeanReversion fades closes outside the Bollinger bands: a close under
// the lower band is a BUY, over the upper band a SELL.
type MeanReversion struct {
	candles CandleSource
	quotes  QuoteSource
	lots    Lots
}

// NewMeanReversion creates the mean-reversion runner.
func NewMeanReversion(candles CandleSource, quotes QuoteSource, lots Lots) *MeanReversion {
	return &MeanReversion{candles: candles, quotes: quotes, lots: lots}
}

func (m *MeanReversion) Name() string { return "meanrev" }

func (m *MeanReversion) Evaluate(ctx context.Context, symbol string) (*types.Signal, error) {
	candles, err := m.candles.Candles(ctx, symbol, types.Period1d, bbandPeriod*3)
	if err != nil {
		return nil, err
	}
	if len(candles) < bbandPeriod+1 {
		return nil, fmt.Errorf("%s: only %d daily candles", symbol, len(candles))
	}

	closes := types.Closes(candles)
	upper, middle, lower := talib.BBands(closes, bbandPeriod, bbandWidth, bbandWidth, talib.SMA)
	n := len(closes) - 1
	if middle[n] <= 0 {
		return nil, fmt.Errorf("%s: degenerate bollinger middle", symbol)
	}

	var side types.Side
	var score float64
	bandWidth := upper[n] - lower[n]
	switch {
	case closes[n] < lower[n] && bandWidth > 0:
		side = types.BUY
		score = 55 + (lower[n]-closes[n])/bandWidth*100
	case closes[n] > upper[n] && bandWidth > 0:
		side = types.SELL
		score = 55 + (closes[n]-upper[n])/bandWidth*100
	default:
		return nil, nil
	}
	if score > 95 {
		score = 95
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

	stop := decimal.Zero
	if side == types.BUY {
		// Stop under the band excursion.
		stop = decimal.NewFromFloat(lower[n] - bandWidth*0.25)
	}

	return &types.Signal{
		ID:             uuid.NewString(),
		Symbol:         symbol,
		Side:           side,
		Quantity:       lot,
		ReferencePrice: quote.Last,
		Score:          score,
		Strategy:       m.Name(),
		Urgency:        3, // mean reversion is patient
		MaxSlippage:    decimal.NewFromFloat(0.003),
		StopLoss:       stop,
		Reason:         fmt.Sprintf("close %.2f outside band [%.2f, %.2f]", closes[n], lower[n], upper[n]),
		CreatedAt:      time.Now(),
	}, nil
}
