// Package regime classifies the broad market state from an index proxy.
//
// Classification is a pure function over a daily candle series so it can be
// tested without any live data. The rebalancer maps the resulting label to a
// cash reserve fraction.
package regime

import (
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const (
	fastMA      = 20
	slowMA      = 50
	atrPeriod   = 14
	slopeWindow = 10 // trailing fast-MA points fed to the regression
	minCandles  = slowMA + slopeWindow
)

// IndexProxy returns the index symbol used to classify a market's regime.
func IndexProxy(m types.Market) string {
	switch m {
	case types.MarketHK:
		return "HSI.HK"
	case types.MarketUS:
		return "QQQ.US"
	case types.MarketCN:
		return "000300.SH"
	}
	return "QQQ.US"
}

// Classify derives the regime from daily candles of an index proxy.
// Needs at least 60 candles; the most recent candle must be last.
func Classify(candles []types.Candle, now time.Time) (types.RegimeState, error) {
	if len(candles) < minCandles {
		return types.RegimeState{}, fmt.Errorf("regime: need %d daily candles, have %d", minCandles, len(candles))
	}

	closes := types.Closes(candles)
	fast := talib.Sma(closes, fastMA)
	slow := talib.Sma(closes, slowMA)

	last := len(closes) - 1
	fastNow, slowNow := fast[last], slow[last]

	// Slope of the fast MA over its trailing window, normalised by price so
	// the threshold is comparable across index levels.
	xs := make([]float64, slopeWindow)
	ys := make([]float64, slopeWindow)
	for i := 0; i < slopeWindow; i++ {
		xs[i] = float64(i)
		ys[i] = fast[last-slopeWindow+1+i]
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	relSlope := slope / closes[last]

	const slopeThreshold = 0.0005 // ~0.05% of price per day

	state := types.RegimeState{ComputedAt: now}
	switch {
	case fastNow > slowNow && relSlope > slopeThreshold:
		state.Label = types.RegimeBull
	case fastNow < slowNow && relSlope < -slopeThreshold:
		state.Label = types.RegimeBear
	default:
		state.Label = types.RegimeRange
	}
	return state, nil
}

// IntradayStyle compares today's realised move against the average true
// range: a move beyond one ATR is trending, anything less is ranging.
func IntradayStyle(candles []types.Candle, quote types.Quote) (types.IntradayStyle, error) {
	if len(candles) < atrPeriod+1 {
		return "", fmt.Errorf("regime: need %d daily candles for ATR, have %d", atrPeriod+1, len(candles))
	}
	atr := talib.Atr(types.Highs(candles), types.Lows(candles), types.Closes(candles), atrPeriod)
	avgRange := atr[len(atr)-1]
	if avgRange <= 0 {
		return types.IntradayRange, nil
	}
	move := quote.Last.Sub(quote.PrevClose).Abs().InexactFloat64()
	if move >= avgRange {
		return types.IntradayTrend, nil
	}
	return types.IntradayRange, nil
}

// ReserveFor maps a regime state to a cash reserve fraction using the
// configured base per label plus the intraday perturbation, clamped to
// [0, 0.9].
func ReserveFor(cfg config.RebalanceConfig, state types.RegimeState) float64 {
	var reserve float64
	switch state.Label {
	case types.RegimeBull:
		reserve = cfg.ReservePctBull
	case types.RegimeBear:
		reserve = cfg.ReservePctBear
	default:
		reserve = cfg.ReservePctRange
	}
	switch state.IntradayStyle {
	case types.IntradayTrend:
		reserve += cfg.IntradayDeltaTrend
	case types.IntradayRange:
		reserve += cfg.IntradayDeltaRange
	}
	return clampReserve(reserve)
}

func clampReserve(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 0.9 {
		return 0.9
	}
	return r
}

// TargetLong returns the long exposure ceiling for the given equity and
// reserve fraction.
func TargetLong(equity decimal.Decimal, reservePct float64) decimal.Decimal {
	return equity.Mul(decimal.NewFromFloat(1 - reservePct))
}
