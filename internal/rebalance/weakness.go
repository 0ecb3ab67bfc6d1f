package rebalance

import (
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

const (
	weaknessFastMA   = 20
	weaknessSlowMA   = 50
	donchianPeriod   = 20
	macdFast         = 12
	macdSlow         = 26
	macdSignalPeriod = 9

	// MinWeaknessCandles is the shortest daily series the scorer accepts.
	MinWeaknessCandles = weaknessSlowMA + macdSignalPeriod
)

// WeaknessScore rates a holding 0–100 from its daily candles and last
// traded price. Higher means weaker, i.e. a better candidate to sell:
//
//	+15  close below MA-20
//	+25  close below MA-50
//	+40  close at or under the 20-day Donchian low
//	+15  MACD crossed below its signal on the latest bar
//	 +5  MACD histogram negative (when no fresh cross)
//	 +5  MA-20 slope down
//
// Returns 0 when the series is too short to judge.
func WeaknessScore(candles []types.Candle, last decimal.Decimal) int {
	if len(candles) < MinWeaknessCandles {
		return 0
	}

	closes := types.Closes(candles)
	lows := types.Lows(candles)
	price := last.InexactFloat64()
	n := len(closes) - 1

	score := 0

	fast := talib.Sma(closes, weaknessFastMA)
	if price < fast[n] {
		score += 15
	}
	slow := talib.Sma(closes, weaknessSlowMA)
	if price < slow[n] {
		score += 25
	}

	donchianLow := lows[n]
	for i := n - donchianPeriod + 1; i <= n; i++ {
		if lows[i] < donchianLow {
			donchianLow = lows[i]
		}
	}
	if price <= donchianLow {
		score += 40
	}

	macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignalPeriod)
	crossedDown := macd[n] < signal[n] && macd[n-1] >= signal[n-1]
	switch {
	case crossedDown:
		score += 15
	case hist[n] < 0:
		score += 5
	}

	if fast[n] < fast[n-1] {
		score += 5
	}

	return score
}
