package regime

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// series builds daily candles whose close follows f(i), with a 2-point
// high/low range around the close.
func series(n int, f func(i int) float64) []types.Candle {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, n)
	for i := 0; i < n; i++ {
		c := decimal.NewFromFloat(f(i))
		out[i] = types.Candle{
			Symbol:    "QQQ.US",
			Period:    types.Period1d,
			Timestamp: base.AddDate(0, 0, i),
			Open:      c,
			High:      c.Add(decimal.NewFromInt(1)),
			Low:       c.Sub(decimal.NewFromInt(1)),
			Close:     c,
			Volume:    1000,
		}
	}
	return out
}

func testRebalanceConfig() config.RebalanceConfig {
	return config.RebalanceConfig{
		ReservePctBull:     0.15,
		ReservePctRange:    0.30,
		ReservePctBear:     0.50,
		IntradayDeltaTrend: -0.05,
		IntradayDeltaRange: 0.05,
	}
}

func TestClassifyBull(t *testing.T) {
	t.Parallel()
	candles := series(80, func(i int) float64 { return 100 + float64(i) })
	state, err := Classify(candles, time.Now())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if state.Label != types.RegimeBull {
		t.Errorf("steady uptrend classified as %s, want BULL", state.Label)
	}
}

func TestClassifyBear(t *testing.T) {
	t.Parallel()
	candles := series(80, func(i int) float64 { return 300 - float64(i) })
	state, err := Classify(candles, time.Now())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if state.Label != types.RegimeBear {
		t.Errorf("steady downtrend classified as %s, want BEAR", state.Label)
	}
}

func TestClassifyRange(t *testing.T) {
	t.Parallel()
	candles := series(80, func(i int) float64 { return 100 })
	state, err := Classify(candles, time.Now())
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if state.Label != types.RegimeRange {
		t.Errorf("flat series classified as %s, want RANGE", state.Label)
	}
}

func TestClassifyNeedsHistory(t *testing.T) {
	t.Parallel()
	candles := series(40, func(i int) float64 { return 100 + float64(i) })
	if _, err := Classify(candles, time.Now()); err == nil {
		t.Error("40 candles must be rejected, 60 required")
	}
}

func TestIntradayStyle(t *testing.T) {
	t.Parallel()
	candles := series(30, func(i int) float64 { return 100 })

	// ATR of the flat series is the 2-point bar range; a 5-point move trends.
	trend := types.Quote{Last: decimal.NewFromInt(105), PrevClose: decimal.NewFromInt(100)}
	got, err := IntradayStyle(candles, trend)
	if err != nil {
		t.Fatalf("intraday style: %v", err)
	}
	if got != types.IntradayTrend {
		t.Errorf("5-point move = %s, want TREND", got)
	}

	quiet := types.Quote{Last: decimal.NewFromFloat(100.5), PrevClose: decimal.NewFromInt(100)}
	got, err = IntradayStyle(candles, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if got != types.IntradayRange {
		t.Errorf("half-point move = %s, want RANGE", got)
	}
}

func TestReserveFor(t *testing.T) {
	t.Parallel()
	cfg := testRebalanceConfig()

	cases := []struct {
		label types.RegimeLabel
		style types.IntradayStyle
		want  float64
	}{
		{types.RegimeBull, "", 0.15},
		{types.RegimeRange, "", 0.30},
		{types.RegimeBear, "", 0.50},
		{types.RegimeBull, types.IntradayTrend, 0.10},
		{types.RegimeBull, types.IntradayRange, 0.20},
		{types.RegimeBear, types.IntradayRange, 0.55},
	}
	for _, c := range cases {
		state := types.RegimeState{Label: c.label, IntradayStyle: c.style}
		if got := ReserveFor(cfg, state); got != c.want {
			t.Errorf("ReserveFor(%s, %s) = %v, want %v", c.label, c.style, got, c.want)
		}
	}
}

func TestReserveForClamps(t *testing.T) {
	t.Parallel()
	cfg := testRebalanceConfig()

	cfg.ReservePctBear = 0.90
	state := types.RegimeState{Label: types.RegimeBear, IntradayStyle: types.IntradayRange}
	if got := ReserveFor(cfg, state); got != 0.9 {
		t.Errorf("reserve = %v, want clamp at 0.9", got)
	}

	cfg.ReservePctBull = 0.02
	state = types.RegimeState{Label: types.RegimeBull, IntradayStyle: types.IntradayTrend}
	if got := ReserveFor(cfg, state); got != 0 {
		t.Errorf("reserve = %v, want clamp at 0", got)
	}
}

func TestTargetLong(t *testing.T) {
	t.Parallel()
	equity := decimal.NewFromInt(1000000)
	if got := TargetLong(equity, 0.50); !got.Equal(decimal.NewFromInt(500000)) {
		t.Errorf("TargetLong = %s, want 500000", got)
	}
}

func TestIndexProxy(t *testing.T) {
	t.Parallel()
	cases := map[types.Market]string{
		types.MarketHK: "HSI.HK",
		types.MarketUS: "QQQ.US",
		types.MarketCN: "000300.SH",
		types.MarketSG: "QQQ.US",
	}
	for m, want := range cases {
		if got := IndexProxy(m); got != want {
			t.Errorf("IndexProxy(%s) = %s, want %s", m, got, want)
		}
	}
}
