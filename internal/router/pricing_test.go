package router

import (
	"testing"

	"tradecore/internal/reference"
	"tradecore/pkg/types"
)

func TestDynamicLimitPriceBuyNudgesThroughAsk(t *testing.T) {
	t.Parallel()
	in := PriceInputs{
		Market:      types.MarketUS,
		Side:        types.BUY,
		Reference:   dec("100"),
		Last:        dec("100.10"),
		Bid:         dec("100.05"),
		Ask:         dec("100.10"),
		MaxSlippage: dec("0.005"),
	}
	// ask × 1.001 = 100.2001, under the 100.50 ceiling, floors to 100.20.
	price, exceeds := DynamicLimitPrice(in)
	if !price.Equal(dec("100.20")) {
		t.Errorf("price = %s, want 100.20", price)
	}
	if exceeds {
		t.Error("0.1% drift must not exceed a 0.5% budget")
	}
}

func TestDynamicLimitPriceClampsToSlippageCeiling(t *testing.T) {
	t.Parallel()
	in := PriceInputs{
		Market:      types.MarketUS,
		Side:        types.BUY,
		Reference:   dec("100"),
		Last:        dec("101"),
		Bid:         dec("100.90"),
		Ask:         dec("101"),
		MaxSlippage: dec("0.005"),
	}
	// ask × 1.001 = 101.101 is over the 100.50 ceiling; the clamp wins and
	// the drift flag fires.
	price, exceeds := DynamicLimitPrice(in)
	if !price.Equal(dec("100.50")) {
		t.Errorf("price = %s, want the 100.50 ceiling", price)
	}
	if !exceeds {
		t.Error("1% drift must exceed a 0.5% budget")
	}
}

func TestDynamicLimitPriceSellFloor(t *testing.T) {
	t.Parallel()
	in := PriceInputs{
		Market:      types.MarketUS,
		Side:        types.SELL,
		Reference:   dec("100"),
		Last:        dec("99"),
		Bid:         dec("99"),
		Ask:         dec("99.10"),
		MaxSlippage: dec("0.005"),
	}
	// bid × 0.999 = 98.901 is under the 99.50 floor; the floor wins,
	// snapped up for a SELL.
	price, exceeds := DynamicLimitPrice(in)
	if !price.Equal(dec("99.50")) {
		t.Errorf("price = %s, want the 99.50 floor", price)
	}
	if !exceeds {
		t.Error("1% adverse drift must exceed a 0.5% budget")
	}
}

func TestDynamicLimitPriceIsDeterministic(t *testing.T) {
	t.Parallel()
	in := PriceInputs{
		Market:      types.MarketHK,
		Side:        types.BUY,
		Reference:   dec("350.40"),
		Last:        dec("350.60"),
		Bid:         dec("350.40"),
		Ask:         dec("350.60"),
		MaxSlippage: dec("0.005"),
	}
	first, _ := DynamicLimitPrice(in)
	for i := 0; i < 5; i++ {
		again, _ := DynamicLimitPrice(in)
		if !again.Equal(first) {
			t.Fatalf("price changed between identical calls: %s then %s", first, again)
		}
	}
	if !reference.OnTick(types.MarketHK, first) {
		t.Errorf("price %s is off the HK tick grid", first)
	}
}

func TestPassiveAndFarSidePrices(t *testing.T) {
	t.Parallel()
	bid, ask := dec("350.40"), dec("350.60")

	if got := PassivePrice(types.MarketHK, types.BUY, bid, ask); !got.Equal(dec("350.40")) {
		t.Errorf("passive BUY = %s, want the bid", got)
	}
	if got := PassivePrice(types.MarketHK, types.SELL, bid, ask); !got.Equal(dec("350.60")) {
		t.Errorf("passive SELL = %s, want the ask", got)
	}
	if got := FarSidePrice(types.MarketHK, types.BUY, bid, ask); !got.Equal(dec("350.60")) {
		t.Errorf("far-side BUY = %s, want the ask", got)
	}
	if got := FarSidePrice(types.MarketHK, types.SELL, bid, ask); !got.Equal(dec("350.40")) {
		t.Errorf("far-side SELL = %s, want the bid", got)
	}
}

func TestSlippageTrackerIgnoresPriceImprovement(t *testing.T) {
	t.Parallel()
	tr := newSlippageTracker(dec("100"), dec("0.005"), types.BUY)

	// Buying under the reference is improvement, not slippage.
	tr.record(dec("99.50"), 100)
	if tr.exhausted() {
		t.Error("price improvement must not consume the budget")
	}

	// 0.4% adverse on an equal quantity averages to 0.2%: still inside.
	tr.record(dec("100.40"), 100)
	if tr.exhausted() {
		t.Error("0.2% weighted slippage is inside a 0.5% budget")
	}
}

func TestSlippageTrackerExhaustsPastOverrun(t *testing.T) {
	t.Parallel()
	tr := newSlippageTracker(dec("100"), dec("0.005"), types.BUY)

	// 0.7% adverse beats the 1.2 × 0.5% = 0.6% overrun line.
	tr.record(dec("100.70"), 100)
	if !tr.exhausted() {
		t.Error("0.7% weighted slippage must exhaust a 0.5% budget")
	}

	// SELL side: selling below reference is adverse.
	sell := newSlippageTracker(dec("100"), dec("0.005"), types.SELL)
	sell.record(dec("99.30"), 100)
	if !sell.exhausted() {
		t.Error("selling 0.7% under reference must exhaust the budget")
	}
	up := newSlippageTracker(dec("100"), dec("0.005"), types.SELL)
	up.record(dec("100.70"), 100)
	if up.exhausted() {
		t.Error("selling above reference is improvement")
	}
}
