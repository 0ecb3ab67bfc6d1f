package router

import (
	"context"
	"testing"
	"time"

	"tradecore/pkg/types"
)

// volumeCandles builds daily bars with a constant volume so the 20-day
// average is exactly vol.
func volumeCandles(symbol string, vol int64) []types.Candle {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, 20)
	for i := range out {
		out[i] = types.Candle{
			Symbol:    symbol,
			Period:    types.Period1d,
			Timestamp: base.AddDate(0, 0, i),
			Open:      dec("350"),
			High:      dec("351"),
			Low:       dec("349"),
			Close:     dec("350"),
			Volume:    vol,
		}
	}
	return out
}

func styleFixture(t *testing.T, dailyVolume int64) *routerFixture {
	t.Helper()
	f := newFixture(t)
	f.router.candles = &fakeCandles{daily: volumeCandles("0700.HK", dailyVolume)}
	return f
}

func stylePlan(f *routerFixture, qty int64, urgency int, session types.Session) *intentPlan {
	sig := buySignal("0700.HK", qty, urgency)
	return &intentPlan{
		sig:      sig,
		market:   types.MarketHK,
		session:  session,
		quote:    *hkQuote(),
		lot:      100,
		quantity: qty,
		urgency:  urgency,
	}
}

func TestChooseStyleBySizeAndUrgency(t *testing.T) {
	t.Parallel()
	f := styleFixture(t, 100000)
	ctx := context.Background()

	cases := []struct {
		name    string
		qty     int64
		urgency int
		want    Style
	}{
		// 6% of the 100k average daily volume slices as an iceberg.
		{"iceberg above 5% of volume", 6000, 3, StyleIceberg},
		// 4% and at least 20 lots paces out as TWAP.
		{"twap at 4% of volume", 4000, 3, StyleTWAP},
		// Small and urgent crosses immediately.
		{"aggressive on urgency 8", 300, 8, StyleAggressive},
		// Small, mid urgency, one-tick spread adapts.
		{"adaptive on urgency 5", 300, 5, StyleAdaptive},
		// Small and patient rests.
		{"passive on urgency 3", 300, 3, StylePassive},
	}
	for _, c := range cases {
		plan := stylePlan(f, c.qty, c.urgency, types.SessionRegular)
		if got := f.router.chooseStyle(ctx, plan); got != c.want {
			t.Errorf("%s: style = %s, want %s", c.name, got, c.want)
		}
	}
}

func TestChooseStyleTWAPBandUnderLotFloorRests(t *testing.T) {
	t.Parallel()
	// 4% of a 25k ADV qualifies for TWAP pacing, but 1000 shares is under
	// the 20-lot slice floor. Even at urgency 9 the order must rest, not
	// cross the thin book in one print.
	f := styleFixture(t, 25000)

	plan := stylePlan(f, 1000, 9, types.SessionRegular)
	if got := f.router.chooseStyle(context.Background(), plan); got != StylePassive {
		t.Errorf("thin-book order = %s, want PASSIVE", got)
	}
}

func TestChooseStyleForceLimitBlocksAggressive(t *testing.T) {
	t.Parallel()
	f := styleFixture(t, 100000)

	plan := stylePlan(f, 300, 9, types.SessionRegular)
	plan.forceLimit = true
	if got := f.router.chooseStyle(context.Background(), plan); got != StylePassive {
		t.Errorf("forced-limit urgency 9 = %s, want PASSIVE", got)
	}
}

func TestChooseStyleClosedMarketNeverAggressive(t *testing.T) {
	t.Parallel()
	f := styleFixture(t, 100000)

	plan := stylePlan(f, 300, 9, types.SessionPostMarket)
	if got := f.router.chooseStyle(context.Background(), plan); got != StylePassive {
		t.Errorf("post-market urgency 9 = %s, want PASSIVE", got)
	}
}

func TestChooseStyleWideSpreadFallsToPassive(t *testing.T) {
	t.Parallel()
	f := styleFixture(t, 100000)

	plan := stylePlan(f, 300, 5, types.SessionRegular)
	plan.quote.Ask = dec("351.40") // five ticks wide
	if got := f.router.chooseStyle(context.Background(), plan); got != StylePassive {
		t.Errorf("five-tick spread = %s, want PASSIVE", got)
	}
}

func TestChooseStyleVWAPNeedsIntradayHistory(t *testing.T) {
	t.Parallel()
	f := styleFixture(t, 100000)

	// 12% of average daily volume, but no 30-minute bars: falls to iceberg.
	plan := stylePlan(f, 12000, 3, types.SessionRegular)
	if got := f.router.chooseStyle(context.Background(), plan); got != StyleIceberg {
		t.Errorf("without intraday history = %s, want ICEBERG", got)
	}

	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	f.router.candles = &fakeCandles{
		daily: volumeCandles("0700.HK", 100000),
		thirtyMin: []types.Candle{
			{Symbol: "0700.HK", Period: types.Period30m, Timestamp: day.Add(9*time.Hour + 30*time.Minute), Volume: 7500},
			{Symbol: "0700.HK", Period: types.Period30m, Timestamp: day.Add(10 * time.Hour), Volume: 2500},
		},
	}
	if got := f.router.chooseStyle(context.Background(), plan); got != StyleVWAP {
		t.Errorf("with intraday history = %s, want VWAP", got)
	}
}

func TestSplitIntoLots(t *testing.T) {
	t.Parallel()
	cases := []struct {
		quantity, lot int64
		n             int
		want          []int64
	}{
		{1000, 100, 5, []int64{200, 200, 200, 200, 200}},
		{1100, 100, 5, []int64{200, 200, 200, 200, 300}},
		{300, 100, 5, []int64{100, 100, 100}},
		{500, 500, 3, []int64{500}},
		{70, 1, 3, []int64{23, 23, 24}},
	}
	for _, c := range cases {
		got := splitIntoLots(c.quantity, c.lot, c.n)
		if len(got) != len(c.want) {
			t.Errorf("splitIntoLots(%d, %d, %d) = %v, want %v", c.quantity, c.lot, c.n, got, c.want)
			continue
		}
		var total int64
		for i := range got {
			total += got[i]
			if got[i] != c.want[i] {
				t.Errorf("splitIntoLots(%d, %d, %d) = %v, want %v", c.quantity, c.lot, c.n, got, c.want)
				break
			}
		}
		if total != c.quantity {
			t.Errorf("splitIntoLots(%d, %d, %d) total = %d", c.quantity, c.lot, c.n, total)
		}
	}
}

func TestSplitIntoLotsEverySliceWholeLots(t *testing.T) {
	t.Parallel()
	for _, quantity := range []int64{500, 1700, 2300, 9900} {
		slices := splitIntoLots(quantity, 100, 7)
		var total int64
		for _, q := range slices {
			if q%100 != 0 {
				t.Errorf("quantity %d: slice %d is not whole lots", quantity, q)
			}
			total += q
		}
		if total != quantity {
			t.Errorf("quantity %d: slices sum to %d", quantity, total)
		}
	}
}

func TestVolumeProfileWeightsFollowHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Two half-hour slots, 75/25 volume split repeated over 5 days.
	var bars []types.Candle
	day := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	for d := 0; d < 5; d++ {
		bars = append(bars,
			types.Candle{Symbol: "0700.HK", Period: types.Period30m,
				Timestamp: day.AddDate(0, 0, d).Add(9*time.Hour + 30*time.Minute), Volume: 7500},
			types.Candle{Symbol: "0700.HK", Period: types.Period30m,
				Timestamp: day.AddDate(0, 0, d).Add(10 * time.Hour), Volume: 2500},
		)
	}
	f.router.candles = &fakeCandles{thirtyMin: bars}

	weights := f.router.volumeProfile(context.Background(), "0700.HK")
	if len(weights) != 2 {
		t.Fatalf("weights = %v, want 2 buckets", weights)
	}
	if weights[0] < 0.74 || weights[0] > 0.76 {
		t.Errorf("morning weight = %v, want 0.75", weights[0])
	}
	if sum := weights[0] + weights[1]; sum < 0.999 || sum > 1.001 {
		t.Errorf("weights sum = %v, want 1", sum)
	}
}

func TestVolumeProfileEmptyWithoutHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if got := f.router.volumeProfile(context.Background(), "0700.HK"); got != nil {
		t.Errorf("profile = %v, want nil without 30-minute history", got)
	}
}

func TestEvenSlicesRespectLotGrid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	plan := stylePlan(f, 1000, 3, types.SessionRegular)

	slices := f.router.evenSlices(plan)
	var total int64
	for _, q := range slices {
		if q%plan.lot != 0 {
			t.Errorf("slice %d off the 100-share lot grid", q)
		}
		total += q
	}
	if total != 1000 {
		t.Errorf("slices sum to %d, want 1000", total)
	}
	if len(slices) != 5 {
		t.Errorf("slices = %d, want the configured 5", len(slices))
	}
}
