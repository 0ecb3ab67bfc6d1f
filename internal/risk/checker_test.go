package risk

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCounter struct {
	total    int
	bySymbol map[string]int
}

func (f *fakeCounter) OrdersSince(context.Context, time.Time) (int, error) {
	return f.total, nil
}

func (f *fakeCounter) OrdersForSymbolSince(_ context.Context, symbol string, _ time.Time) (int, error) {
	return f.bySymbol[symbol], nil
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionShares:     100000,
		MaxPositionNotional:   500000,
		MaxAllocationPct:      0.20,
		MaxDailyOrders:        100,
		MaxOrdersPerSymbolDay: 5,
		MaxDailyLossPct:       0.05,
		MaxDrawdownPct:        0.15,
		MaxLongExposurePct:    1.00,
		MaxShortExposurePct:   0.30,
		MaxSignalRiskPct:      0.02,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func healthySnapshot() Snapshot {
	return Snapshot{
		Equity:        dec("1000000"),
		LongExposure:  dec("200000"),
		ShortExposure: decimal.Zero,
		DailyRealized: decimal.Zero,
		Positions:     map[string]types.Position{},
		Taken:         time.Now(),
	}
}

func newTestChecker(t *testing.T, counter OrderCounter) *Checker {
	t.Helper()
	if counter == nil {
		counter = &fakeCounter{bySymbol: map[string]int{}}
	}
	c := NewChecker(testRiskConfig(), counter, testLogger())
	c.StartDay(time.Now().Add(-time.Hour))
	c.UpdateSnapshot(healthySnapshot())
	return c
}

func buySignal(symbol string, qty int64) *types.Signal {
	return &types.Signal{
		ID:       "t-" + symbol,
		Symbol:   symbol,
		Side:     types.BUY,
		Quantity: qty,
		Score:    70,
		Urgency:  5,
	}
}

func TestCheckRejectsInvalidIntent(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	sig := buySignal("0700.HK", 0)
	if ok, reason := c.Check(ctx, sig, dec("350")); ok || !strings.Contains(reason, "quantity") {
		t.Errorf("zero quantity: ok=%v reason=%q", ok, reason)
	}

	sig = buySignal("0700.HK", 100)
	sig.Side = "HOLD"
	if ok, reason := c.Check(ctx, sig, dec("350")); ok || !strings.Contains(reason, "side") {
		t.Errorf("bad side: ok=%v reason=%q", ok, reason)
	}
}

func TestAllocationCap(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	// Equity 1M, cap 20%: 250k intent rejected, 175k accepted.
	if ok, reason := c.Check(ctx, buySignal("0700.HK", 1000), dec("250")); ok {
		t.Error("250k notional must breach the 20% allocation cap")
	} else if !strings.Contains(reason, "allocation cap") {
		t.Errorf("reason = %q", reason)
	}
	if ok, reason := c.Check(ctx, buySignal("0700.HK", 700), dec("250")); !ok {
		t.Errorf("175k notional rejected: %q", reason)
	}
}

func TestAllocationCapCountsHeldValue(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	snap := healthySnapshot()
	snap.Positions["0700.HK"] = types.Position{Symbol: "0700.HK", Quantity: 500}
	c.UpdateSnapshot(snap)

	// Held 500 @ 250 = 125k; adding 400 more (100k) crosses 200k.
	if ok, _ := c.Check(context.Background(), buySignal("0700.HK", 400), dec("250")); ok {
		t.Error("held value plus intent must count against the allocation cap")
	}
}

func TestPositionShareAndNotionalCaps(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	sig := buySignal("PENNY.US", 150000)
	if ok, reason := c.Check(ctx, sig, dec("0.50")); ok || !strings.Contains(reason, "position size limit") {
		t.Errorf("share cap: ok=%v reason=%q", ok, reason)
	}
}

func TestDailyLossLockout(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	snap := healthySnapshot()
	snap.DailyRealized = dec("-60000") // 6% of equity, cap is 5%
	snap.Positions["0700.HK"] = types.Position{Symbol: "0700.HK", Quantity: 500}
	c.UpdateSnapshot(snap)

	if ok, reason := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); ok {
		t.Error("opening BUY must be rejected after daily loss breach")
	} else if !strings.Contains(reason, "daily loss cap") {
		t.Errorf("reason = %q", reason)
	}
	if locked, _ := c.Locked(); !locked {
		t.Error("loss breach must latch a lockout")
	}

	// Closing SELL within the held quantity still passes.
	sell := &types.Signal{ID: "s", Symbol: "0700.HK", Side: types.SELL, Quantity: 500}
	if ok, reason := c.Check(ctx, sell, dec("350")); !ok {
		t.Errorf("closing SELL rejected during lockout: %q", reason)
	}

	// A SELL beyond the held quantity opens a short and stays blocked.
	short := &types.Signal{ID: "s2", Symbol: "0700.HK", Side: types.SELL, Quantity: 800}
	if ok, _ := c.Check(ctx, short, dec("350")); ok {
		t.Error("short-opening SELL must be rejected during lockout")
	}

	// Lockout persists even after the snapshot recovers.
	c.UpdateSnapshot(healthySnapshot())
	if ok, _ := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); ok {
		t.Error("lockout must persist past a recovered snapshot")
	}

	// The very next trading day clears it, even though its open falls
	// inside 24 hours of the breach.
	c.StartDay(time.Now().Add(18 * time.Hour))
	if ok, reason := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); !ok {
		t.Errorf("BUY rejected after lockout cleared: %q", reason)
	}
	if locked, _ := c.Locked(); locked {
		t.Error("lockout must not survive the next day open")
	}
}

func TestLockoutClearsAtNextDayOpen(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	snap := healthySnapshot()
	snap.DailyRealized = dec("-60000")
	c.UpdateSnapshot(snap)
	if ok, _ := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); ok {
		t.Fatal("loss breach must reject the opening BUY")
	}

	// Day rolls: counters reset and a clean snapshot arrives.
	c.StartDay(time.Now().Add(16 * time.Hour))
	c.UpdateSnapshot(healthySnapshot())

	if ok, reason := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); !ok {
		t.Errorf("day-2 opening BUY rejected: %q", reason)
	}

	// A same-day StartDay (an open before the latch instant) must not
	// clear a fresh breach.
	snap = healthySnapshot()
	snap.DailyRealized = dec("-60000")
	c.UpdateSnapshot(snap)
	if ok, _ := c.Check(ctx, buySignal("NVDA.US", 10), dec("900")); ok {
		t.Fatal("second breach must latch again")
	}
	c.StartDay(time.Now().Add(-time.Hour))
	if locked, _ := c.Locked(); !locked {
		t.Error("an earlier day open must not clear a newer lockout")
	}
}

func TestDrawdownLockout(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	// Peak 1M, now 800k: 20% drawdown against a 15% cap.
	snap := healthySnapshot()
	snap.Equity = dec("800000")
	c.UpdateSnapshot(snap)

	if ok, reason := c.Check(ctx, buySignal("0700.HK", 100), dec("350")); ok {
		t.Error("drawdown breach must reject opening intents")
	} else if !strings.Contains(reason, "drawdown") {
		t.Errorf("reason = %q", reason)
	}
}

func TestLongExposureCap(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	snap := healthySnapshot()
	snap.LongExposure = dec("950000")
	c.UpdateSnapshot(snap)

	// 950k + 175k > 100% of 1M equity.
	if ok, reason := c.Check(context.Background(), buySignal("0700.HK", 700), dec("250")); ok {
		t.Error("long exposure cap must reject")
	} else if !strings.Contains(reason, "long exposure") {
		t.Errorf("reason = %q", reason)
	}
}

func TestSignalRiskCap(t *testing.T) {
	t.Parallel()
	c := newTestChecker(t, nil)
	ctx := context.Background()

	// Equity 1M, 2% cap: at-risk limit is 20k.
	sig := buySignal("0700.HK", 1000)
	sig.StopLoss = dec("320")
	if ok, reason := c.Check(ctx, sig, dec("350")); ok {
		t.Error("30k at-risk must breach the 2% signal risk cap")
	} else if !strings.Contains(reason, "signal risk") {
		t.Errorf("reason = %q", reason)
	}

	sig.StopLoss = dec("335")
	if ok, reason := c.Check(ctx, sig, dec("350")); !ok {
		t.Errorf("15k at-risk rejected: %q", reason)
	}

	// No stop loss: the cap does not apply.
	sig.StopLoss = decimal.Zero
	if ok, reason := c.Check(ctx, sig, dec("350")); !ok {
		t.Errorf("stopless signal rejected: %q", reason)
	}
}

func TestOrderCountCaps(t *testing.T) {
	t.Parallel()
	counter := &fakeCounter{total: 100, bySymbol: map[string]int{"0700.HK": 2}}
	c := newTestChecker(t, counter)
	ctx := context.Background()

	if ok, reason := c.Check(ctx, buySignal("0700.HK", 100), dec("350")); ok || !strings.Contains(reason, "daily order cap") {
		t.Errorf("global cap: ok=%v reason=%q", ok, reason)
	}

	counter.total = 10
	counter.bySymbol["0700.HK"] = 5
	if ok, reason := c.Check(ctx, buySignal("0700.HK", 100), dec("350")); ok || !strings.Contains(reason, "0700.HK") {
		t.Errorf("symbol cap: ok=%v reason=%q", ok, reason)
	}

	counter.bySymbol["0700.HK"] = 4
	if ok, reason := c.Check(ctx, buySignal("0700.HK", 100), dec("350")); !ok {
		t.Errorf("under both caps rejected: %q", reason)
	}
}
