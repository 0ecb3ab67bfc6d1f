package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCandle(symbol string, period types.Period, ts time.Time, close string) types.Candle {
	return types.Candle{
		Symbol:    symbol,
		Period:    period,
		Timestamp: ts,
		Open:      dec(close),
		High:      dec(close),
		Low:       dec(close),
		Close:     dec(close),
		Volume:    1000,
		Turnover:  dec("350000"),
	}
}

func TestCandlesRoundTripChronological(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	// Insert out of order; reads come back oldest first.
	candles := []types.Candle{
		testCandle("0700.HK", types.Period1d, base.AddDate(0, 0, 2), "352.00"),
		testCandle("0700.HK", types.Period1d, base, "350.00"),
		testCandle("0700.HK", types.Period1d, base.AddDate(0, 0, 1), "351.00"),
	}
	if err := s.SaveCandles(ctx, candles); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Candles(ctx, "0700.HK", types.Period1d, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candles = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Errorf("candles not chronological at %d: %v then %v", i, got[i-1].Timestamp, got[i].Timestamp)
		}
	}
	if !got[0].Close.Equal(dec("350.00")) || !got[2].Close.Equal(dec("352.00")) {
		t.Errorf("close series = %s..%s, want 350.00..352.00", got[0].Close, got[2].Close)
	}
}

func TestCandlesUpsertAbsorbsRefetch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if err := s.SaveCandles(ctx, []types.Candle{testCandle("NVDA.US", types.Period1d, ts, "900")}); err != nil {
		t.Fatal(err)
	}
	// Same bar re-fetched with a corrected close.
	if err := s.SaveCandles(ctx, []types.Candle{testCandle("NVDA.US", types.Period1d, ts, "905")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Candles(ctx, "NVDA.US", types.Period1d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("candles = %d, want 1 after upsert", len(got))
	}
	if !got[0].Close.Equal(dec("905")) {
		t.Errorf("close = %s, want 905", got[0].Close)
	}
}

func TestCandlesMinutePeriodsAreSeparate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	if err := s.SaveCandles(ctx, []types.Candle{
		testCandle("0700.HK", types.Period30m, ts, "350"),
		testCandle("0700.HK", types.Period1d, ts, "351"),
	}); err != nil {
		t.Fatal(err)
	}

	m30, err := s.Candles(ctx, "0700.HK", types.Period30m, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(m30) != 1 || !m30[0].Close.Equal(dec("350")) {
		t.Errorf("30m candles = %+v, want single close 350", m30)
	}
	d1, err := s.Candles(ctx, "0700.HK", types.Period1d, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(d1) != 1 || !d1[0].Close.Equal(dec("351")) {
		t.Errorf("daily candles = %+v, want single close 351", d1)
	}
}

func testOrder(id string, status types.OrderStatus) types.Order {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	return types.Order{
		BrokerOrderID: id,
		ClientOrderID: "sig-1-0-0",
		Symbol:        "0700.HK",
		Side:          types.BUY,
		Type:          types.OrderTypeLimit,
		Quantity:      300,
		LimitPrice:    dec("350.40"),
		TIF:           types.TIFDay,
		Status:        status,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
}

func TestOrderInsertUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("B-1", types.OrderStatusNew)
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatalf("insert: %v", err)
	}

	o.Status = types.OrderStatusPartiallyFilled
	o.ExecutedQuantity = 100
	o.ExecutedPrice = dec("350.40")
	o.UpdatedAt = o.UpdatedAt.Add(time.Second)
	if err := s.UpdateOrder(ctx, o); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.Order(ctx, "B-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("order not found")
	}
	if got.Status != types.OrderStatusPartiallyFilled || got.ExecutedQuantity != 100 {
		t.Errorf("order = %+v, want PARTIALLY_FILLED/100", got)
	}
	if !got.LimitPrice.Equal(dec("350.40")) {
		t.Errorf("limit price = %s, want 350.40", got.LimitPrice)
	}
}

func TestOrderUnknownReturnsNil(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.Order(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown order, got %+v", got)
	}
}

func TestUpdateOrderTerminalIsOneWay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	o := testOrder("B-2", types.OrderStatusFilled)
	o.ExecutedQuantity = 300
	o.ExecutedPrice = dec("350.40")
	if err := s.InsertOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	// A late poll result must not demote a filled order.
	o.Status = types.OrderStatusNew
	err := s.UpdateOrder(ctx, o)
	if !errors.Is(err, ErrTerminalOrder) {
		t.Errorf("update after terminal: err = %v, want ErrTerminalOrder", err)
	}

	got, _ := s.Order(ctx, "B-2")
	if got.Status != types.OrderStatusFilled {
		t.Errorf("status reverted to %s", got.Status)
	}

	// Re-asserting the same terminal status is allowed.
	o.Status = types.OrderStatusFilled
	if err := s.UpdateOrder(ctx, o); err != nil {
		t.Errorf("idempotent terminal update: %v", err)
	}
}

func TestOrderCountsSince(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	dayOpen := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	old := testOrder("B-old", types.OrderStatusFilled)
	old.SubmittedAt = dayOpen.Add(-2 * time.Hour)
	cur := testOrder("B-new", types.OrderStatusNew)
	other := testOrder("B-other", types.OrderStatusNew)
	other.Symbol = "NVDA.US"
	for _, o := range []types.Order{old, cur, other} {
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	if n, err := s.OrdersSince(ctx, dayOpen); err != nil || n != 2 {
		t.Errorf("OrdersSince = %d err=%v, want 2", n, err)
	}
	if n, err := s.OrdersForSymbolSince(ctx, "0700.HK", dayOpen); err != nil || n != 1 {
		t.Errorf("OrdersForSymbolSince = %d err=%v, want 1", n, err)
	}
}

func TestFillsAppend(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	f := types.Fill{
		BrokerOrderID: "B-1",
		Symbol:        "0700.HK",
		Side:          types.BUY,
		Quantity:      100,
		Price:         dec("350.40"),
		FilledAt:      time.Now(),
	}
	if err := s.InsertFill(ctx, f); err != nil {
		t.Fatalf("insert fill: %v", err)
	}
	// Same report twice is two rows; dedup is the caller's concern.
	if err := s.InsertFill(ctx, f); err != nil {
		t.Fatalf("second insert fill: %v", err)
	}
}

func TestPositionUpsertAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	p := types.Position{
		Symbol:            "0700.HK",
		Quantity:          300,
		AvailableQuantity: 300,
		AverageCost:       dec("350.40"),
		Currency:          types.HKD,
		Market:            types.MarketHK,
		EntryTime:         time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertPosition(ctx, p); err != nil {
		t.Fatal(err)
	}

	p.Quantity = 500
	p.AvailableQuantity = 500
	if err := s.UpsertPosition(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.Positions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Quantity != 500 {
		t.Fatalf("positions = %+v, want single 500-share holding", got)
	}
	if !got[0].AverageCost.Equal(dec("350.40")) || got[0].Currency != types.HKD {
		t.Errorf("position fields lost on round-trip: %+v", got[0])
	}

	// Flat position removes the row.
	p.Quantity = 0
	if err := s.UpsertPosition(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err = s.Positions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("positions after flat = %+v, want none", got)
	}
}

func TestSecurityStaticRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	info := types.SecurityStatic{
		Symbol:   "0700.HK",
		Name:     "Tencent Holdings",
		LotSize:  100,
		Market:   types.MarketHK,
		Currency: types.HKD,
	}
	if err := s.SaveSecurityStatic(ctx, info); err != nil {
		t.Fatal(err)
	}

	got, err := s.SecurityStatic(ctx, "0700.HK")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LotSize != 100 || got.Market != types.MarketHK {
		t.Errorf("static = %+v, want lot 100 HK", got)
	}

	missing, err := s.SecurityStatic(ctx, "9999.HK")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("unknown symbol returned %+v, want nil", missing)
	}
}

func TestTradingDaysRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	days := []types.TradingDay{
		{
			Market:    types.MarketHK,
			TradeDate: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
			Sessions: []types.SessionSpan{
				{BeginMinute: 570, EndMinute: 720},
				{BeginMinute: 780, EndMinute: 960},
			},
		},
		{
			Market:    types.MarketHK,
			TradeDate: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC),
			Sessions:  []types.SessionSpan{{BeginMinute: 570, EndMinute: 720}},
			IsHalfDay: true,
		},
	}
	if err := s.SaveTradingDays(ctx, days); err != nil {
		t.Fatal(err)
	}
	// Upsert of the same dates keeps the table at two rows.
	if err := s.SaveTradingDays(ctx, days); err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	got, err := s.TradingDays(ctx, types.MarketHK, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("trading days = %d, want 2", len(got))
	}
	if len(got[0].Sessions) != 2 || got[0].Sessions[1].BeginMinute != 780 {
		t.Errorf("sessions lost on round-trip: %+v", got[0].Sessions)
	}
	if !got[1].IsHalfDay || len(got[1].Sessions) != 1 {
		t.Errorf("half-day entry mangled: %+v", got[1])
	}

	// Other markets see nothing.
	us, err := s.TradingDays(ctx, types.MarketUS, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(us) != 0 {
		t.Errorf("US days = %+v, want none", us)
	}
}
