package calendar

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"tradecore/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	days  []types.TradingDay
	saved []types.TradingDay
}

func (s *fakeStore) TradingDays(_ context.Context, market types.Market, _, _ time.Time) ([]types.TradingDay, error) {
	var out []types.TradingDay
	for _, d := range s.days {
		if d.Market == market {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveTradingDays(_ context.Context, days []types.TradingDay) error {
	s.saved = append(s.saved, days...)
	return nil
}

type fakeProvider struct {
	days  []types.TradingDay
	calls int
}

func (p *fakeProvider) TradingDays(_ context.Context, market types.Market, _, _ time.Time) ([]types.TradingDay, error) {
	p.calls++
	var out []types.TradingDay
	for _, d := range p.days {
		if d.Market == market {
			out = append(out, d)
		}
	}
	return out, nil
}

func newTestCalendar(t *testing.T, stored []types.TradingDay) *Calendar {
	t.Helper()
	cal, err := New(&fakeStore{days: stored}, &fakeProvider{}, testLogger())
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return cal
}

// at builds an instant in the market's local zone.
func at(cal *Calendar, m types.Market, y int, mo time.Month, d, hh, mm int) time.Time {
	return time.Date(y, mo, d, hh, mm, 0, 0, cal.Zone(m))
}

func TestSessionOfWeekdayFallbackHK(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// Monday 2026-08-24, empty cache: weekday fallback applies.
	cases := []struct {
		hh, mm int
		want   types.Session
	}{
		{9, 0, types.SessionClosed},
		{9, 30, types.SessionRegular},
		{11, 59, types.SessionRegular},
		{12, 30, types.SessionClosed}, // lunch break
		{13, 0, types.SessionRegular},
		{15, 59, types.SessionRegular},
		{16, 0, types.SessionClosed},
	}
	for _, c := range cases {
		now := at(cal, types.MarketHK, 2026, time.August, 24, c.hh, c.mm)
		if got := cal.SessionOf(types.MarketHK, now); got != c.want {
			t.Errorf("SessionOf(HK, %02d:%02d) = %s, want %s", c.hh, c.mm, got, c.want)
		}
	}

	// The fallback leaves a refresh hint for the engine.
	select {
	case m := <-cal.RefreshRequests():
		if m != types.MarketHK {
			t.Errorf("refresh request for %s, want HK", m)
		}
	default:
		t.Error("weekday fallback must request a calendar refresh")
	}
}

func TestSessionOfWeekendClosed(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// Saturday 2026-08-29 mid-morning in every market.
	for _, m := range []types.Market{types.MarketHK, types.MarketUS, types.MarketCN, types.MarketSG} {
		now := at(cal, m, 2026, time.August, 29, 10, 0)
		if got := cal.SessionOf(m, now); got != types.SessionClosed {
			t.Errorf("SessionOf(%s, Saturday) = %s, want CLOSED", m, got)
		}
	}
}

func TestSessionOfUSExtendedHours(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	cases := []struct {
		hh, mm int
		want   types.Session
	}{
		{3, 30, types.SessionClosed},
		{4, 0, types.SessionPreMarket},
		{9, 29, types.SessionPreMarket},
		{9, 30, types.SessionRegular},
		{15, 59, types.SessionRegular},
		{16, 0, types.SessionPostMarket},
		{19, 59, types.SessionPostMarket},
		{20, 0, types.SessionClosed},
	}
	for _, c := range cases {
		now := at(cal, types.MarketUS, 2026, time.August, 24, c.hh, c.mm)
		if got := cal.SessionOf(types.MarketUS, now); got != c.want {
			t.Errorf("SessionOf(US, %02d:%02d ET) = %s, want %s", c.hh, c.mm, got, c.want)
		}
	}
}

func TestSessionOfHolidayEntry(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// A cached entry with no sessions marks a holiday, even on a weekday.
	holiday := time.Date(2026, time.August, 24, 0, 0, 0, 0, cal.Zone(types.MarketHK))
	seedCalendar(t, cal, []types.TradingDay{{Market: types.MarketHK, TradeDate: holiday}})

	now := at(cal, types.MarketHK, 2026, time.August, 24, 10, 0)
	if got := cal.SessionOf(types.MarketHK, now); got != types.SessionClosed {
		t.Errorf("SessionOf on holiday = %s, want CLOSED", got)
	}
}

func TestSessionOfHalfDay(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// Half-days keep only the morning session.
	date := time.Date(2026, time.December, 24, 0, 0, 0, 0, cal.Zone(types.MarketHK))
	seedCalendar(t, cal, []types.TradingDay{{
		Market:    types.MarketHK,
		TradeDate: date,
		Sessions:  []types.SessionSpan{{BeginMinute: 9*60 + 30, EndMinute: 12 * 60}},
		IsHalfDay: true,
	}})

	morning := at(cal, types.MarketHK, 2026, time.December, 24, 10, 0)
	afternoon := at(cal, types.MarketHK, 2026, time.December, 24, 14, 0)
	if got := cal.SessionOf(types.MarketHK, morning); got != types.SessionRegular {
		t.Errorf("half-day morning = %s, want REGULAR", got)
	}
	if got := cal.SessionOf(types.MarketHK, afternoon); got != types.SessionClosed {
		t.Errorf("half-day afternoon = %s, want CLOSED", got)
	}
}

func TestIsOpenRoutesBySymbolSuffix(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// Monday 14:00 HKT: HK afternoon session open, US closed (02:00 ET).
	now := at(cal, types.MarketHK, 2026, time.August, 24, 14, 0)
	if !cal.IsOpen("0700.HK", now) {
		t.Error("0700.HK must be open Monday 14:00 HKT")
	}
	if cal.IsOpen("AAPL.US", now) {
		t.Error("AAPL.US must be closed at 02:00 ET")
	}
	if cal.IsOpen("BADSYMBOL", now) {
		t.Error("unparseable symbol must report closed")
	}
}

func TestNextOpenSkipsWeekend(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// Friday 2026-08-28 after the close: next open is Monday 09:30 HKT.
	now := at(cal, types.MarketHK, 2026, time.August, 28, 17, 0)
	got := cal.NextOpen(types.MarketHK, now)
	want := at(cal, types.MarketHK, 2026, time.August, 31, 9, 30)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
}

func TestNextOpenLaterSameDay(t *testing.T) {
	t.Parallel()
	cal := newTestCalendar(t, nil)

	// During the lunch break the next open is the afternoon session.
	now := at(cal, types.MarketHK, 2026, time.August, 24, 12, 15)
	got := cal.NextOpen(types.MarketHK, now)
	want := at(cal, types.MarketHK, 2026, time.August, 24, 13, 0)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}
}

// seedCalendar loads trading-day entries through the store path.
func seedCalendar(t *testing.T, cal *Calendar, days []types.TradingDay) {
	t.Helper()
	cal.absorb(days[0].Market, days)
}
