// Package calendar classifies wall-clock instants against exchange trading
// hours for the HK, US, CN, and SG markets.
//
// Session times are pure computation over a cached calendar table loaded
// from the relational store and refreshed from the quote provider. When the
// cache has no entry for a date, the calendar falls back to a weekday rule
// (Mon–Fri open with the market's default sessions), logs a warning, and
// requests an async refresh.
package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/pkg/types"
)

// Default session spans in minutes after local midnight.
//
//	HK: 09:30–12:00, 13:00–16:00 (half-days keep only the morning)
//	US: 09:30–16:00 regular; 04:00–09:30 pre; 16:00–20:00 post
//	CN: 09:30–11:30, 13:00–15:00
//	SG: 09:00–12:00, 13:00–17:00
var defaultSessions = map[types.Market][]types.SessionSpan{
	types.MarketHK: {{BeginMinute: 9*60 + 30, EndMinute: 12 * 60}, {BeginMinute: 13 * 60, EndMinute: 16 * 60}},
	types.MarketUS: {{BeginMinute: 9*60 + 30, EndMinute: 16 * 60}},
	types.MarketCN: {{BeginMinute: 9*60 + 30, EndMinute: 11*60 + 30}, {BeginMinute: 13 * 60, EndMinute: 15 * 60}},
	types.MarketSG: {{BeginMinute: 9 * 60, EndMinute: 12 * 60}, {BeginMinute: 13 * 60, EndMinute: 17 * 60}},
}

const (
	usPreMarketBegin  = 4 * 60  // 04:00 ET
	usPostMarketEnd   = 20 * 60 // 20:00 ET
)

var zoneNames = map[types.Market]string{
	types.MarketHK: "Asia/Hong_Kong",
	types.MarketUS: "America/New_York",
	types.MarketCN: "Asia/Shanghai",
	types.MarketSG: "Asia/Singapore",
}

// Store persists trading-calendar entries.
type Store interface {
	TradingDays(ctx context.Context, market types.Market, from, to time.Time) ([]types.TradingDay, error)
	SaveTradingDays(ctx context.Context, days []types.TradingDay) error
}

// Provider fetches trading-calendar entries from the quote vendor.
type Provider interface {
	TradingDays(ctx context.Context, market types.Market, from, to time.Time) ([]types.TradingDay, error)
}

// Calendar answers session questions for any supported market.
// Safe for concurrent use.
type Calendar struct {
	store    Store
	provider Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	days  map[types.Market]map[string]types.TradingDay // keyed by local date "2006-01-02"
	zones map[types.Market]*time.Location

	// refreshReq is drained by the engine's calendar job; a send is a hint
	// that the weekday fallback was used and the cache needs a refill.
	refreshReq chan types.Market
}

// New creates a calendar over the given store and provider.
func New(store Store, provider Provider, logger *slog.Logger) (*Calendar, error) {
	zones := make(map[types.Market]*time.Location, len(zoneNames))
	for m, name := range zoneNames {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load zone %s: %w", name, err)
		}
		zones[m] = loc
	}
	return &Calendar{
		store:      store,
		provider:   provider,
		logger:     logger.With("component", "calendar"),
		days:       make(map[types.Market]map[string]types.TradingDay),
		zones:      zones,
		refreshReq: make(chan types.Market, 8),
	}, nil
}

// Zone returns the time zone for a market.
func (c *Calendar) Zone(market types.Market) *time.Location {
	return c.zones[market]
}

// RefreshRequests exposes the fallback hint channel for the engine's
// calendar job.
func (c *Calendar) RefreshRequests() <-chan types.Market {
	return c.refreshReq
}

// MarketFor derives the market from a symbol suffix.
func (c *Calendar) MarketFor(symbol string) (types.Market, error) {
	return types.MarketForSymbol(symbol)
}

// SessionOf classifies now against the market's trading day.
func (c *Calendar) SessionOf(market types.Market, now time.Time) types.Session {
	loc, ok := c.zones[market]
	if !ok {
		return types.SessionClosed
	}
	local := now.In(loc)
	day, ok := c.lookupDay(market, local)
	if !ok {
		// Weekday fallback: Mon–Fri considered open with default sessions.
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return types.SessionClosed
		}
		c.requestRefresh(market)
		day = types.TradingDay{Market: market, Sessions: defaultSessions[market]}
	}
	if len(day.Sessions) == 0 {
		// Present in the calendar but not a trading day (holiday entry).
		return types.SessionClosed
	}

	minute := local.Hour()*60 + local.Minute()
	for _, s := range day.Sessions {
		if minute >= s.BeginMinute && minute < s.EndMinute {
			return types.SessionRegular
		}
	}
	if market == types.MarketUS {
		open := day.Sessions[0].BeginMinute
		close := day.Sessions[len(day.Sessions)-1].EndMinute
		if minute >= usPreMarketBegin && minute < open {
			return types.SessionPreMarket
		}
		if minute >= close && minute < usPostMarketEnd {
			return types.SessionPostMarket
		}
	}
	return types.SessionClosed
}

// IsOpen reports whether the symbol's market is in its regular session.
func (c *Calendar) IsOpen(symbol string, now time.Time) bool {
	market, err := types.MarketForSymbol(symbol)
	if err != nil {
		return false
	}
	return c.SessionOf(market, now) == types.SessionRegular
}

// NextOpen returns the next regular-session open at or after now.
// Scans up to 14 days ahead; beyond that it returns now+14d as a safe cap.
func (c *Calendar) NextOpen(market types.Market, now time.Time) time.Time {
	loc, ok := c.zones[market]
	if !ok {
		return now.Add(24 * time.Hour)
	}
	local := now.In(loc)
	for d := 0; d < 14; d++ {
		day := local.AddDate(0, 0, d)
		entry, ok := c.lookupDay(market, day)
		if !ok {
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			entry = types.TradingDay{Market: market, Sessions: defaultSessions[market]}
		}
		for _, s := range entry.Sessions {
			open := time.Date(day.Year(), day.Month(), day.Day(), s.BeginMinute/60, s.BeginMinute%60, 0, 0, loc)
			if open.After(now) {
				return open
			}
		}
	}
	return now.Add(14 * 24 * time.Hour)
}

// EnsureCalendar checks that cached entries cover horizonDays into the
// future for every market and refreshes missing spans from the provider,
// persisting what it fetched.
func (c *Calendar) EnsureCalendar(ctx context.Context, markets []types.Market, horizonDays int) error {
	for _, market := range markets {
		if err := c.ensureMarket(ctx, market, horizonDays); err != nil {
			return fmt.Errorf("ensure calendar %s: %w", market, err)
		}
	}
	return nil
}

func (c *Calendar) ensureMarket(ctx context.Context, market types.Market, horizonDays int) error {
	loc := c.zones[market]
	now := time.Now().In(loc)
	from := now.AddDate(0, 0, -1)
	to := now.AddDate(0, 0, horizonDays)

	// Load from the store first - the provider is only consulted when the
	// persisted table does not reach the horizon.
	stored, err := c.store.TradingDays(ctx, market, from, to)
	if err != nil {
		c.logger.Warn("calendar store read failed", "market", market, "error", err)
	}
	c.absorb(market, stored)

	if c.coverageUntil(market).After(to.AddDate(0, 0, -2)) {
		return nil
	}

	fetched, err := c.provider.TradingDays(ctx, market, from, to)
	if err != nil {
		return fmt.Errorf("fetch trading days: %w", err)
	}
	if err := c.store.SaveTradingDays(ctx, fetched); err != nil {
		c.logger.Warn("calendar store write failed", "market", market, "error", err)
	}
	c.absorb(market, fetched)
	c.logger.Info("calendar refreshed", "market", market, "days", len(fetched))
	return nil
}

func (c *Calendar) absorb(market types.Market, days []types.TradingDay) {
	if len(days) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byDate, ok := c.days[market]
	if !ok {
		byDate = make(map[string]types.TradingDay)
		c.days[market] = byDate
	}
	for _, d := range days {
		byDate[d.TradeDate.In(c.zones[market]).Format("2006-01-02")] = d
	}
}

func (c *Calendar) lookupDay(market types.Market, local time.Time) (types.TradingDay, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byDate, ok := c.days[market]
	if !ok {
		return types.TradingDay{}, false
	}
	day, ok := byDate[local.Format("2006-01-02")]
	return day, ok
}

func (c *Calendar) coverageUntil(market types.Market) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var max time.Time
	for _, d := range c.days[market] {
		if d.TradeDate.After(max) {
			max = d.TradeDate
		}
	}
	return max
}

func (c *Calendar) requestRefresh(market types.Market) {
	select {
	case c.refreshReq <- market:
		c.logger.Warn("calendar cache empty, using weekday fallback", "market", market)
	default:
		// refresh already pending
	}
}
