// Package engine wires the subsystems together and runs the
// market-session scheduler.
//
// The engine owns the process lifecycle: it starts the push feed, the
// quote gateway, the router consumer, and the cron jobs (rebalancer,
// calendar refresh, account sync, strategy scans, day roll), then sleeps
// against the exchange calendar until shutdown.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"tradecore/internal/broker"
	"tradecore/internal/calendar"
	"tradecore/internal/config"
	"tradecore/internal/notify"
	sigqueue "tradecore/internal/queue"
	"tradecore/internal/quote"
	"tradecore/internal/rebalance"
	"tradecore/internal/reference"
	"tradecore/internal/regime"
	"tradecore/internal/risk"
	"tradecore/internal/router"
	"tradecore/internal/storage"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

const (
	calendarHorizonDays = 30
	accountSyncEvery    = 30 * time.Second
	scanEvery           = time.Minute
	schedulerMaxSleep   = time.Minute
	dailyCandleCount    = 100
	intradayCandleCount = 130
)

// FeedRunner is the optional streaming half of the quote provider. Nil in
// dry-run setups without a live feed.
type FeedRunner interface {
	RunFeed(ctx context.Context) error
	CloseFeed() error
}

// Deps carries everything the engine coordinates.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *storage.Store
	Queue      *sigqueue.Queue
	Calendar   *calendar.Calendar
	Provider   quote.Provider
	Feed       FeedRunner
	Gateway    *quote.Gateway
	Snapshot   *quote.Snapshot
	Broker     broker.Broker
	Risk       *risk.Checker
	Rebalancer *rebalance.Rebalancer
	Router     *router.Router
	Runners    []strategy.Runner
	Watchlist  *reference.Watchlist
	Notifier   *notify.Slack
}

// Engine is the top-level coordinator.
type Engine struct {
	Deps

	cron *cron.Cron
	wg   sync.WaitGroup

	mu            sync.Mutex
	dayOpenEquity decimal.Decimal
	currentDay    string
}

// New validates the dependency set and builds an engine.
func New(d Deps) (*Engine, error) {
	switch {
	case d.Config == nil, d.Logger == nil, d.Store == nil, d.Queue == nil,
		d.Calendar == nil, d.Provider == nil, d.Broker == nil, d.Risk == nil,
		d.Router == nil, d.Watchlist == nil:
		return nil, fmt.Errorf("engine: missing required dependency")
	}
	return &Engine{
		Deps: d,
		cron: cron.New(),
	}, nil
}

// Run starts everything and blocks until ctx is cancelled. Shutdown is
// graceful: cron stops first, then the workers drain.
func (e *Engine) Run(ctx context.Context) error {
	log := e.Logger.With("component", "engine")
	markets := e.Watchlist.Markets()

	if err := e.Calendar.EnsureCalendar(ctx, markets, calendarHorizonDays); err != nil {
		log.Warn("calendar prefetch incomplete, weekday fallback active", "error", err)
	}
	e.syncCandles(ctx)
	e.rollDay(ctx, time.Now())
	e.syncAccount(ctx)

	e.startWorkers(ctx)

	if err := e.registerJobs(ctx); err != nil {
		return err
	}
	e.cron.Start()
	defer e.cron.Stop()

	log.Info("engine running", "markets", fmt.Sprint(markets), "dry_run", e.Config.DryRun)
	e.scheduleLoop(ctx, markets)

	log.Info("shutting down")
	if e.Feed != nil {
		if err := e.Feed.CloseFeed(); err != nil {
			log.Warn("feed close failed", "error", err)
		}
	}
	e.wg.Wait()
	log.Info("engine stopped")
	return ctx.Err()
}

func (e *Engine) startWorkers(ctx context.Context) {
	log := e.Logger.With("component", "engine")

	if e.Gateway != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.Gateway.Run(ctx)
		}()
		if e.Snapshot != nil {
			events := e.Gateway.Subscribe()
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case evt := <-events:
						e.Snapshot.Absorb(evt)
					}
				}
			}()
		}
	}

	if e.Feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Feed.RunFeed(ctx); err != nil && ctx.Err() == nil {
				log.Error("push feed terminated", "error", err)
			}
		}()
	}

	if e.Gateway != nil {
		if err := e.Gateway.Watch(ctx, e.Watchlist.Symbols()); err != nil {
			log.Warn("watchlist subscribe failed", "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.Router.Run(ctx)
	}()

	// Session lookups on uncovered days request calendar refreshes.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case market := <-e.Calendar.RefreshRequests():
				if err := e.Calendar.EnsureCalendar(ctx, []types.Market{market}, calendarHorizonDays); err != nil {
					log.Warn("calendar refresh failed", "market", market, "error", err)
				}
			}
		}
	}()
}

func (e *Engine) registerJobs(ctx context.Context) error {
	jobs := []struct {
		spec string
		fn   func()
	}{
		{fmt.Sprintf("@every %s", accountSyncEvery), func() { e.syncAccount(ctx) }},
		{fmt.Sprintf("@every %s", e.Config.Rebalance.Interval), func() { e.runRebalance(ctx) }},
		{fmt.Sprintf("@every %s", scanEvery), func() { e.scanStrategies(ctx) }},
		{fmt.Sprintf("@every %s", time.Minute), func() { e.rollDay(ctx, time.Now()) }},
		{"0 3 * * *", func() {
			if err := e.Calendar.EnsureCalendar(ctx, e.Watchlist.Markets(), calendarHorizonDays); err != nil {
				e.Logger.Warn("daily calendar refresh failed", "error", err)
			}
			e.syncCandles(ctx)
		}},
	}
	for _, j := range jobs {
		if _, err := e.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("engine: register job %q: %w", j.spec, err)
		}
	}
	return nil
}

// scheduleLoop sleeps against the exchange calendar, waking at least once
// a minute, and logs session transitions until shutdown.
func (e *Engine) scheduleLoop(ctx context.Context, markets []types.Market) {
	log := e.Logger.With("component", "scheduler")
	lastState := ""
	for {
		now := time.Now()
		open := e.openMarkets(markets, now)

		state := fmt.Sprint(open)
		if state != lastState {
			if len(open) == 0 {
				next := e.nextOpenAcross(markets, now)
				log.Info("all markets closed", "next_open", next.Format(time.RFC3339))
			} else {
				log.Info("markets in regular session", "open", state)
			}
			lastState = state
		}

		sleep := schedulerMaxSleep
		if len(open) == 0 {
			if until := time.Until(e.nextOpenAcross(markets, now)); until > 0 && until < sleep {
				sleep = until
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (e *Engine) openMarkets(markets []types.Market, now time.Time) []types.Market {
	var open []types.Market
	for _, m := range markets {
		if e.Calendar.SessionOf(m, now) == types.SessionRegular {
			open = append(open, m)
		}
	}
	return open
}

func (e *Engine) nextOpenAcross(markets []types.Market, now time.Time) time.Time {
	var next time.Time
	for _, m := range markets {
		t := e.Calendar.NextOpen(m, now)
		if t.IsZero() {
			continue
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// scanStrategies runs the producers over symbols whose market is open.
func (e *Engine) scanStrategies(ctx context.Context) {
	if len(e.Runners) == 0 {
		return
	}
	now := time.Now()
	var symbols []string
	for _, m := range e.Watchlist.Markets() {
		if e.Calendar.SessionOf(m, now) == types.SessionRegular {
			symbols = append(symbols, e.Watchlist.ForMarket(m)...)
		}
	}
	if len(symbols) == 0 {
		return
	}
	strategy.Scan(ctx, e.Runners, symbols, e.Queue, e.Logger)
}

func (e *Engine) runRebalance(ctx context.Context) {
	if e.Rebalancer == nil {
		return
	}
	if _, err := e.Rebalancer.RunOnce(ctx, time.Now()); err != nil {
		e.Logger.Error("rebalance pass failed", "error", err)
	}
}

// syncAccount refreshes the risk checker's view of equity, exposure, and
// positions.
func (e *Engine) syncAccount(ctx context.Context) {
	log := e.Logger.With("component", "engine")

	balances, err := e.Broker.AccountBalance(ctx, "")
	if err != nil {
		log.Warn("balance sync failed", "error", err)
		return
	}
	positions, err := e.Broker.StockPositions(ctx)
	if err != nil {
		log.Warn("position sync failed", "error", err)
		return
	}

	equity := decimal.Zero
	for _, b := range balances {
		equity = equity.Add(b.NetAssets)
	}

	long := decimal.Zero
	short := decimal.Zero
	posMap := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		posMap[p.Symbol] = p
		value := p.AverageCost.Mul(decimal.NewFromInt(p.Quantity))
		if e.Snapshot != nil {
			if q, qerr := e.Snapshot.GetRealtimeQuote(ctx, p.Symbol); qerr == nil {
				value = p.MarketValue(q.Last)
			}
		}
		if p.Quantity >= 0 {
			long = long.Add(value)
		} else {
			short = short.Add(value.Abs())
		}
		if err := e.Store.UpsertPosition(ctx, p); err != nil {
			log.Warn("position persist failed", "symbol", p.Symbol, "error", err)
		}
	}

	e.mu.Lock()
	if e.dayOpenEquity.IsZero() {
		e.dayOpenEquity = equity
	}
	dayOpen := e.dayOpenEquity
	e.mu.Unlock()

	e.Risk.UpdateSnapshot(risk.Snapshot{
		Equity:        equity,
		LongExposure:  long,
		ShortExposure: short,
		DailyRealized: equity.Sub(dayOpen),
		Positions:     posMap,
		Taken:         time.Now(),
	})
}

// rollDay resets daily risk counters when the UTC date changes and
// re-bases the day-open equity.
func (e *Engine) rollDay(ctx context.Context, now time.Time) {
	day := now.UTC().Format("2006-01-02")

	e.mu.Lock()
	if day == e.currentDay {
		e.mu.Unlock()
		return
	}
	e.currentDay = day
	e.dayOpenEquity = decimal.Zero
	e.mu.Unlock()

	e.Risk.StartDay(now)
	e.Logger.Info("trading day rolled", "day", day)
	e.syncAccount(ctx)
}

// syncCandles backfills daily and intraday candles for the watchlist and
// the regime index proxies.
func (e *Engine) syncCandles(ctx context.Context) {
	log := e.Logger.With("component", "engine")

	symbols := e.Watchlist.Symbols()
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for _, m := range e.Watchlist.Markets() {
		if proxy := regime.IndexProxy(m); proxy != "" && !seen[proxy] {
			symbols = append(symbols, proxy)
		}
	}

	for _, symbol := range symbols {
		daily, err := e.Provider.GetCandlesticks(ctx, symbol, types.Period1d, dailyCandleCount, quote.AdjustForward)
		if err != nil {
			log.Warn("daily candle sync failed", "symbol", symbol, "error", err)
			continue
		}
		if err := e.Store.SaveCandles(ctx, daily); err != nil {
			log.Warn("daily candle persist failed", "symbol", symbol, "error", err)
		}
		intraday, err := e.Provider.GetCandlesticks(ctx, symbol, types.Period30m, intradayCandleCount, quote.AdjustNone)
		if err != nil {
			continue
		}
		if err := e.Store.SaveCandles(ctx, intraday); err != nil {
			log.Warn("intraday candle persist failed", "symbol", symbol, "error", err)
		}
	}
	log.Info("candle sync done", "symbols", len(symbols))
}
