// Command trader runs the trading engine for one account.
//
// Exit codes: 0 clean shutdown, 1 startup or runtime failure, 2 broker
// authentication failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tradecore/internal/broker"
	"tradecore/internal/calendar"
	"tradecore/internal/config"
	"tradecore/internal/engine"
	"tradecore/internal/notify"
	sigqueue "tradecore/internal/queue"
	"tradecore/internal/quote"
	"tradecore/internal/rebalance"
	"tradecore/internal/reference"
	"tradecore/internal/risk"
	"tradecore/internal/rotation"
	"tradecore/internal/router"
	"tradecore/internal/storage"
	"tradecore/internal/strategy"
	"tradecore/pkg/types"
)

const (
	exitOK    = 0
	exitError = 1
	exitAuth  = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "configs/config.yaml", "path to the YAML config file")
		accountID     = flag.String("account", "", "account id (overrides config)")
		dryRun        = flag.Bool("dry-run", false, "use the paper broker, no live orders")
		notifyFlag    = flag.Bool("notify", false, "enable Slack notifications")
		strategies    = flag.String("strategy", "momentum,meanrev", "comma-separated strategy runners")
		watchlistPath = flag.String("watchlist", "", "watchlist file (overrides config; empty uses builtin)")
	)
	flag.Parse()

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitError
	}
	if *accountID != "" {
		cfg.AccountID = *accountID
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *notifyFlag {
		cfg.Notifications.Enabled = true
	}
	if *watchlistPath != "" {
		cfg.Watchlist.Source = "file"
		cfg.Watchlist.Path = *watchlistPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitError
	}

	logger := buildLogger(cfg.Logging)
	logger.Info("starting trader", "account", cfg.AccountID, "dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runEngine(ctx, cfg, *strategies, logger); err != nil {
		if errors.Is(err, broker.ErrAuth) {
			logger.Error("broker rejected credentials", "error", err)
			return exitAuth
		}
		if errors.Is(err, context.Canceled) {
			return exitOK
		}
		logger.Error("engine failed", "error", err)
		return exitError
	}
	return exitOK
}

func runEngine(ctx context.Context, cfg *config.Config, strategyList string, logger *slog.Logger) error {
	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	q := sigqueue.New(rdb, cfg.Queue.Key, cfg.Queue.MaxRetries, cfg.Queue.ZombieTimeout, logger)
	posTracker := sigqueue.NewPositionTracker(rdb)

	quoteClient := quote.NewClient(cfg.Quote.BaseURL, cfg.Quote.WSURL, cfg.Broker.Token, cfg.Quote.LookupTimeout, logger)
	gateway := quote.NewGateway(quoteClient, logger)
	snapshot := quote.NewSnapshot(quoteClient, 5*time.Second)

	cal, err := calendar.New(store, quoteClient, logger)
	if err != nil {
		return fmt.Errorf("calendar: %w", err)
	}
	lots := reference.NewLotResolver(store, quoteClient, logger)

	watch, err := buildWatchlist(cfg.Watchlist)
	if err != nil {
		return fmt.Errorf("watchlist: %w", err)
	}

	brk := buildBroker(ctx, cfg, snapshot, logger)

	// The live push feed only runs against a real vendor endpoint; dry-run
	// still serves quotes over REST.
	var feed engine.FeedRunner
	if !cfg.DryRun {
		feed = quoteClient
	}

	riskChecker := risk.NewChecker(cfg.Risk, store, logger)

	var notifier *notify.Slack
	if cfg.Notifications.Enabled {
		notifier = notify.NewSlack(cfg.Notifications.SlackWebhookURL, logger)
	}

	rebalancer := rebalance.New(cfg.Rebalance, store, snapshot, brk, q, cal, lots, logger)
	rotator := rotation.New(store, snapshot, brk, q, cal, lots, posTracker, logger)

	var routerNotifier router.Notifier
	if notifier != nil {
		routerNotifier = notifier
	}
	rtr := router.New(cfg.Router, cfg.Broker, q, riskChecker, brk, snapshot, store, cal, lots,
		watch, store, posTracker, rotator, routerNotifier, logger)

	runners, err := buildRunners(strategyList, store, snapshot, lots)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Deps{
		Config:     cfg,
		Logger:     logger,
		Store:      store,
		Queue:      q,
		Calendar:   cal,
		Provider:   quoteClient,
		Feed:       feed,
		Gateway:    gateway,
		Snapshot:   snapshot,
		Broker:     brk,
		Risk:       riskChecker,
		Rebalancer: rebalancer,
		Router:     rtr,
		Runners:    runners,
		Watchlist:  watch,
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}
	return eng.Run(ctx)
}

// buildBroker returns the live REST broker, or the paper broker marked by
// the quote snapshot in dry-run mode.
func buildBroker(ctx context.Context, cfg *config.Config, snapshot *quote.Snapshot, logger *slog.Logger) broker.Broker {
	if cfg.DryRun {
		paper := broker.NewPaper([]types.AccountBalance{
			{Currency: types.USD, Cash: decimal.NewFromInt(1_000_000), BuyPower: decimal.NewFromInt(1_000_000), NetAssets: decimal.NewFromInt(1_000_000)},
			{Currency: types.HKD, Cash: decimal.NewFromInt(5_000_000), BuyPower: decimal.NewFromInt(5_000_000), NetAssets: decimal.NewFromInt(5_000_000)},
		}, logger)
		paper.MarkPrice = func(symbol string) decimal.Decimal {
			if q, err := snapshot.GetRealtimeQuote(ctx, symbol); err == nil {
				return q.Last
			}
			return decimal.Zero
		}
		return paper
	}
	return broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.AppKey, cfg.Broker.AppSecret,
		cfg.Broker.Token, cfg.Broker.SubmitTimeout, logger)
}

func buildWatchlist(cfg config.WatchlistConfig) (*reference.Watchlist, error) {
	if cfg.Source == "file" {
		return reference.LoadWatchlist(cfg.Path)
	}
	return reference.BuiltinWatchlist(), nil
}

func buildRunners(list string, candles strategy.CandleSource, quotes strategy.QuoteSource, lots strategy.Lots) ([]strategy.Runner, error) {
	var runners []strategy.Runner
	for _, name := range strings.Split(list, ",") {
		switch strings.TrimSpace(name) {
		case "":
		case "momentum":
			runners = append(runners, strategy.NewMomentum(candles, quotes, lots))
		case "meanrev":
			runners = append(runners, strategy.NewMeanReversion(candles, quotes, lots))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	return runners, nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
