// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via QT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	AccountID     string          `mapstructure:"account_id"`
	DryRun        bool            `mapstructure:"dry_run"`
	Database      DatabaseConfig  `mapstructure:"database"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Broker        BrokerConfig    `mapstructure:"broker"`
	Quote         QuoteConfig     `mapstructure:"quote"`
	Queue         QueueConfig     `mapstructure:"queue"`
	Router        RouterConfig    `mapstructure:"router"`
	Risk          RiskConfig      `mapstructure:"risk"`
	Rebalance     RebalanceConfig `mapstructure:"rebalance"`
	Watchlist     WatchlistConfig `mapstructure:"watchlist"`
	Notifications NotifyConfig    `mapstructure:"notifications"`
	Logging       LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig points at the relational store for K-lines, orders,
// fills, and positions.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig points at the key-value store backing the dispatch queue.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// BrokerConfig holds the trade API endpoint, credentials, and the two
// provider error codes that get adaptive retries instead of failure.
type BrokerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AppKey    string `mapstructure:"app_key"`
	AppSecret string `mapstructure:"app_secret"`
	Token     string `mapstructure:"token"`

	// Provider-specific; 602001/602035 are the LongPort-style defaults.
	LotSizeErrorCode    int `mapstructure:"lot_size_error_code"`
	StalePriceErrorCode int `mapstructure:"stale_price_error_code"`

	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

// QuoteConfig holds the market-data endpoints.
type QuoteConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	WSURL         string        `mapstructure:"ws_url"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

// QueueConfig tunes the signal dispatch queue.
//
//   - Key: base sorted-set key; ":processing" and ":failed" are derived.
//   - MaxRetries: republish budget before a signal lands in the failed set.
//   - ZombieTimeout: how long an item may sit in processing before it is
//     considered orphaned and republished.
type QueueConfig struct {
	Key           string        `mapstructure:"signal_queue_key"`
	MaxRetries    int           `mapstructure:"signal_max_retries"`
	ZombieTimeout time.Duration `mapstructure:"zombie_timeout"`
}

// RouterConfig tunes order execution.
type RouterConfig struct {
	ForceLimitOrders     bool `mapstructure:"force_limit_orders"`
	MaxUrgencyLevel      int  `mapstructure:"max_urgency_level"`
	AllowMarketOrders    bool `mapstructure:"allow_market_orders_during_market_hours"`
	AfterhoursMaxUrgency int  `mapstructure:"afterhours_max_urgency"`

	MarketPollDeadline time.Duration `mapstructure:"market_poll_deadline"`
	LimitPollDeadline  time.Duration `mapstructure:"limit_poll_deadline"`
	TWAPDuration       time.Duration `mapstructure:"twap_duration"`
	IcebergSlices      int           `mapstructure:"iceberg_slices"`
}

// RiskConfig sets hard pre-trade limits. Fractions are of account equity.
type RiskConfig struct {
	MaxPositionShares     int64   `mapstructure:"max_position_shares"`
	MaxPositionNotional   float64 `mapstructure:"max_position_notional"`
	MaxAllocationPct      float64 `mapstructure:"max_allocation_pct"`
	MaxDailyOrders        int     `mapstructure:"max_daily_orders"`
	MaxOrdersPerSymbolDay int     `mapstructure:"max_orders_per_symbol_per_day"`
	MaxDailyLossPct       float64 `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct        float64 `mapstructure:"max_drawdown_pct"`
	MaxLongExposurePct    float64 `mapstructure:"max_long_exposure_pct"`
	MaxShortExposurePct   float64 `mapstructure:"max_short_exposure_pct"`
	MaxSignalRiskPct      float64 `mapstructure:"max_signal_risk_pct"`
}

// RebalanceConfig tunes the regime rebalancer and capital rotation.
type RebalanceConfig struct {
	MarketHoursOnly          bool    `mapstructure:"rebalancer_market_hours_only"`
	EnableAfterhours         bool    `mapstructure:"enable_afterhours_rebalance"`
	AfterhoursMaxPositionPct float64 `mapstructure:"afterhours_max_position_pct"`

	ReservePctBull  float64 `mapstructure:"regime_reserve_pct_bull"`
	ReservePctRange float64 `mapstructure:"regime_reserve_pct_range"`
	ReservePctBear  float64 `mapstructure:"regime_reserve_pct_bear"`

	IntradayDeltaTrend float64 `mapstructure:"intraday_reserve_delta_trend"`
	IntradayDeltaRange float64 `mapstructure:"intraday_reserve_delta_range"`

	Interval time.Duration `mapstructure:"interval"`
}

// WatchlistConfig selects the built-in symbol set or a file.
type WatchlistConfig struct {
	Source string `mapstructure:"source"` // "builtin" or "file"
	Path   string `mapstructure:"path"`
}

// NotifyConfig controls the notification sink.
type NotifyConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: QT_BROKER_APP_KEY, QT_BROKER_APP_SECRET,
// QT_BROKER_TOKEN, QT_SLACK_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("QT_BROKER_APP_KEY"); key != "" {
		cfg.Broker.AppKey = key
	}
	if secret := os.Getenv("QT_BROKER_APP_SECRET"); secret != "" {
		cfg.Broker.AppSecret = secret
	}
	if tok := os.Getenv("QT_BROKER_TOKEN"); tok != "" {
		cfg.Broker.Token = tok
	}
	if url := os.Getenv("QT_SLACK_WEBHOOK_URL"); url != "" {
		cfg.Notifications.SlackWebhookURL = url
	}
	if os.Getenv("QT_DRY_RUN") == "true" || os.Getenv("QT_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.signal_queue_key", "trading:signals")
	v.SetDefault("queue.signal_max_retries", 3)
	v.SetDefault("queue.zombie_timeout", 5*time.Minute)

	v.SetDefault("broker.lot_size_error_code", 602001)
	v.SetDefault("broker.stale_price_error_code", 602035)
	v.SetDefault("broker.submit_timeout", 10*time.Second)
	v.SetDefault("quote.lookup_timeout", 2*time.Second)

	v.SetDefault("router.max_urgency_level", 10)
	v.SetDefault("router.afterhours_max_urgency", 5)
	v.SetDefault("router.market_poll_deadline", 10*time.Second)
	v.SetDefault("router.limit_poll_deadline", 60*time.Second)
	v.SetDefault("router.twap_duration", 30*time.Minute)
	v.SetDefault("router.iceberg_slices", 10)

	v.SetDefault("risk.max_allocation_pct", 0.20)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.max_drawdown_pct", 0.15)
	v.SetDefault("risk.max_long_exposure_pct", 1.00)
	v.SetDefault("risk.max_short_exposure_pct", 0.30)
	v.SetDefault("risk.max_signal_risk_pct", 0.02)
	v.SetDefault("risk.max_daily_orders", 100)
	v.SetDefault("risk.max_orders_per_symbol_per_day", 5)

	v.SetDefault("rebalance.regime_reserve_pct_bull", 0.15)
	v.SetDefault("rebalance.regime_reserve_pct_range", 0.30)
	v.SetDefault("rebalance.regime_reserve_pct_bear", 0.50)
	v.SetDefault("rebalance.intraday_reserve_delta_trend", -0.05)
	v.SetDefault("rebalance.intraday_reserve_delta_range", 0.05)
	v.SetDefault("rebalance.rebalancer_market_hours_only", true)
	v.SetDefault("rebalance.interval", 5*time.Minute)

	v.SetDefault("watchlist.source", "builtin")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if !c.DryRun {
		if c.Broker.AppKey == "" || c.Broker.AppSecret == "" || c.Broker.Token == "" {
			return fmt.Errorf("broker credentials are required (set QT_BROKER_APP_KEY / QT_BROKER_APP_SECRET / QT_BROKER_TOKEN)")
		}
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.signal_max_retries must be >= 0")
	}
	if c.Risk.MaxAllocationPct <= 0 || c.Risk.MaxAllocationPct > 1 {
		return fmt.Errorf("risk.max_allocation_pct must be in (0, 1]")
	}
	if c.Rebalance.ReservePctBull < 0 || c.Rebalance.ReservePctBull > 0.9 {
		return fmt.Errorf("rebalance.regime_reserve_pct_bull must be in [0, 0.9]")
	}
	if c.Rebalance.ReservePctRange < 0 || c.Rebalance.ReservePctRange > 0.9 {
		return fmt.Errorf("rebalance.regime_reserve_pct_range must be in [0, 0.9]")
	}
	if c.Rebalance.ReservePctBear < 0 || c.Rebalance.ReservePctBear > 0.9 {
		return fmt.Errorf("rebalance.regime_reserve_pct_bear must be in [0, 0.9]")
	}
	if c.Watchlist.Source == "file" && c.Watchlist.Path == "" {
		return fmt.Errorf("watchlist.path is required when watchlist.source is \"file\"")
	}
	if c.Router.AfterhoursMaxUrgency < 1 || c.Router.AfterhoursMaxUrgency > 10 {
		return fmt.Errorf("router.afterhours_max_urgency must be in [1, 10]")
	}
	return nil
}
