// Package config defines the top-level configuration for the trading engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ST0CK_* environment variables.
type Config struct {
	Broker     BrokerConfig    `toml:"broker"`
	Database   DatabaseConfig  `toml:"database"`
	Redis      RedisConfig     `toml:"redis"`
	S3         S3Config        `toml:"s3"`
	Trading    TradingConfig   `toml:"trading"`
	Risk       RiskConfig      `toml:"risk"`
	Exits      ExitConfig      `toml:"exits"`
	RateLimits RateLimitConfig `toml:"rate_limits"`
	Pools      PoolConfig      `toml:"pools"`
	Batch      BatchConfig     `toml:"batch"`
	Archive    ArchiveConfig   `toml:"archive"`
	Notify     NotifyConfig    `toml:"notify"`
	Mode       string          `toml:"mode"`
	LogLevel   string          `toml:"log_level"`
}

// BrokerConfig holds brokerage API endpoints and credentials.
type BrokerConfig struct {
	BaseURL          string `toml:"base_url"`
	DataURL          string `toml:"data_url"`
	StreamURL        string `toml:"stream_url"`
	ApiKey           string `toml:"api_key"`
	ApiSecret        string `toml:"api_secret"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the quote cache.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// TradingConfig holds session and execution loop parameters. The trading
// window times are wall-clock strings ("09:30") interpreted in Timezone.
type TradingConfig struct {
	Symbol        string   `toml:"symbol"`
	Strategy      string   `toml:"strategy"`
	WindowStart   string   `toml:"window_start"`
	WindowEnd     string   `toml:"window_end"`
	Timezone      string   `toml:"timezone"`
	CycleInterval duration `toml:"cycle_interval"`
	QuoteTTL      duration `toml:"quote_ttl"`
	PriceWorkers  int      `toml:"price_workers"`
}

// RiskConfig holds the circuit breaker limits.
type RiskConfig struct {
	DailyLossLimitPct    float64 `toml:"daily_loss_limit_pct"`
	ConsecutiveLossLimit int     `toml:"consecutive_loss_limit"`
	MaxPositions         int     `toml:"max_positions"`
	MaxTradesPerDay      int     `toml:"max_trades_per_day"`
	MaxPortfolioHeat     float64 `toml:"max_portfolio_heat"`
	AllowOnDataError     bool    `toml:"allow_on_data_error"`
}

// ExitConfig holds the bracket exit parameters expressed as R-multiples of
// the entry price.
type ExitConfig struct {
	StopLossR       float64 `toml:"stop_loss_r"`
	Target1R        float64 `toml:"target_1_r"`
	Target1SizePct  float64 `toml:"target_1_size_pct"`
	Target2R        float64 `toml:"target_2_r"`
	TimeStopMinutes int     `toml:"time_stop_minutes"`
}

// RateLimitConfig holds per-category sliding window request budgets.
type RateLimitConfig struct {
	WindowSeconds int `toml:"window_seconds"`
	Quotes        int `toml:"quotes"`
	Orders        int `toml:"orders"`
	Account       int `toml:"account"`
	Options       int `toml:"options"`
}

// PoolConfig holds client pool sizes and the blocking acquire timeout.
type PoolConfig struct {
	DataSize       int      `toml:"data_size"`
	TradingSize    int      `toml:"trading_size"`
	AcquireTimeout duration `toml:"acquire_timeout"`
	MaxRetries     int      `toml:"max_retries"`
}

// BatchConfig holds the batched persistence parameters.
type BatchConfig struct {
	Size          int      `toml:"size"`
	FlushInterval duration `toml:"flush_interval"`
}

// ArchiveConfig controls exporting old closed trades to object storage.
type ArchiveConfig struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "30m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "30m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production parameters.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:   "https://paper-api.alpaca.markets",
			DataURL:   "https://data.alpaca.markets",
			StreamURL: "wss://stream.data.alpaca.markets/v2/iex",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "st0ck",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "st0ck-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Trading: TradingConfig{
			Symbol:        "SPY",
			Strategy:      "opening_range_breakout",
			WindowStart:   "09:30",
			WindowEnd:     "11:00",
			Timezone:      "America/New_York",
			CycleInterval: duration{5 * time.Second},
			QuoteTTL:      duration{5 * time.Second},
			PriceWorkers:  4,
		},
		Risk: RiskConfig{
			DailyLossLimitPct:    0.40,
			ConsecutiveLossLimit: 3,
			MaxPositions:         1,
			MaxTradesPerDay:      5,
			MaxPortfolioHeat:     0.06,
			AllowOnDataError:     false,
		},
		Exits: ExitConfig{
			StopLossR:       -1.0,
			Target1R:        1.0,
			Target1SizePct:  0.75,
			Target2R:        2.0,
			TimeStopMinutes: 30,
		},
		RateLimits: RateLimitConfig{
			WindowSeconds: 60,
			Quotes:        200,
			Orders:        200,
			Account:       100,
			Options:       100,
		},
		Pools: PoolConfig{
			DataSize:       3,
			TradingSize:    2,
			AcquireTimeout: duration{5 * time.Second},
			MaxRetries:     3,
		},
		Batch: BatchConfig{
			Size:          10,
			FlushInterval: duration{5 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "position_closed", "breaker_tripped", "error"},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade": true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, paper)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker: live trading needs a credential source.
	if c.Mode == "trade" {
		if c.Broker.ApiKey == "" && c.Broker.EncryptedKeyPath == "" {
			errs = append(errs, "broker: either api_key or encrypted_key_path must be set for mode trade")
		}
		if c.Broker.EncryptedKeyPath != "" && c.Broker.KeyPassword == "" {
			errs = append(errs, "broker: key_password is required when encrypted_key_path is set")
		}
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url must not be empty")
		}
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only checked when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Trading
	if c.Trading.Symbol == "" {
		errs = append(errs, "trading: symbol must not be empty")
	}
	if _, err := parseClock(c.Trading.WindowStart); err != nil {
		errs = append(errs, fmt.Sprintf("trading: window_start %q: %v", c.Trading.WindowStart, err))
	}
	if _, err := parseClock(c.Trading.WindowEnd); err != nil {
		errs = append(errs, fmt.Sprintf("trading: window_end %q: %v", c.Trading.WindowEnd, err))
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("trading: timezone %q: %v", c.Trading.Timezone, err))
	}
	if c.Trading.CycleInterval.Duration <= 0 {
		errs = append(errs, "trading: cycle_interval must be > 0")
	}
	if c.Trading.QuoteTTL.Duration <= 0 {
		errs = append(errs, "trading: quote_ttl must be > 0")
	}
	if c.Trading.PriceWorkers < 1 {
		errs = append(errs, "trading: price_workers must be >= 1")
	}

	// Risk
	if c.Risk.DailyLossLimitPct <= 0 || c.Risk.DailyLossLimitPct > 1 {
		errs = append(errs, fmt.Sprintf("risk: daily_loss_limit_pct must be in (0,1], got %v", c.Risk.DailyLossLimitPct))
	}
	if c.Risk.ConsecutiveLossLimit < 1 {
		errs = append(errs, "risk: consecutive_loss_limit must be >= 1")
	}
	if c.Risk.MaxPositions < 1 {
		errs = append(errs, "risk: max_positions must be >= 1")
	}
	if c.Risk.MaxTradesPerDay < 1 {
		errs = append(errs, "risk: max_trades_per_day must be >= 1")
	}
	if c.Risk.MaxPortfolioHeat <= 0 || c.Risk.MaxPortfolioHeat > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_portfolio_heat must be in (0,1], got %v", c.Risk.MaxPortfolioHeat))
	}

	// Exits
	if c.Exits.StopLossR >= 0 {
		errs = append(errs, "exits: stop_loss_r must be negative")
	}
	if c.Exits.Target1R <= 0 {
		errs = append(errs, "exits: target_1_r must be > 0")
	}
	if c.Exits.Target1SizePct <= 0 || c.Exits.Target1SizePct >= 1 {
		errs = append(errs, fmt.Sprintf("exits: target_1_size_pct must be in (0,1), got %v", c.Exits.Target1SizePct))
	}
	if c.Exits.Target2R <= c.Exits.Target1R {
		errs = append(errs, "exits: target_2_r must exceed target_1_r")
	}
	if c.Exits.TimeStopMinutes < 0 {
		errs = append(errs, "exits: time_stop_minutes must be >= 0")
	}

	// Rate limits
	if c.RateLimits.WindowSeconds < 1 {
		errs = append(errs, "rate_limits: window_seconds must be >= 1")
	}
	for name, n := range map[string]int{
		"quotes":  c.RateLimits.Quotes,
		"orders":  c.RateLimits.Orders,
		"account": c.RateLimits.Account,
		"options": c.RateLimits.Options,
	} {
		if n < 1 {
			errs = append(errs, fmt.Sprintf("rate_limits: %s must be >= 1", name))
		}
	}

	// Pools
	if c.Pools.DataSize < 1 {
		errs = append(errs, "pools: data_size must be >= 1")
	}
	if c.Pools.TradingSize < 1 {
		errs = append(errs, "pools: trading_size must be >= 1")
	}
	if c.Pools.AcquireTimeout.Duration <= 0 {
		errs = append(errs, "pools: acquire_timeout must be > 0")
	}
	if c.Pools.MaxRetries < 1 {
		errs = append(errs, "pools: max_retries must be >= 1")
	}

	// Batch
	if c.Batch.Size < 1 {
		errs = append(errs, "batch: size must be >= 1")
	}
	if c.Batch.FlushInterval.Duration <= 0 {
		errs = append(errs, "batch: flush_interval must be > 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ClockTime is a wall-clock minute of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// Minutes returns the minute-of-day value.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

// parseClock parses "HH:MM".
func parseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("want HH:MM: %w", err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Window returns the parsed trading window bounds and location. Call only
// after Validate has succeeded.
func (t TradingConfig) Window() (start, end ClockTime, loc *time.Location, err error) {
	if start, err = parseClock(t.WindowStart); err != nil {
		return
	}
	if end, err = parseClock(t.WindowEnd); err != nil {
		return
	}
	loc, err = time.LoadLocation(t.Timezone)
	return
}
