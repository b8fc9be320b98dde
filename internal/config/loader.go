package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ST0CK_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ST0CK_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e.
// not empty). This lets operators inject secrets at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "ST0CK_BROKER_BASE_URL")
	setStr(&cfg.Broker.DataURL, "ST0CK_BROKER_DATA_URL")
	setStr(&cfg.Broker.StreamURL, "ST0CK_BROKER_STREAM_URL")
	setStr(&cfg.Broker.ApiKey, "ST0CK_BROKER_API_KEY")
	setStr(&cfg.Broker.ApiSecret, "ST0CK_BROKER_API_SECRET")
	setStr(&cfg.Broker.EncryptedKeyPath, "ST0CK_BROKER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Broker.KeyPassword, "ST0CK_BROKER_KEY_PASSWORD")

	// ── Database ──
	setStr(&cfg.Database.DSN, "ST0CK_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "ST0CK_DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "ST0CK_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ST0CK_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ST0CK_DATABASE_NAME")
	setStr(&cfg.Database.User, "ST0CK_DATABASE_USER")
	setStr(&cfg.Database.Password, "ST0CK_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ST0CK_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "ST0CK_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ST0CK_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ST0CK_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ST0CK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ST0CK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ST0CK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ST0CK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ST0CK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ST0CK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ST0CK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ST0CK_S3_REGION")
	setStr(&cfg.S3.Bucket, "ST0CK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ST0CK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ST0CK_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ST0CK_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ST0CK_S3_FORCE_PATH_STYLE")

	// ── Trading ──
	setStr(&cfg.Trading.Symbol, "ST0CK_TRADING_SYMBOL")
	setStr(&cfg.Trading.Strategy, "ST0CK_TRADING_STRATEGY")
	setStr(&cfg.Trading.WindowStart, "ST0CK_TRADING_WINDOW_START")
	setStr(&cfg.Trading.WindowEnd, "ST0CK_TRADING_WINDOW_END")
	setStr(&cfg.Trading.Timezone, "ST0CK_TRADING_TIMEZONE")
	setDuration(&cfg.Trading.CycleInterval, "ST0CK_TRADING_CYCLE_INTERVAL")
	setDuration(&cfg.Trading.QuoteTTL, "ST0CK_TRADING_QUOTE_TTL")
	setInt(&cfg.Trading.PriceWorkers, "ST0CK_TRADING_PRICE_WORKERS")

	// ── Risk ──
	setFloat64(&cfg.Risk.DailyLossLimitPct, "ST0CK_RISK_DAILY_LOSS_LIMIT_PCT")
	setInt(&cfg.Risk.ConsecutiveLossLimit, "ST0CK_RISK_CONSECUTIVE_LOSS_LIMIT")
	setInt(&cfg.Risk.MaxPositions, "ST0CK_RISK_MAX_POSITIONS")
	setInt(&cfg.Risk.MaxTradesPerDay, "ST0CK_RISK_MAX_TRADES_PER_DAY")
	setFloat64(&cfg.Risk.MaxPortfolioHeat, "ST0CK_RISK_MAX_PORTFOLIO_HEAT")
	setBool(&cfg.Risk.AllowOnDataError, "ST0CK_RISK_ALLOW_ON_DATA_ERROR")

	// ── Exits ──
	setFloat64(&cfg.Exits.StopLossR, "ST0CK_EXITS_STOP_LOSS_R")
	setFloat64(&cfg.Exits.Target1R, "ST0CK_EXITS_TARGET_1_R")
	setFloat64(&cfg.Exits.Target1SizePct, "ST0CK_EXITS_TARGET_1_SIZE_PCT")
	setFloat64(&cfg.Exits.Target2R, "ST0CK_EXITS_TARGET_2_R")
	setInt(&cfg.Exits.TimeStopMinutes, "ST0CK_EXITS_TIME_STOP_MINUTES")

	// ── Rate limits ──
	setInt(&cfg.RateLimits.WindowSeconds, "ST0CK_RATE_LIMITS_WINDOW_SECONDS")
	setInt(&cfg.RateLimits.Quotes, "ST0CK_RATE_LIMITS_QUOTES")
	setInt(&cfg.RateLimits.Orders, "ST0CK_RATE_LIMITS_ORDERS")
	setInt(&cfg.RateLimits.Account, "ST0CK_RATE_LIMITS_ACCOUNT")
	setInt(&cfg.RateLimits.Options, "ST0CK_RATE_LIMITS_OPTIONS")

	// ── Pools ──
	setInt(&cfg.Pools.DataSize, "ST0CK_POOLS_DATA_SIZE")
	setInt(&cfg.Pools.TradingSize, "ST0CK_POOLS_TRADING_SIZE")
	setDuration(&cfg.Pools.AcquireTimeout, "ST0CK_POOLS_ACQUIRE_TIMEOUT")
	setInt(&cfg.Pools.MaxRetries, "ST0CK_POOLS_MAX_RETRIES")

	// ── Batch ──
	setInt(&cfg.Batch.Size, "ST0CK_BATCH_SIZE")
	setDuration(&cfg.Batch.FlushInterval, "ST0CK_BATCH_FLUSH_INTERVAL")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "ST0CK_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "ST0CK_ARCHIVE_RETENTION_DAYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ST0CK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ST0CK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ST0CK_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ST0CK_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ST0CK_MODE")
	setStr(&cfg.LogLevel, "ST0CK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
