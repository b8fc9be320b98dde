package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aerichmo/st0ckgo/internal/archive"
	"github.com/aerichmo/st0ckgo/internal/batch"
	s3blob "github.com/aerichmo/st0ckgo/internal/blob/s3"
	"github.com/aerichmo/st0ckgo/internal/broker"
	"github.com/aerichmo/st0ckgo/internal/cache/redis"
	"github.com/aerichmo/st0ckgo/internal/config"
	"github.com/aerichmo/st0ckgo/internal/crypto"
	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/engine"
	"github.com/aerichmo/st0ckgo/internal/feed"
	"github.com/aerichmo/st0ckgo/internal/notify"
	"github.com/aerichmo/st0ckgo/internal/oco"
	"github.com/aerichmo/st0ckgo/internal/pool"
	"github.com/aerichmo/st0ckgo/internal/ratelimit"
	"github.com/aerichmo/st0ckgo/internal/risk"
	"github.com/aerichmo/st0ckgo/internal/store/postgres"
	"github.com/aerichmo/st0ckgo/internal/strategy"
	"github.com/aerichmo/st0ckgo/internal/transport"
)

// defaultPaperEquity seeds the simulated account in paper mode.
const defaultPaperEquity = 10_000

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Engine   *engine.Engine
	Batch    *batch.Writer
	Stream   *feed.QuoteStream // nil when no stream is configured
	Archiver *archive.Archiver // nil unless archiving is enabled
	Notifier *notify.Notifier

	// PaperBroker is non-nil in paper mode; the paper price sync feeds it
	// quotes so simulated fills track the market.
	PaperBroker *broker.PaperBroker
	Feed        domain.MarketDataFeed
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// --- Broker clients ---
	var trading, data domain.Broker
	paperMode := strings.ToLower(cfg.Mode) == "paper"

	creds, err := crypto.LoadCredentials(crypto.CredentialConfig{
		APIKey:        cfg.Broker.ApiKey,
		APISecret:     cfg.Broker.ApiSecret,
		EncryptedPath: cfg.Broker.EncryptedKeyPath,
		Password:      cfg.Broker.KeyPassword,
	})
	switch {
	case err == nil:
		data = broker.NewAlpacaClient(cfg.Broker.BaseURL, cfg.Broker.DataURL, creds.APIKey, creds.APISecret)
		trading = data
	case paperMode:
		// Paper mode works without venue credentials; fills and quotes
		// come from the simulated broker.
		data = nil
	default:
		return fail(fmt.Errorf("wire: broker credentials: %w", err))
	}

	if paperMode {
		deps.PaperBroker = broker.NewPaperBroker(defaultPaperEquity, logger)
		trading = deps.PaperBroker
		if data == nil {
			data = deps.PaperBroker
		}
	}

	// --- Rate limiter ---
	window := time.Duration(cfg.RateLimits.WindowSeconds) * time.Second
	limiter := ratelimit.New(ratelimit.Limit{MaxRequests: cfg.RateLimits.Quotes, Window: window})
	limiter.SetLimit("quotes", ratelimit.Limit{MaxRequests: cfg.RateLimits.Quotes, Window: window})
	limiter.SetLimit("orders", ratelimit.Limit{MaxRequests: cfg.RateLimits.Orders, Window: window})
	limiter.SetLimit("account", ratelimit.Limit{MaxRequests: cfg.RateLimits.Account, Window: window})
	limiter.SetLimit("options", ratelimit.Limit{MaxRequests: cfg.RateLimits.Options, Window: window})

	// --- Client pools and executors ---
	tradingPool, err := pool.New(func() (domain.Broker, error) { return trading, nil }, cfg.Pools.TradingSize)
	if err != nil {
		return fail(fmt.Errorf("wire: trading pool: %w", err))
	}
	closers = append(closers, tradingPool.Close)

	dataPool, err := pool.New(func() (domain.Broker, error) { return data, nil }, cfg.Pools.DataSize)
	if err != nil {
		return fail(fmt.Errorf("wire: data pool: %w", err))
	}
	closers = append(closers, dataPool.Close)

	tradingExec := transport.NewExecutor(limiter, tradingPool, logger)
	tradingExec.SetAcquireTimeout(cfg.Pools.AcquireTimeout.Duration)
	dataExec := transport.NewExecutor(limiter, dataPool, logger)
	dataExec.SetAcquireTimeout(cfg.Pools.AcquireTimeout.Duration)

	// --- Redis quote cache and market data feed ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	quoteCache := redis.NewQuoteCache(redisClient, cfg.Trading.QuoteTTL.Duration)
	deps.Feed = feed.NewCachedFeed(quoteCache, dataExec, cfg.Trading.QuoteTTL.Duration, cfg.Pools.MaxRetries, logger)

	if creds.APIKey != "" && cfg.Broker.StreamURL != "" {
		deps.Stream = feed.NewQuoteStream(
			cfg.Broker.StreamURL, creds.APIKey, creds.APISecret,
			[]string{cfg.Trading.Symbol}, quoteCache, logger,
		)
	}

	// --- PostgreSQL stores and batched persistence ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pgPool := pgClient.Pool()
	tradeStore := postgres.NewTradeStore(pgPool)
	execStore := postgres.NewExecutionLogStore(pgPool)
	metricStore := postgres.NewRiskMetricStore(pgPool)

	deps.Batch = batch.NewWriter(
		tradeStore, execStore, metricStore,
		cfg.Batch.Size, cfg.Batch.FlushInterval.Duration, logger,
	)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Archiver ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = archive.New(
			s3blob.NewWriter(s3Client),
			tradeStore, execStore, metricStore,
			cfg.Archive.RetentionDays, logger,
		)
	}

	// --- Risk gate, brackets, strategy, engine ---
	gate := risk.NewGate(risk.Limits{
		DailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
		ConsecutiveLossLimit: cfg.Risk.ConsecutiveLossLimit,
		MaxPositions:         cfg.Risk.MaxPositions,
		MaxTradesPerDay:      cfg.Risk.MaxTradesPerDay,
		MaxPortfolioHeat:     cfg.Risk.MaxPortfolioHeat,
	}, 0, logger)

	brackets := oco.NewManager(oco.ExitParams{
		StopLossR:       cfg.Exits.StopLossR,
		Target1R:        cfg.Exits.Target1R,
		Target1SizePct:  cfg.Exits.Target1SizePct,
		Target2R:        cfg.Exits.Target2R,
		TimeStopMinutes: cfg.Exits.TimeStopMinutes,
	}, logger)

	start, end, loc, err := cfg.Trading.Window()
	if err != nil {
		return fail(fmt.Errorf("wire: trading window: %w", err))
	}

	if cfg.Trading.Strategy != "" && cfg.Trading.Strategy != strategy.SignalKindORB {
		return fail(fmt.Errorf("wire: unknown strategy %q", cfg.Trading.Strategy))
	}
	strat := strategy.NewORB(strategy.ORBConfig{
		Symbol:     cfg.Trading.Symbol,
		Location:   loc,
		OpenHour:   start.Hour,
		OpenMinute: start.Minute,
	}, logger)

	deps.Engine = engine.New(
		engine.Options{
			Symbol:           cfg.Trading.Symbol,
			CycleInterval:    cfg.Trading.CycleInterval.Duration,
			PriceWorkers:     cfg.Trading.PriceWorkers,
			WindowStart:      start.Minutes(),
			WindowEnd:        end.Minutes(),
			Location:         loc,
			MaxRetries:       cfg.Pools.MaxRetries,
			AllowOnDataError: cfg.Risk.AllowOnDataError,
		},
		tradingExec, deps.Feed, strat, brackets, gate, deps.Batch, deps.Notifier, logger,
	)

	return deps, cleanup, nil
}
