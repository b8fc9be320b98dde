package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aerichmo/st0ckgo/internal/broker"
	"github.com/aerichmo/st0ckgo/internal/domain"
	"github.com/aerichmo/st0ckgo/internal/notify"
)

// archiveInterval is how often the archiver sweeps for aged records.
const archiveInterval = 24 * time.Hour

// paperSyncInterval is how often paper-mode fills are re-marked to market.
const paperSyncInterval = time.Second

// TradeMode runs the engine against the live broker together with the quote
// stream, batched persistence, and the archiver.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runEngine(ctx, deps)
}

// PaperMode runs the same loop against the simulated broker. A price sync
// goroutine copies feed quotes into the paper broker so fills track the
// market.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runEngine(ctx, deps)
}

// runEngine starts all long-running goroutines and blocks until the first
// fatal error or context cancellation. Context cancellation is the normal
// way down and is not reported as a failure.
func (a *App) runEngine(ctx context.Context, deps *Dependencies) error {
	_ = deps.Notifier.Notify(ctx, notify.EventStartup, "engine starting",
		"mode "+a.cfg.Mode+" on "+a.cfg.Trading.Symbol)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Engine.Run(ctx)
	})
	g.Go(func() error {
		return deps.Batch.Run(ctx)
	})

	if deps.Stream != nil {
		g.Go(func() error {
			return deps.Stream.Run(ctx)
		})
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.RunEvery(ctx, archiveInterval)
		})
	}
	if deps.PaperBroker != nil {
		g.Go(func() error {
			return a.paperPriceSync(ctx, deps.Feed, deps.PaperBroker)
		})
	}

	err := g.Wait()

	_ = deps.Notifier.Notify(context.Background(), notify.EventShutdown, "engine stopped",
		"mode "+a.cfg.Mode)
	return err
}

// paperPriceSync copies the latest feed quote for the traded symbol into the
// paper broker so simulated fills happen at market prices.
func (a *App) paperPriceSync(ctx context.Context, f domain.MarketDataFeed, pb *broker.PaperBroker) error {
	ticker := time.NewTicker(paperSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q, err := f.GetQuote(ctx, a.cfg.Trading.Symbol)
			if err != nil {
				continue
			}
			pb.SetPrice(q.Symbol, q.Price)
		}
	}
}
