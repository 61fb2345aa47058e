package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftauction/internal/auction"
	"github.com/alanyoungcy/nftauction/internal/domain"
	"github.com/alanyoungcy/nftauction/internal/market"
	"github.com/alanyoungcy/nftauction/internal/pipeline"
	"github.com/alanyoungcy/nftauction/internal/server"
	"github.com/alanyoungcy/nftauction/internal/server/handler"
	"github.com/alanyoungcy/nftauction/internal/server/ws"
	"github.com/alanyoungcy/nftauction/internal/service"
)

// ServeMode runs the HTTP API and the WebSocket hub.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode performs one archive run and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("archive mode: archiver not configured")
	}
	return a.newArchiver(deps).Run(ctx)
}

// FullMode runs serve mode plus the archiver on its cron schedule.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Server.Enabled {
		a.startServer(ctx, g, deps)
	}
	if deps.Archiver != nil {
		arch := a.newArchiver(deps)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.Archive.Cron)
		})
	} else {
		a.logger.WarnContext(ctx, "archive disabled in full mode")
	}

	return g.Wait()
}

func (a *App) newArchiver(deps *Dependencies) *pipeline.Archiver {
	return pipeline.NewArchiver(deps.Archiver, deps.LockManager, a.cfg.Archive.RetentionDays, a.clock, a.logger)
}

// newMarketplace builds the engine with every configured post-commit sink.
// hub receives events directly when there is no bus to carry them.
func (a *App) newMarketplace(deps *Dependencies, hub *ws.Hub) *market.Marketplace {
	var relays []domain.EventPublisher
	if deps.Relay != nil {
		relays = append(relays, deps.Relay)
	}
	if deps.SignalBus == nil && hub != nil {
		relays = append(relays, hub)
	}
	fanout := service.NewEventFanout(deps.SignalBus, deps.Notifier, a.logger, relays...)

	opts := []auction.Option{
		auction.WithClock(a.clock),
		auction.WithPublisher(fanout),
	}
	if deps.AuctionCache != nil {
		opts = append(opts, auction.WithCache(deps.AuctionCache))
	}
	if a.cfg.Operator.SignEvents {
		opts = append(opts, auction.WithSigner(deps.Signer))
	}

	engine := auction.NewEngine(deps.Ledger, deps.Signer.Address(), a.logger, opts...)
	return market.New(engine, deps.AuditStore, a.logger)
}

// startServer adds the HTTP server and the hub to g. The server is shut down
// gracefully when ctx is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.clock.Now().UTC(),
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	mp := a.newMarketplace(deps, hub)

	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Operator.APIKey,
		SignatureSkew: a.cfg.Server.SignatureSkew.Duration,
		RateLimit:     a.cfg.Server.RateLimit,
		RateWindow:    a.cfg.Server.RateWindow.Duration,
		Replay:        deps.ReplayGuard,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Auctions: handler.NewAuctionHandler(mp, a.logger),
		Listings: handler.NewListingHandler(mp, a.logger),
		Accounts: handler.NewAccountHandler(mp, a.logger),
		Audit:    auditHandler(deps, a.logger),
	}, hub, deps.RateLimiter, a.clock, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})

	if a.cfg.Operator.APIKey == "" {
		a.logger.WarnContext(ctx, "operator routes are unauthenticated (operator.api_key empty)")
	}
	a.logger.InfoContext(ctx, "serving",
		slog.Int("port", a.cfg.Server.Port),
		slog.String("escrow", deps.Signer.Address().Hex()),
	)
}

func auditHandler(deps *Dependencies, logger *slog.Logger) *handler.AuditHandler {
	if deps.AuditStore == nil {
		return nil
	}
	return handler.NewAuditHandler(deps.AuditStore, logger)
}
