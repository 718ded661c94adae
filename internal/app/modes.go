package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duelpool/duelpool/internal/notify"
	"github.com/duelpool/duelpool/internal/server"
	"github.com/duelpool/duelpool/internal/server/handler"
	"github.com/duelpool/duelpool/internal/server/ws"
)

// shutdownTimeout bounds how long graceful HTTP shutdown may take.
const shutdownTimeout = 10 * time.Second

// ServerMode runs the HTTP + WebSocket API and the notification listener.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps)
	a.startNotifyListener(ctx, g, deps)

	return g.Wait()
}

// ArchiveMode runs only the periodic cold-storage export loop.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}

	return g.Wait()
}

// FullMode runs every subsystem: the API, notifications, and the archiver
// when it is enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g, deps)
	a.startNotifyListener(ctx, g, deps)

	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	}

	return g.Wait()
}

// startAPI adds the HTTP server and WebSocket hub goroutines to the errgroup.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false, API disabled")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Pingers),
		Markets:  handler.NewMarketHandler(deps.Engine, deps.Queries, a.logger),
		Escrow:   handler.NewEscrowHandler(deps.Engine, deps.Queries, a.logger),
		Accounts: handler.NewAccountHandler(deps.Ledger, deps.Queries, a.logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, a.logger),
	}

	srv := server.New(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startNotifyListener bridges market events to operator notifications when at
// least one sender is configured.
func (a *App) startNotifyListener(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !deps.Notifier.Active() {
		return
	}
	listener := notify.NewListener(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		err := listener.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startArchiver runs the cold-storage export loop: settled markets and aged
// audit entries older than the retention window are exported every interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archiver requires s3 blob storage")
	}

	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	runOnce := func() {
		cutoff := time.Now().UTC().Add(-retention)

		markets, err := deps.Archiver.ArchiveSettledMarkets(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "market archive failed", slog.String("error", err.Error()))
		}
		audit, err := deps.Archiver.ArchiveAuditLog(ctx, cutoff)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
		}

		if markets > 0 || audit > 0 {
			a.logger.InfoContext(ctx, "archive cycle complete",
				slog.Int64("markets", markets),
				slog.Int64("audit_entries", audit),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	g.Go(func() error {
		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})

	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	return nil
}
