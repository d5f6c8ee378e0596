package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Modulend/core-v1/internal/server"
	"github.com/Modulend/core-v1/internal/server/handler"
	"github.com/Modulend/core-v1/internal/server/ws"
)

// ServerMode serves the HTTP API and the event stream.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode",
		slog.String("protocol", deps.Signer.Address().Hex()),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode periodically copies published Agreements to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode requires s3 configuration")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and, when configured, the archiver side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.String("protocol", deps.Signer.Address().Hex()),
		slog.Bool("archive", deps.Archiver != nil),
	)

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	}
	return g.Wait()
}

// startHTTPServer registers the API server, its WebSocket hub and a shutdown
// watcher on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Protocol:  deps.Signer.Address().Hex(),
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Signer.Address(), a.cfg.Mode, deps.Health, a.logger),
		Agreements: handler.NewAgreementHandler(deps.Agreements, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		MaxSkew:     a.cfg.Server.MaxSkew.Duration,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver runs one archive pass immediately and then every interval.
// A failed pass is logged and retried on the next tick.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	lookback := a.cfg.Archive.Lookback.Duration
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}

	g.Go(func() error {
		runOnce := func() {
			since := time.Now().UTC().Add(-lookback)
			n, err := deps.Archiver.ArchiveAgreements(ctx, since)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.logger.ErrorContext(ctx, "archive: pass failed",
					slog.Int64("archived", n),
					slog.String("error", err.Error()),
				)
				return
			}
			a.logger.InfoContext(ctx, "archive: pass complete",
				slog.Int64("archived", n),
				slog.Time("since", since),
			)
		}

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
}
