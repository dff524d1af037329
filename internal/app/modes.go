package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/profitledger/internal/server"
)

// ServerMode serves the HTTP API and WebSocket feed and runs the
// confirmation and withdrawal loops. Trade results arrive over HTTP only.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	a.startLoops(ctx, g, deps, svc, false)
	return g.Wait()
}

// WorkerMode runs the background loops, including stream intake, without
// the HTTP API.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startLoops(ctx, g, deps, svc, true)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, svc)
	}
	a.startLoops(ctx, g, deps, svc, true)
	return g.Wait()
}

// startLoops adds the periodic tasks to g.
func (a *App) startLoops(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services, intake bool) {
	g.Go(func() error { return svc.confirmer.Run(ctx) })
	g.Go(func() error { return svc.monitor.Run(ctx) })
	g.Go(func() error { return svc.tracker.Run(ctx) })

	if deps.Notifier.Enabled() {
		g.Go(func() error { return deps.Notifier.Run(ctx) })
	}
	if intake && svc.ingestor != nil {
		g.Go(func() error { return svc.ingestor.Run(ctx) })
	}
}

// startHTTPServer adds the API server and WebSocket hub to g. The server is
// shut down gracefully when ctx is cancelled. It must run before startLoops:
// without a bus the hub is fed directly by the publisher.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	if deps.SignalBus == nil {
		svc.publisher.AddSink(svc.hub)
	}
	srvCfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}
	if deps.RateLimiter != nil && a.cfg.Server.RateLimit > 0 {
		srvCfg.Limiter = deps.RateLimiter
		srvCfg.RateLimit = a.cfg.Server.RateLimit
		srvCfg.RateWindow = a.cfg.Server.RateWindow.Duration
	}
	if srvCfg.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty; the API is unauthenticated")
	}

	srv := server.NewServer(srvCfg, svc.serverHandlers(deps, a.logger), svc.hub, a.logger)

	g.Go(func() error { return svc.hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	a.logger.InfoContext(ctx, "HTTP server configured",
		slog.Int("port", a.cfg.Server.Port),
		slog.Bool("certificates", svc.certificates != nil),
		slog.Bool("rate_limited", srvCfg.Limiter != nil),
	)
}
