package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/forecastpool/internal/crypto"
	"github.com/alanyoungcy/forecastpool/internal/feed"
	"github.com/alanyoungcy/forecastpool/internal/keeper"
	"github.com/alanyoungcy/forecastpool/internal/server"
	"github.com/alanyoungcy/forecastpool/internal/server/handler"
	"github.com/alanyoungcy/forecastpool/internal/server/ws"
)

// ServerMode runs the HTTP API, the WebSocket hub and the price feeds.
// Rounds are started and resolved only through operator requests unless a
// keeper process shares the store.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startFeeds(ctx, g, deps); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the upkeep scheduler and the price feeds without serving
// HTTP. It expects shared Postgres and Redis so that its view matches the
// API servers'.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startFeeds(ctx, g, deps); err != nil {
		return err
	}
	if err := a.startKeeper(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startFeeds(ctx, g, deps); err != nil {
		return err
	}
	if err := a.startKeeper(ctx, g, deps); err != nil {
		return err
	}
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// startFeeds launches the configured price inputs. Pushed prices arrive via
// the HTTP server instead.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	fc := a.cfg.Feed

	if fc.AggregatorAddress != "" {
		client, err := ethclient.DialContext(ctx, fc.AggregatorRPCURL)
		if err != nil {
			return fmt.Errorf("app: dial aggregator rpc: %w", err)
		}
		a.closers = append(a.closers, client.Close)

		agg := feed.NewAggregator(client, common.HexToAddress(fc.AggregatorAddress), deps.Registry, a.logger)
		if decimals, err := agg.Decimals(ctx); err != nil {
			a.logger.WarnContext(ctx, "aggregator decimals unavailable", slog.String("error", err.Error()))
		} else {
			a.logger.InfoContext(ctx, "aggregator feed configured",
				slog.String("address", fc.AggregatorAddress),
				slog.Int("decimals", int(decimals)),
			)
		}
		g.Go(func() error {
			return agg.RunLoop(ctx, fc.PollInterval.Duration)
		})
	}

	if fc.StreamURL != "" {
		stream := feed.NewStream(fc.StreamURL, deps.Registry, a.logger)
		a.closers = append(a.closers, stream.Close)
		g.Go(func() error {
			return stream.Run(ctx)
		})
	}

	if fc.AggregatorAddress == "" && fc.StreamURL == "" && fc.HMACSecret == "" {
		a.logger.WarnContext(ctx, "no price feed configured; rounds cannot start or resolve")
	}
	return nil
}

// startKeeper schedules upkeep ticks and, when enabled, the round archive.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if !a.cfg.RunsKeeper() {
		a.logger.InfoContext(ctx, "keeper disabled")
		return nil
	}

	kc := a.cfg.Keeper
	k := keeper.New(keeper.Config{
		Identity:    deps.Trigger,
		AutoResolve: kc.AutoResolve,
		AutoStart:   kc.AutoStart,
		LockTTL:     kc.LockTTL.Duration,
	}, deps.Engine, deps.Clock, a.logger)
	if deps.LockManager != nil {
		k = k.WithLockManager(deps.LockManager)
	}
	if deps.Metrics != nil {
		k = k.WithMetrics(deps.Metrics)
	}

	sched := keeper.Schedule{Tick: kc.Schedule}
	if deps.Archiver != nil {
		k = k.WithArchiver(deps.Archiver)
		sched.Archive = a.cfg.Archive.Cron
		sched.Retention = time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	}

	g.Go(func() error {
		return k.Run(ctx, sched)
	})
	return nil
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sc := a.cfg.Server
	decimals := int32(a.cfg.Settlement.DisplayDecimals)
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: sc.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	feedAuth := &crypto.HMACAuth{
		Secret:  a.cfg.Feed.HMACSecret,
		MaxSkew: a.cfg.Feed.HMACMaxSkew.Duration,
	}
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, startedAt),
		Rounds:   handler.NewRoundHandler(deps.Engine, deps.Verifier, deps.Clock, decimals, a.logger),
		Operator: handler.NewOperatorHandler(deps.Engine, deps.Operator, deps.Clock, decimals, a.logger),
		Registry: handler.NewRegistryHandler(deps.Registry, feedAuth, deps.Clock, a.logger),
	}
	opts := server.Options{
		Hub:     hub,
		Limiter: deps.RateLimiter,
	}
	if deps.Metrics != nil {
		opts.Metrics = deps.Metrics.Handler()
		opts.Observer = deps.Metrics
	}

	srv := server.NewServer(server.Config{
		Port:        sc.Port,
		CORSOrigins: sc.CORSOrigins,
		APIKey:      sc.APIKey,
		RateLimit:   sc.RateLimit,
		RateWindow:  sc.RateWindow.Duration,
	}, handlers, opts, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", sc.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", sc.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
