package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"breakout-trader/internal/broker"
	"breakout-trader/internal/config"
	"breakout-trader/internal/feed"
	"breakout-trader/internal/lock"
	"breakout-trader/internal/metrics"
	"breakout-trader/internal/notify"
	"breakout-trader/internal/resilience"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the execution engine against the live bar feed",
		Long: `Acquire the market locks, load today's plan and trade it until interrupted.

The plan file is watched and re-applied on change. Health is served on
/healthz and /livez next to /metrics when metrics are enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.EqualFold(app.Config.Feed.Kind, "replay") {
				return runReplay(cmd, app, replayOptions{
					date:  app.Config.Feed.ReplayDate,
					plan:  app.Config.Paths.Plan,
					speed: app.Config.Feed.ReplaySpeed,
				})
			}
			return runLive(cmd, app)
		},
	}
}

func runLive(cmd *cobra.Command, app *App) error {
	output := NewOutput(cmd)
	cfg := app.Config
	logger := app.Logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(cfg, runtimeOptions{}, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	e := rt.engine
	if err := e.Start(ctx); err != nil {
		if lock.IsHeld(err) {
			output.Error("Another instance owns one of %v; refusing to start", e.Markets())
		}
		return err
	}
	defer func() {
		if err := e.Stop(); err != nil {
			logger.Error().Err(err).Msg("Engine stop reported errors")
		}
	}()

	if res, err := e.ReloadPlan(); err != nil {
		output.Warning("Plan not applied yet: %v", err)
	} else {
		output.Info("Plan %s for %s: %d created, %d kept", ShortHash(res.Hash), res.Date, len(res.Created), len(res.Kept))
	}

	barFeed, feedCheck := liveFeed(cfg, rt)

	notifier := notify.NewMultiNotifier(&cfg.Notifications)
	notifier.AddChannel(notify.NewTerminalChannel(os.Stderr, isTerminal(), true))

	monitor := resilience.NewHealthMonitor(healthConfig(cfg), e.Activity(), notifier, rt.events, rt.metrics, rt.times.Clock(), logger)
	monitor.RegisterComponent("orders", resilience.AdapterHealthCheck(rt.orders.Connected, rt.breaker))
	if feedCheck != nil {
		monitor.RegisterComponent("bar_feed", feedCheck)
	}
	if rt.db != nil {
		monitor.RegisterComponent("bar_store", resilience.DatabaseHealthCheck(rt.db.Ping))
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	var wg conc.WaitGroup
	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, rt.metrics, map[string]http.Handler{
			"/healthz": monitor.HealthHTTPHandler(),
			"/livez":   monitor.LivenessHTTPHandler(),
		}, logger)
		wg.Go(func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Metrics server stopped")
			}
		})
	}

	output.Success("Engine running for %s (date %s, owner %s)", strings.Join(e.Markets(), ","), e.Date(), rt.locks.OwnerID())
	runErr := e.Run(ctx, barFeed)
	stop()
	wg.Wait()

	if runErr != nil {
		_ = notifier.SendError(context.Background(), runErr, "bar feed")
		return runErr
	}
	output.Info("Shutting down")
	return nil
}

// liveFeed builds the websocket bar feed and its health check.
func liveFeed(cfg *config.Config, rt *runtime) (broker.BarFeed, resilience.HealthCheck) {
	ws := feed.NewWebSocketFeed(feed.WebSocketConfig{
		URL:              cfg.Feed.URL,
		Instruments:      rt.instruments(),
		ReconnectDelay:   cfg.Feed.ReconnectDelay,
		MaxReconnects:    cfg.Feed.MaxReconnects,
		HandshakeTimeout: cfg.Feed.HandshakeTimeout,
	}, rt.logger)
	last := func() time.Time {
		_, _, t := ws.Stats()
		return t
	}
	return ws, resilience.WebSocketHealthCheck(ws.Connected, last, rt.times.Now, cfg.Health.DataStall)
}

func healthConfig(cfg *config.Config) resilience.HealthMonitorConfig {
	hc := resilience.DefaultHealthMonitorConfig()
	if cfg.Health.CheckInterval > 0 {
		hc.CheckInterval = cfg.Health.CheckInterval
	}
	if cfg.Health.DataStall > 0 {
		hc.DataStall = cfg.Health.DataStall
	}
	if cfg.Health.EngineStall > 0 {
		hc.EngineStall = cfg.Health.EngineStall
	}
	if cfg.Health.PageMinInterval > 0 {
		hc.PageMinInterval = cfg.Health.PageMinInterval
	}
	return hc
}
