// asyncipd is the async IP connection engine daemon: it opens the TCP/UDP
// server and client endpoints named in its configuration and keeps them
// alive until told to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/asyncip/engine/internal/config"
	"github.com/asyncip/engine/internal/engine"
	"github.com/asyncip/engine/internal/metrics"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("asyncipd starting",
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("listeners", len(cfg.Listeners)),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	eng := engine.New(logger, cfg.Engine.Legacy,
		engine.WithPollTimeout(cfg.Engine.PollTimeout),
		engine.WithWriteTick(cfg.Engine.WriteTick),
		engine.WithPumpJoinTimeout(cfg.Engine.PumpJoinTimeout),
		engine.WithMetrics(collector),
	)

	if err := runDaemon(cfg, eng, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("asyncipd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("asyncipd stopped")
	return 0
}

// runDaemon opens the configured listeners, starts the metrics HTTP server,
// and blocks until a termination signal arrives or a fatal error occurs.
func runDaemon(
	cfg *config.Config,
	eng *engine.Engine,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	ids, err := openListeners(cfg.Listeners, eng, logger)
	if err != nil {
		return fmt.Errorf("open listeners: %w", err)
	}
	defer closeListeners(ids, eng, logger)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// openListeners opens one engine endpoint per ListenerConfig entry — each
// Open call reports itself to the engine's configured MetricsRecorder. On
// any failure it closes what it already opened and returns the error.
func openListeners(
	listeners []config.ListenerConfig,
	eng *engine.Engine,
	logger *slog.Logger,
) ([]int64, error) {
	ids := make([]int64, 0, len(listeners))

	for _, lc := range listeners {
		typ, err := listenerOpenType(lc)
		if err != nil {
			closeListeners(ids, eng, logger)
			return nil, fmt.Errorf("listener %s: %w", lc.Name, err)
		}

		id, err := eng.Open(typ, lc.Host, lc.Port)
		if err != nil {
			closeListeners(ids, eng, logger)
			return nil, fmt.Errorf("open listener %s: %w", lc.Name, err)
		}

		if lc.MessageLength > 0 {
			eng.SetMessageLength(id, lc.MessageLength)
		}

		logger.Info("listener opened",
			slog.String("name", lc.Name),
			slog.String("transport", lc.Transport),
			slog.String("role", lc.Role),
			slog.String("addr", eng.GetAddress(id)),
		)

		ids = append(ids, id)
	}

	return ids, nil
}

func listenerOpenType(lc config.ListenerConfig) (engine.OpenType, error) {
	switch {
	case lc.Transport == "tcp" && lc.Role == "server":
		return engine.TCPServer, nil
	case lc.Transport == "tcp" && lc.Role == "client":
		return engine.TCPClient, nil
	case lc.Transport == "udp" && lc.Role == "server":
		return engine.UDPServer, nil
	case lc.Transport == "udp" && lc.Role == "client":
		return engine.UDPClient, nil
	default:
		return 0, fmt.Errorf("unsupported transport/role combination %s/%s", lc.Transport, lc.Role)
	}
}

// closeListeners closes every opened connection, logging but not
// propagating individual errors (Close on the engine never fails).
func closeListeners(ids []int64, eng *engine.Engine, logger *slog.Logger) {
	for _, id := range ids {
		logger.Debug("closing listener", slog.Int64("id", id))
		eng.Close(id)
	}
}

// -------------------------------------------------------------------------
// systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. Exits immediately if no watchdog is set.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; listener topology is fixed at startup
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			reloadLogLevel(configPath, logLevel, logger)
		}
	}
}

func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// HTTP + config + logger plumbing
// -------------------------------------------------------------------------

func listenAndServe(srv *http.Server, addr string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
