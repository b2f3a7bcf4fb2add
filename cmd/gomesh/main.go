// gomesh daemon -- self-provisioning WireGuard mesh (provider or requester).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gomesh/internal/config"
	meshmetrics "github.com/dantte-lp/gomesh/internal/metrics"
	"github.com/dantte-lp/gomesh/internal/requester"
	"github.com/dantte-lp/gomesh/internal/server"
	"github.com/dantte-lp/gomesh/internal/tunnel"
	appversion "github.com/dantte-lp/gomesh/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections and for tunnels to come down during shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 2 * time.Second

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 4 * 1024 * 1024 // 4 MiB

// app bundles what both roles share.
type app struct {
	cfg        *config.Config
	configPath string
	logLevel   *slog.LevelVar
	logger     *slog.Logger
	reg        *prometheus.Registry
	collector  *meshmetrics.Collector
}

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("gomesh"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gomesh starting",
		slog.String("version", appversion.Version),
		slog.String("role", cfg.Role),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)
	defer stopFlightRecorder(fr, logger)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	d := &app{
		cfg:        cfg,
		configPath: *configPath,
		logLevel:   logLevel,
		logger:     logger,
		reg:        reg,
		collector:  meshmetrics.NewCollector(reg),
	}

	// 5. Run the selected role.
	switch cfg.Role {
	case config.RoleRequester:
		err = d.runRequester()
	default:
		err = d.runProvider()
	}

	if err != nil {
		var fatal *requester.FatalError
		if errors.As(err, &fatal) {
			logger.Error("registration failed, exiting",
				slog.String("provider", fatal.Connection),
				slog.Int("exit_code", requester.ExitCodeFatal),
				slog.String("error", fatal.Err.Error()),
			)
			return requester.ExitCodeFatal
		}
		logger.Error("gomesh exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("gomesh stopped")
	return 0
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload
// goroutines. onReload runs after the log level was updated and may be nil.
func (d *app) startDaemonGoroutines(ctx context.Context, g *errgroup.Group, onReload func(context.Context)) {
	g.Go(func() error {
		return runWatchdog(ctx, d.logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(ctx, sigHUP, onReload)
		return nil
	})
}

// startMetricsServer registers the metrics listener goroutine.
func (d *app) startMetricsServer(ctx context.Context, g *errgroup.Group, lc *net.ListenConfig) *http.Server {
	srv := newMetricsServer(d.cfg.Metrics, d.reg)
	g.Go(func() error {
		d.logger.Info("metrics server listening",
			slog.String("addr", d.cfg.Metrics.Addr),
			slog.String("path", d.cfg.Metrics.Path),
		)
		return server.ListenAndServe(ctx, lc, srv)
	})
	return srv
}

// -------------------------------------------------------------------------
// Systemd Integration - sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends watchdog keepalives to systemd at half of WatchdogSec.
// Without a configured watchdog it returns immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
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
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload - log level + role hook
// -------------------------------------------------------------------------

// handleSIGHUP reloads the configuration on every SIGHUP until ctx is done.
func (d *app) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, onReload func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reloadConfig()
			if onReload != nil {
				onReload(ctx)
			}
		}
	}
}

// reloadConfig re-reads the daemon configuration and applies the log
// level. Other settings need a restart. A config that fails to load keeps
// the current settings.
func (d *app) reloadConfig() {
	newCfg, err := loadConfig(d.configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}
	if newCfg.Role != d.cfg.Role {
		d.logger.Warn("role change requires a restart, ignoring",
			slog.String("current", d.cfg.Role),
			slog.String("configured", newCfg.Role),
		)
	}

	oldLevel := d.logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	d.logLevel.Set(newLevel)

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, runs drain (which may be nil) and
// shuts the HTTP servers down.
//
// The parent context is already cancelled when this function is called.
// A fresh timeout context is created internally.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	drain func(context.Context),
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if drain != nil {
		drain(shutdownCtx)
	}

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder - runtime/trace
// -------------------------------------------------------------------------

// startFlightRecorder keeps a rolling window of execution traces for
// post-mortem debugging of stuck reconnects.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder",
			slog.String("error", err.Error()),
		)
		return nil
	}

	logger.Debug("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)
	return fr
}

func stopFlightRecorder(fr *trace.FlightRecorder, logger *slog.Logger) {
	if fr == nil {
		return
	}
	fr.Stop()
	logger.Debug("flight recorder stopped")
}

// -------------------------------------------------------------------------
// Setup helpers
// -------------------------------------------------------------------------

// newDevice builds the tunnel backend selected in the config. The returned
// close function is never nil.
func newDevice(
	backend, configDir string,
	commandTimeout time.Duration,
	logger *slog.Logger,
	kernelOpts ...tunnel.KernelOption,
) (tunnel.Device, func(), error) {
	if backend == config.BackendKernel {
		dev, err := tunnel.NewKernelDevice(configDir, logger, kernelOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create kernel device: %w", err)
		}
		return dev, func() {
			if err := dev.Close(); err != nil {
				logger.Warn("failed to close kernel device",
					slog.String("error", err.Error()),
				)
			}
		}, nil
	}

	dev := tunnel.NewCommandDevice(configDir, logger, tunnel.WithCommandTimeout(commandTimeout))
	return dev, func() {}, nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path. An empty path uses the
// defaults with environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
