package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/configstore"
	"github.com/dantte-lp/gomesh/internal/handshake"
	"github.com/dantte-lp/gomesh/internal/requester"
)

// runRequester keeps the tunnels described by the requester file up until
// SIGINT or SIGTERM. A registration rejected during the initial
// reconciliation returns a *requester.FatalError.
func (d *app) runRequester() error {
	rc := d.cfg.Requester
	logger := d.logger

	dev, closeDev, err := newDevice(rc.Backend, rc.TunnelDir, rc.CommandTimeout, logger)
	if err != nil {
		return err
	}
	defer closeDev()

	store := configstore.New(rc.File, config.ValidateRequesterFile, configstore.WithLogger(logger))
	created, err := store.EnsureDefault(config.DefaultRequesterFile())
	if err != nil {
		return fmt.Errorf("create requester file: %w", err)
	}
	if created {
		logger.Info("wrote default requester file", slog.String("path", rc.File))
	}

	var rec *requester.Reconciler
	mon, err := handshake.New(handshake.Options{
		Prober:    dev,
		Interval:  rc.HandshakeInterval,
		Threshold: rc.HandshakeThreshold,
		OnStale: func(ctx context.Context, connection string) error {
			return rec.Restart(ctx, connection)
		},
		Logger:  logger,
		Metrics: d.collector,
	})
	if err != nil {
		return fmt.Errorf("create handshake monitor: %w", err)
	}
	defer mon.Close()

	opts := requester.Options{
		TunnelDir:    rc.TunnelDir,
		Device:       dev,
		Client:       requester.NewClient(nil, rc.RequestTimeout, logger),
		Watcher:      mon,
		PollInterval: rc.PollInterval,
		MaxRetries:   rc.MaxRetries,
		Logger:       logger,
		Metrics:      d.collector,
	}
	if rc.KeysDir != "" {
		opts.Keys = requester.NewKeyStore(rc.KeysDir)
	}
	if rc.MetadataDir != "" {
		opts.Metadata = requester.NewMetadataWriter(rc.MetadataDir)
	}
	if rc.PingGateway {
		opts.Pinger = requester.NewICMPPinger(rc.PingCount)
	}

	rec, err = requester.New(opts)
	if err != nil {
		return fmt.Errorf("create reconciler: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	file, err := store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("load requester file: %w", err)
	}
	defer store.Close()

	g, gCtx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	metricsSrv := d.startMetricsServer(gCtx, g, &lc)

	reload := make(chan struct{}, 1)
	d.startDaemonGoroutines(gCtx, g, func(context.Context) {
		select {
		case reload <- struct{}{}:
		default:
		}
	})

	g.Go(func() error {
		return runReconcileLoop(gCtx, rec, store, file, reload, logger)
	})
	g.Go(func() error {
		logHandshakeEvents(gCtx, mon, logger)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, rec.StopAll, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run requester: %w", err)
	}
	return nil
}

// runReconcileLoop applies the initial requester file, then every change
// reported by the store and every SIGHUP re-read. Only the initial pass can
// end the process; later failures are logged and retried on the next
// change.
func runReconcileLoop(
	ctx context.Context,
	rec *requester.Reconciler,
	store *configstore.Store[config.RequesterFile],
	initial config.RequesterFile,
	reload <-chan struct{},
	logger *slog.Logger,
) error {
	if err := reconcile(ctx, rec, initial, logger); err != nil {
		var fatal *requester.FatalError
		if errors.As(err, &fatal) {
			return err
		}
	}
	notifyReady(logger)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-store.Events():
			if !ok {
				return nil
			}
			if ev.Err != nil {
				logger.Error("requester file change rejected, keeping current connections",
					slog.String("error", ev.Err.Error()),
				)
				continue
			}
			_ = reconcile(ctx, rec, ev.Config, logger)

		case <-reload:
			file, err := store.Load()
			if err != nil {
				logger.Error("failed to re-read requester file",
					slog.String("error", err.Error()),
				)
				continue
			}
			_ = reconcile(ctx, rec, file, logger)
		}
	}
}

// reconcile runs one Update and logs its outcome.
func reconcile(ctx context.Context, rec *requester.Reconciler, file config.RequesterFile, logger *slog.Logger) error {
	started, stopped, err := rec.Update(ctx, file)
	if err != nil && ctx.Err() == nil {
		logger.Error("reconciliation had errors",
			slog.Int("started", started),
			slog.Int("stopped", stopped),
			slog.String("error", err.Error()),
		)
		return err
	}
	logger.Info("reconciliation complete",
		slog.Int("started", started),
		slog.Int("stopped", stopped),
		slog.Int("connections", len(rec.Connections())),
	)
	return err
}

// logHandshakeEvents drains the monitor's event channel.
func logHandshakeEvents(ctx context.Context, mon *handshake.Monitor, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mon.Events():
			if !ok {
				return
			}
			attrs := []any{
				slog.String("kind", ev.Kind.String()),
				slog.String("connection", ev.Connection),
				slog.String("interface", ev.Interface),
			}
			if ev.Err != nil {
				attrs = append(attrs, slog.String("error", ev.Err.Error()))
			}
			logger.Debug("handshake event", attrs...)
		}
	}
}
