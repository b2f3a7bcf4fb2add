package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dantte-lp/gomesh/internal/provider"
	"github.com/dantte-lp/gomesh/internal/server"
	"github.com/dantte-lp/gomesh/internal/tunnel"
)

// runProvider bootstraps the shared interface and serves the provider API
// and metrics until SIGINT or SIGTERM.
func (d *app) runProvider() error {
	pc := d.cfg.Provider
	logger := d.logger

	prefix, err := netip.ParsePrefix(pc.AddressRange)
	if err != nil {
		return fmt.Errorf("parse address range: %w", err)
	}
	gateway, err := pc.GatewayAddr()
	if err != nil {
		return err
	}

	// The kernel backend does not run PostUp/PostDown, so it installs the
	// forwarding rules itself.
	dev, closeDev, err := newDevice(pc.Backend, pc.ConfigDir, pc.CommandTimeout, logger,
		tunnel.WithMasquerade(tunnel.Masquerade{Source: prefix.Masked(), OutInterface: pc.OutInterface}),
	)
	if err != nil {
		return err
	}
	defer closeDev()

	postUp, postDown := provider.DefaultFirewall(pc.OutInterface)
	opts := provider.Options{
		Interface:       pc.Interface,
		ConfigDir:       pc.ConfigDir,
		AddressRange:    prefix,
		Gateway:         gateway,
		ListenPort:      pc.ListenPort,
		AnnouncedDomain: pc.AnnouncedDomain,
		Endpoint:        pc.AnnouncedEndpoint(),
		Keepalive:       pc.Keepalive,
		PostUp:          postUp,
		PostDown:        postDown,
		Device:          dev,
		Logger:          logger,
		Metrics:         d.collector,
	}
	if pc.AuthAPIURL != "" {
		opts.Authorizer = provider.NewHTTPAuthorizer(pc.AuthAPIURL, pc.RequestTimeout)
		logger.Info("external authorization enabled", slog.String("auth_api_url", pc.AuthAPIURL))
	}

	cp, err := provider.New(opts)
	if err != nil {
		return fmt.Errorf("create control plane: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := cp.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap provider: %w", err)
	}

	apiSrv := server.New(pc.Addr, provider.NewHandler(cp, provider.HandlerOptions{
		RootURL: provider.RootURL(pc.Addr),
		Limiter: rate.NewLimiter(rate.Limit(pc.RegisterRate), pc.RegisterBurst),
		Logger:  logger,
	}))

	g, gCtx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("provider API listening",
			slog.String("addr", pc.Addr),
			slog.String("domain", pc.AnnouncedDomain),
		)
		return server.ListenAndServe(gCtx, &lc, apiSrv)
	})
	metricsSrv := d.startMetricsServer(gCtx, g, &lc)
	d.startDaemonGoroutines(gCtx, g, nil)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, nil, apiSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run provider: %w", err)
	}
	return nil
}

