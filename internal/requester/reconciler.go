// Package requester keeps the requester's tunnels in line with its
// declarative provider list: it registers with each provider, writes the
// local tunnel file, brings the interface up and tears it down again when
// the provider leaves the list.
package requester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/fsutil"
	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/tunnel"
	"github.com/dantte-lp/gomesh/internal/wgconf"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

var (
	// ErrNotActive indicates Restart on a connection that is not active.
	ErrNotActive = errors.New("connection not active")

	// ErrInterfaceConflict indicates two connection strings mapping to the
	// same tunnel interface.
	ErrInterfaceConflict = errors.New("connection shares a tunnel interface")

	// ErrInvalidOptions indicates a Reconciler built without a device or client.
	ErrInvalidOptions = errors.New("requester: device and client are required")
)

// ExitCodeFatal is the process status for unrecoverable registration
// failures during startup.
const ExitCodeFatal = 51

// FatalError is a registration failure after the provider became
// reachable. It is not retried.
type FatalError struct {
	Connection string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Connection, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// -------------------------------------------------------------------------
// State
// -------------------------------------------------------------------------

// State is the lifecycle state of one connection.
type State uint8

const (
	// StateStopped means the connection has no interface.
	StateStopped State = iota
	// StateStarting means the connection is waiting for or registering with
	// its provider.
	StateStarting
	// StateActive means the interface is up.
	StateActive
	// StateRestarting means the connection is being re-registered.
	StateRestarting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Reconcile actions reported to metrics.
const (
	actionStart       = "start"
	actionStartFailed = "start_failed"
	actionStop        = "stop"
	actionRestart     = "restart"
)

// -------------------------------------------------------------------------
// Types
// -------------------------------------------------------------------------

// Watcher is the handshake monitor as seen by the reconciler.
type Watcher interface {
	Watch(connection, iface string)
	Unwatch(connection string)
}

// MetricsReporter receives connection lifecycle metrics.
type MetricsReporter interface {
	RecordConnectionState(from, to string)
	IncReconcileAction(action string)
}

type noopMetrics struct{}

func (noopMetrics) RecordConnectionState(string, string) {}
func (noopMetrics) IncReconcileAction(string)            {}

// Options configures a Reconciler.
type Options struct {
	// TunnelDir receives the wg_<id>.conf files. Device must read from it.
	TunnelDir string
	Device    tunnel.Device
	Client    *Client
	// Keys persists key pairs per provider. Nil generates a fresh pair on
	// every start.
	Keys *KeyStore
	// Metadata writes routing metadata. May be nil.
	Metadata *MetadataWriter
	// Pinger probes the provider gateway after bring-up. May be nil.
	Pinger Pinger
	// Watcher is told about active connections. May be nil.
	Watcher Watcher

	PollInterval time.Duration
	MaxRetries   int

	Logger  *slog.Logger
	Metrics MetricsReporter
}

// ConnectionStatus is a snapshot of one connection. Credentials in the
// connection string are not included.
type ConnectionStatus struct {
	Provider  string
	Interface string
	State     State
	Domain    string
	Address   string
	ServerIP  string
}

// connection is one desired provider link. mu serializes every operation
// on it; cancel aborts the one in flight.
type connection struct {
	key   string
	entry config.ProviderEntry
	conn  config.Connection
	iface string
	path  string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	domain   string
	address  string
	serverIP string
}

// Reconciler drives the requester's set of connections.
type Reconciler struct {
	opts    Options
	logger  *slog.Logger
	metrics MetricsReporter

	// updateMu serializes Update calls end to end.
	updateMu sync.Mutex

	mu    sync.Mutex
	conns map[string]*connection
}

// New creates a Reconciler with no connections.
func New(opts Options) (*Reconciler, error) {
	if opts.Device == nil || opts.Client == nil {
		return nil, ErrInvalidOptions
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var mr MetricsReporter = noopMetrics{}
	if opts.Metrics != nil {
		mr = opts.Metrics
	}

	return &Reconciler{
		opts:    opts,
		logger:  logger.With(slog.String("component", "requester")),
		metrics: mr,
		conns:   make(map[string]*connection),
	}, nil
}

// -------------------------------------------------------------------------
// Reconciliation
// -------------------------------------------------------------------------

// Update moves the active set to the providers in file. Connections only
// in the active set are stopped, connections only in file are started and
// the rest are left alone, so calling Update twice with the same file is
// a no-op the second time. Starts run concurrently.
//
// A start failure leaves that connection stopped; the errors of all failed
// starts are joined. A *FatalError among them means a provider rejected
// the registration.
func (r *Reconciler) Update(ctx context.Context, file config.RequesterFile) (started, stopped int, err error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	if r.opts.Metadata != nil {
		if err := r.opts.Metadata.WriteServices(file.Services); err != nil {
			r.logger.Warn("service metadata not written", slog.String("error", err.Error()))
		}
	}

	desired := make(map[string]config.ProviderEntry, len(file.Providers))
	order := make([]string, 0, len(file.Providers))
	for _, p := range file.Providers {
		if _, dup := desired[p.Provider]; dup {
			continue
		}
		desired[p.Provider] = p
		order = append(order, p.Provider)
	}

	r.mu.Lock()
	var toStop []*connection
	for key, c := range r.conns {
		if _, keep := desired[key]; !keep {
			toStop = append(toStop, c)
		}
	}
	r.mu.Unlock()

	for _, c := range toStop {
		r.stop(ctx, c)
		stopped++
	}

	var toStart []*connection
	var errs []error
	for _, key := range order {
		c, err := r.add(desired[key])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c != nil {
			toStart = append(toStart, c)
		}
	}

	var (
		g       errgroup.Group
		countMu sync.Mutex
	)
	for _, c := range toStart {
		g.Go(func() error {
			err := r.start(ctx, c)
			countMu.Lock()
			defer countMu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			started++
			return nil
		})
	}
	_ = g.Wait()

	if started > 0 || stopped > 0 {
		r.logger.Info("connections reconciled",
			slog.Int("started", started),
			slog.Int("stopped", stopped),
			slog.Int("active", len(r.Connections())),
		)
	}
	return started, stopped, errors.Join(errs...)
}

// add registers entry in the connection map in StateStarting. It returns
// nil when the connection already exists.
func (r *Reconciler) add(entry config.ProviderEntry) (*connection, error) {
	conn := config.ParseConnection(entry.Provider)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[entry.Provider]; ok {
		return nil, nil
	}

	iface := InterfaceName(conn.URL)
	for _, other := range r.conns {
		if other.iface == iface {
			return nil, fmt.Errorf("%s and %s use %s: %w", conn.URL, other.conn.URL, iface, ErrInterfaceConflict)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		key:    entry.Provider,
		entry:  entry,
		conn:   conn,
		iface:  iface,
		path:   ConfigPath(r.opts.TunnelDir, conn.URL),
		ctx:    ctx,
		cancel: cancel,
		state:  StateStarting,
	}
	r.conns[c.key] = c
	r.metrics.RecordConnectionState("", StateStarting.String())
	return c, nil
}

// remove drops c from the map once it is stopped.
func (r *Reconciler) remove(c *connection, from State) {
	r.mu.Lock()
	if r.conns[c.key] == c {
		delete(r.conns, c.key)
	}
	r.mu.Unlock()

	c.cancel()
	r.metrics.RecordConnectionState(from.String(), "")
}

// setState must be called with c.mu held.
func (r *Reconciler) setState(c *connection, to State) {
	if c.state == to {
		return
	}
	r.metrics.RecordConnectionState(c.state.String(), to.String())
	c.state = to
}

// -------------------------------------------------------------------------
// Start / Stop / Restart
// -------------------------------------------------------------------------

func (r *Reconciler) start(ctx context.Context, c *connection) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := r.bringUp(ctx, c); err != nil {
		r.metrics.IncReconcileAction(actionStartFailed)
		r.logger.Error("connection start failed",
			slog.String("provider", c.conn.URL),
			slog.String("interface", c.iface),
			slog.String("error", err.Error()),
		)
		r.tearDown(context.WithoutCancel(ctx), c)
		r.setState(c, StateStopped)
		r.remove(c, StateStopped)
		return err
	}

	r.metrics.IncReconcileAction(actionStart)
	r.setState(c, StateActive)
	return nil
}

// stop cancels any operation in flight on c, then tears it down.
func (r *Reconciler) stop(ctx context.Context, c *connection) {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return
	}

	r.tearDown(context.WithoutCancel(ctx), c)
	r.metrics.IncReconcileAction(actionStop)
	r.setState(c, StateStopped)
	r.remove(c, StateStopped)

	r.logger.Info("connection stopped",
		slog.String("provider", c.conn.URL),
		slog.String("interface", c.iface),
	)
}

// Restart re-registers one active connection, named by its provider URL,
// and brings its interface up again. It is the handshake monitor's stale
// callback. On failure the connection is stopped and left for the next
// Update to start.
func (r *Reconciler) Restart(ctx context.Context, providerURL string) error {
	c, ok := r.lookup(providerURL)
	if !ok {
		return fmt.Errorf("%s: %w", providerURL, ErrNotActive)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return fmt.Errorf("%s is %s: %w", providerURL, c.state, ErrNotActive)
	}

	r.setState(c, StateRestarting)
	r.metrics.IncReconcileAction(actionRestart)
	r.logger.Info("restarting connection",
		slog.String("provider", c.conn.URL),
		slog.String("interface", c.iface),
	)

	if err := r.bringUp(ctx, c); err != nil {
		r.logger.Error("connection restart failed",
			slog.String("provider", c.conn.URL),
			slog.String("error", err.Error()),
		)
		r.tearDown(context.WithoutCancel(ctx), c)
		r.setState(c, StateStopped)
		r.remove(c, StateStopped)
		return err
	}

	r.setState(c, StateActive)
	return nil
}

// bringUp waits for the provider, registers, writes the local file and
// brings the interface up. Must be called with c.mu held.
func (r *Reconciler) bringUp(ctx context.Context, c *connection) error {
	logger := r.logger.With(slog.String("provider", c.conn.URL), slog.String("interface", c.iface))

	if err := r.opts.Client.WaitForProvider(ctx, c.conn.URL, r.opts.PollInterval, r.opts.MaxRetries); err != nil {
		return err
	}

	keys, err := r.keyPair(c.conn.URL)
	if err != nil {
		return err
	}

	resp, err := r.opts.Client.Register(ctx, c.conn.URL, meshproto.RegisterRequest{
		UserID:       c.conn.UserID,
		VPNPublicKey: keys.PublicKey,
		AuthToken:    c.conn.AuthToken,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &FatalError{Connection: c.conn.URL, Err: err}
	}

	local, err := localConfig(keys.PrivateKey, resp.WGConfig)
	if err != nil {
		return &FatalError{Connection: c.conn.URL, Err: err}
	}

	logger.Info("registered with provider",
		slog.String("domain", resp.Domain),
		slog.String("address", resp.WGConfig.WGInterface.Address[0]),
		slog.String("server_ip", resp.ServerIP),
	)

	if r.opts.Metadata != nil {
		if c.domain != "" && c.domain != resp.Domain {
			if err := r.opts.Metadata.RemoveDomain(c.domain); err != nil {
				logger.Warn("routing metadata not updated", slog.String("error", err.Error()))
			}
		}
		if err := r.opts.Metadata.AddDomain(resp.Domain, c.entry.DefaultService); err != nil {
			logger.Warn("routing metadata not updated", slog.String("error", err.Error()))
		}
	}
	c.domain = resp.Domain
	c.address = resp.WGConfig.WGInterface.Address[0]
	c.serverIP = resp.ServerIP

	if err := fsutil.WriteFile(c.path, []byte(local.Render()), keyFileMode); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}

	if err := r.opts.Device.Down(ctx, c.iface); err != nil && !errors.Is(err, tunnel.ErrNoSuchInterface) {
		logger.Warn("stale interface teardown failed", slog.String("error", err.Error()))
	}
	if err := r.opts.Device.Up(ctx, c.iface); err != nil {
		return fmt.Errorf("bring up %s: %w", c.iface, err)
	}

	r.probeGateway(ctx, logger, resp.ServerIP)

	if r.opts.Watcher != nil {
		r.opts.Watcher.Watch(c.conn.URL, c.iface)
	}

	logger.Info("connection active", slog.String("domain", c.domain))
	return nil
}

// tearDown removes the interface, its file and its routing entry. Missing
// pieces are not errors. Must be called with c.mu held.
func (r *Reconciler) tearDown(ctx context.Context, c *connection) {
	logger := r.logger.With(slog.String("provider", c.conn.URL), slog.String("interface", c.iface))

	if r.opts.Watcher != nil {
		r.opts.Watcher.Unwatch(c.conn.URL)
	}

	if err := r.opts.Device.Down(ctx, c.iface); err != nil && !errors.Is(err, tunnel.ErrNoSuchInterface) {
		logger.Warn("interface teardown failed", slog.String("error", err.Error()))
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("tunnel file not removed", slog.String("error", err.Error()))
	}
	if r.opts.Metadata != nil && c.domain != "" {
		if err := r.opts.Metadata.RemoveDomain(c.domain); err != nil {
			logger.Warn("routing metadata not updated", slog.String("error", err.Error()))
		}
	}
}

func (r *Reconciler) keyPair(providerURL string) (tunnel.KeyPair, error) {
	if r.opts.Keys == nil {
		return tunnel.GenerateKeyPair()
	}
	kp, created, err := r.opts.Keys.GetOrGenerate(providerURL)
	if err != nil {
		return tunnel.KeyPair{}, err
	}
	if created {
		r.logger.Info("generated key pair", slog.String("provider", providerURL))
	}
	return kp, nil
}

// probeGateway pings the provider's mesh address. The outcome is only
// logged.
func (r *Reconciler) probeGateway(ctx context.Context, logger *slog.Logger, serverIP string) {
	if r.opts.Pinger == nil || serverIP == "" {
		return
	}
	res, err := r.opts.Pinger.Ping(ctx, serverIP)
	if err != nil {
		logger.Warn("gateway unreachable over tunnel",
			slog.String("server_ip", serverIP),
			slog.String("error", err.Error()),
		)
		return
	}
	logger.Info("gateway reachable over tunnel",
		slog.String("server_ip", serverIP),
		slog.Int("received", res.Received),
		slog.Int("sent", res.Sent),
		slog.Duration("avg_rtt", res.AvgRTT),
	)
}

// -------------------------------------------------------------------------
// Queries and shutdown
// -------------------------------------------------------------------------

// Connections returns a snapshot of every tracked connection, sorted by
// provider URL.
func (r *Reconciler) Connections() []ConnectionStatus {
	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.status())
	}
	slices.SortFunc(out, func(a, b ConnectionStatus) int {
		return strings.Compare(a.Provider, b.Provider)
	})
	return out
}

// lookup finds a connection by provider URL. Interface names are unique
// across connections, so URLs are too.
func (r *Reconciler) lookup(providerURL string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conns {
		if c.conn.URL == providerURL {
			return c, true
		}
	}
	return nil, false
}

// StopAll stops every connection. Used on shutdown.
func (r *Reconciler) StopAll(ctx context.Context) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			r.stop(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

// status reads a snapshot without waiting for an operation in flight.
func (c *connection) status() ConnectionStatus {
	if !c.mu.TryLock() {
		return ConnectionStatus{Provider: c.conn.URL, Interface: c.iface, State: StateStarting}
	}
	defer c.mu.Unlock()
	return ConnectionStatus{
		Provider:  c.conn.URL,
		Interface: c.iface,
		State:     c.state,
		Domain:    c.domain,
		Address:   c.address,
		ServerIP:  c.serverIP,
	}
}

// opContext derives an operation context that also ends when the
// connection is stopped.
func (c *connection) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// localConfig builds the requester's wg-quick file from the provider's
// answer.
func localConfig(privateKey string, wc meshproto.WGConfig) (wgconf.Local, error) {
	local := wgconf.Local{PrivateKey: privateKey}

	for _, a := range wc.WGInterface.Address {
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return wgconf.Local{}, fmt.Errorf("%w: address %q: %w", ErrRegistrationRejected, a, err)
		}
		local.Addresses = append(local.Addresses, p)
	}

	for _, peer := range wc.Peers {
		if err := tunnel.ValidateKey(peer.PublicKey); err != nil {
			return wgconf.Local{}, fmt.Errorf("%w: peer key: %w", ErrRegistrationRejected, err)
		}
		rp := wgconf.RemotePeer{
			PublicKey:           peer.PublicKey,
			Endpoint:            peer.Endpoint,
			PersistentKeepalive: peer.PersistentKeepalive,
		}
		for _, a := range peer.AllowedIPs {
			p, err := netip.ParsePrefix(a)
			if err != nil {
				return wgconf.Local{}, fmt.Errorf("%w: allowed ip %q: %w", ErrRegistrationRejected, a, err)
			}
			rp.AllowedIPs = append(rp.AllowedIPs, p)
		}
		local.Peers = append(local.Peers, rp)
	}
	return local, nil
}
