// Package provider implements the provider side of the mesh: interface
// bootstrap, peer registration and subdomain resolution, plus the HTTP
// API that exposes them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/fsutil"
	"github.com/dantte-lp/gomesh/internal/ipam"
	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/peerstore"
	"github.com/dantte-lp/gomesh/internal/tunnel"
	"github.com/dantte-lp/gomesh/internal/wgconf"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for control plane operations.
var (
	// ErrInvalidAuthorization indicates the authorization API rejected the
	// caller or returned an incomplete identity.
	ErrInvalidAuthorization = errors.New("invalid authorization")

	// ErrInvalidRequest indicates a registration without a usable public key.
	ErrInvalidRequest = errors.New("invalid registration request")

	// ErrInvalidDomain indicates a host outside the announced domain.
	ErrInvalidDomain = errors.New("invalid domain")

	// ErrNameNotFound indicates no peer is registered under the label.
	ErrNameNotFound = errors.New("name not found")

	// ErrNotBootstrapped indicates use of the control plane before Bootstrap.
	ErrNotBootstrapped = errors.New("control plane not bootstrapped")
)

// Key file names inside the config directory.
const (
	privateKeyFile = "privatekey"
	publicKeyFile  = "publickey"
	keyFileMode    = 0o600
)

// Registration results reported to metrics.
const (
	resultOK           = "ok"
	resultUnauthorized = "unauthorized"
	resultInvalid      = "invalid"
	resultError        = "error"
)

// -------------------------------------------------------------------------
// Types
// -------------------------------------------------------------------------

// MetricsReporter receives provider metrics.
type MetricsReporter interface {
	peerstore.MetricsReporter
	IncRegistrations(result string)
}

type noopMetrics struct{}

func (noopMetrics) SetPeers(int)            {}
func (noopMetrics) SetPoolUsage(int, int)   {}
func (noopMetrics) IncRegistrations(string) {}

// Options configures a ControlPlane.
type Options struct {
	// Interface is the shared WireGuard interface, e.g. "wg0".
	Interface string
	// ConfigDir holds <Interface>.conf and the key files.
	ConfigDir string
	// AddressRange is the IPv4 pool handed out to peers.
	AddressRange netip.Prefix
	// Gateway is the provider's own mesh address.
	Gateway netip.Addr
	// ListenPort is the WireGuard UDP port.
	ListenPort int
	// AnnouncedDomain is the public domain peers are exposed under.
	AnnouncedDomain string
	// Endpoint is the host:port announced to peers.
	Endpoint string
	// Keepalive is the persistent keepalive announced to peers.
	Keepalive time.Duration
	// PostUp and PostDown are written into a newly created interface file.
	PostUp   []string
	PostDown []string

	Device     tunnel.Device
	Authorizer Authorizer
	Logger     *slog.Logger
	Metrics    MetricsReporter
}

// Resolution is the outcome of resolving a host under the announced domain.
type Resolution struct {
	// Root is set when the host is the announced domain itself and should
	// be routed to the control plane.
	Root bool
	// Name is the label that was looked up.
	Name string
	// Address is the peer's mesh address when Root is false.
	Address netip.Addr
}

// ControlPlane owns the provider interface and its peer table.
type ControlPlane struct {
	opts    Options
	domain  string
	logger  *slog.Logger
	metrics MetricsReporter

	mu        sync.RWMutex
	store     *peerstore.Store
	publicKey string
}

// New creates a ControlPlane. Nothing touches disk or the interface until
// Bootstrap.
func New(opts Options) (*ControlPlane, error) {
	if !opts.AddressRange.IsValid() || !opts.AddressRange.Addr().Is4() {
		return nil, fmt.Errorf("address range %s: %w", opts.AddressRange, ipam.ErrInvalidRange)
	}
	if opts.Device == nil {
		return nil, errors.New("provider: device is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var mr MetricsReporter = noopMetrics{}
	if opts.Metrics != nil {
		mr = opts.Metrics
	}
	if opts.Authorizer == nil {
		opts.Authorizer = OpenAuthorizer{ServerDomain: opts.AnnouncedDomain}
	}
	opts.Logger = logger
	opts.Metrics = mr

	return &ControlPlane{
		opts:    opts,
		domain:  normalizeHost(opts.AnnouncedDomain),
		logger:  logger.With(slog.String("component", "provider")),
		metrics: mr,
	}, nil
}

// ConfigPath returns the interface config file path.
func (cp *ControlPlane) ConfigPath() string {
	return filepath.Join(cp.opts.ConfigDir, cp.opts.Interface+".conf")
}

// PublicKey returns the interface public key once bootstrapped.
func (cp *ControlPlane) PublicKey() string {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.publicKey
}

// Peers returns the registered peers, or nil before Bootstrap.
func (cp *ControlPlane) Peers() []peerstore.Peer {
	store, err := cp.peerStore()
	if err != nil {
		return nil
	}
	return store.Peers()
}

// -------------------------------------------------------------------------
// Bootstrap
// -------------------------------------------------------------------------

// Bootstrap prepares the provider for serving: it ensures the key pair
// and the base interface file exist, imports the persisted peers and
// brings the interface up from the pruned file. Existing key and interface files are reused as-is.
func (cp *ControlPlane) Bootstrap(ctx context.Context) error {
	keys, err := cp.ensureKeys()
	if err != nil {
		return err
	}

	created, err := cp.ensureInterfaceFile(keys.PrivateKey)
	if err != nil {
		return err
	}

	alloc, err := ipam.New(cp.opts.AddressRange.String())
	if err != nil {
		return err
	}

	store, err := peerstore.New(peerstore.Options{
		Allocator:       alloc,
		Device:          cp.opts.Device,
		Interface:       cp.opts.Interface,
		ConfigPath:      cp.ConfigPath(),
		Gateway:         cp.opts.Gateway,
		ServerPublicKey: keys.PublicKey,
		Endpoint:        cp.opts.Endpoint,
		Keepalive:       cp.opts.Keepalive,
		Logger:          cp.opts.Logger,
		Metrics:         cp.metrics,
	})
	if err != nil {
		return fmt.Errorf("create peer store: %w", err)
	}

	// Import first: pruned records are rewritten out of the file before
	// the interface is configured from it.
	if err := store.LoadFromDisk(ctx); err != nil {
		return fmt.Errorf("load peers: %w", err)
	}

	// A previous run may have left the interface up.
	if err := cp.opts.Device.Down(ctx, cp.opts.Interface); err != nil && !errors.Is(err, tunnel.ErrNoSuchInterface) {
		cp.logger.Warn("interface teardown before bring-up failed",
			slog.String("interface", cp.opts.Interface),
			slog.String("error", err.Error()),
		)
	}
	if err := cp.opts.Device.Up(ctx, cp.opts.Interface); err != nil {
		return fmt.Errorf("bring up %s: %w", cp.opts.Interface, err)
	}

	cp.mu.Lock()
	cp.store = store
	cp.publicKey = keys.PublicKey
	cp.mu.Unlock()

	cp.logger.Info("provider bootstrapped",
		slog.String("interface", cp.opts.Interface),
		slog.String("range", cp.opts.AddressRange.String()),
		slog.String("gateway", cp.opts.Gateway.String()),
		slog.String("endpoint", cp.opts.Endpoint),
		slog.Bool("config_created", created),
		slog.Int("peers", len(store.Peers())),
	)
	return nil
}

// ensureKeys loads the private key file, generating a pair when absent,
// and keeps the public key file in sync with it.
func (cp *ControlPlane) ensureKeys() (tunnel.KeyPair, error) {
	privPath := filepath.Join(cp.opts.ConfigDir, privateKeyFile)
	pubPath := filepath.Join(cp.opts.ConfigDir, publicKeyFile)

	raw, err := os.ReadFile(privPath)
	switch {
	case err == nil && strings.TrimSpace(string(raw)) != "":
		priv := strings.TrimSpace(string(raw))
		pub, err := tunnel.PublicKeyOf(priv)
		if err != nil {
			return tunnel.KeyPair{}, fmt.Errorf("read %s: %w", privPath, err)
		}
		kp := tunnel.KeyPair{PrivateKey: priv, PublicKey: pub}
		if cur, err := os.ReadFile(pubPath); err != nil || strings.TrimSpace(string(cur)) != pub {
			if err := fsutil.WriteFile(pubPath, []byte(pub+"\n"), keyFileMode); err != nil {
				return tunnel.KeyPair{}, fmt.Errorf("write public key: %w", err)
			}
		}
		return kp, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return tunnel.KeyPair{}, fmt.Errorf("read %s: %w", privPath, err)
	}

	kp, err := tunnel.GenerateKeyPair()
	if err != nil {
		return tunnel.KeyPair{}, err
	}
	if err := fsutil.WriteFile(privPath, []byte(kp.PrivateKey+"\n"), keyFileMode); err != nil {
		return tunnel.KeyPair{}, fmt.Errorf("write private key: %w", err)
	}
	if err := fsutil.WriteFile(pubPath, []byte(kp.PublicKey+"\n"), keyFileMode); err != nil {
		return tunnel.KeyPair{}, fmt.Errorf("write public key: %w", err)
	}

	cp.logger.Info("generated provider key pair", slog.String("public_key", kp.PublicKey))
	return kp, nil
}

// ensureInterfaceFile writes the base interface section when the file is
// missing or empty and reports whether it did.
func (cp *ControlPlane) ensureInterfaceFile(privateKey string) (bool, error) {
	path := cp.ConfigPath()

	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() > 0:
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	base := wgconf.Interface{
		Address:    netip.PrefixFrom(cp.opts.Gateway, cp.opts.AddressRange.Bits()),
		ListenPort: cp.opts.ListenPort,
		PrivateKey: privateKey,
		PostUp:     cp.opts.PostUp,
		PostDown:   cp.opts.PostDown,
	}
	if err := fsutil.WriteFile(path, []byte(base.Render()), keyFileMode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// DefaultFirewall returns PostUp and PostDown commands that forward mesh
// traffic and masquerade it out of outInterface.
func DefaultFirewall(outInterface string) (postUp, postDown []string) {
	postUp = []string{
		"iptables -A FORWARD -i %i -j ACCEPT",
		"iptables -A FORWARD -o %i -j ACCEPT",
		"iptables -t nat -A POSTROUTING -o " + outInterface + " -j MASQUERADE",
	}
	postDown = []string{
		"iptables -D FORWARD -i %i -j ACCEPT",
		"iptables -D FORWARD -o %i -j ACCEPT",
		"iptables -t nat -D POSTROUTING -o " + outInterface + " -j MASQUERADE",
	}
	return postUp, postDown
}

// -------------------------------------------------------------------------
// Registration
// -------------------------------------------------------------------------

// Register authorizes the caller, (re)registers its public key under the
// assigned name and returns what the requester needs to connect.
func (cp *ControlPlane) Register(ctx context.Context, req meshproto.RegisterRequest) (meshproto.RegisterResponse, error) {
	store, err := cp.peerStore()
	if err != nil {
		cp.metrics.IncRegistrations(resultError)
		return meshproto.RegisterResponse{}, err
	}

	if err := tunnel.ValidateKey(req.VPNPublicKey); err != nil {
		cp.metrics.IncRegistrations(resultInvalid)
		return meshproto.RegisterResponse{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id, err := cp.opts.Authorizer.Authorize(ctx, req.UserID, req.AuthToken)
	if err != nil {
		if errors.Is(err, ErrInvalidAuthorization) {
			cp.metrics.IncRegistrations(resultUnauthorized)
		} else {
			cp.metrics.IncRegistrations(resultError)
		}
		return meshproto.RegisterResponse{}, err
	}

	params, err := store.UpsertPeer(ctx, req.VPNPublicKey, id.DomainName)
	switch {
	case errors.Is(err, peerstore.ErrPersistenceFailed):
		// The peer is live; the file catches up on the next mutation.
		cp.logger.Warn("peer registered but interface file not updated",
			slog.String("name", id.DomainName),
			slog.String("error", err.Error()),
		)
	case err != nil:
		cp.metrics.IncRegistrations(resultError)
		return meshproto.RegisterResponse{}, err
	}

	cp.metrics.IncRegistrations(resultOK)

	return meshproto.RegisterResponse{
		WGConfig: meshproto.WGConfig{
			WGInterface: meshproto.WGInterface{
				Address: []string{netip.PrefixFrom(params.Address, 32).String()},
			},
			Peers: []meshproto.WGPeer{{
				PublicKey:           params.ServerPublicKey,
				AllowedIPs:          []string{params.AllowedIPs.String()},
				Endpoint:            params.Endpoint,
				PersistentKeepalive: int(params.Keepalive / time.Second),
			}},
		},
		ServerIP:     cp.opts.Gateway.String(),
		ServerDomain: id.ServerDomain,
		DomainName:   id.DomainName,
		Domain:       id.DomainName + "." + id.ServerDomain,
	}, nil
}

// -------------------------------------------------------------------------
// Resolution
// -------------------------------------------------------------------------

// Resolve maps a host under the announced domain to a peer address.
//
// The lookup key is the right-most label left after stripping the
// announced domain, so "a.b.svc.example.com" and "svc.example.com" both
// resolve by "svc". The announced domain itself resolves to Root.
func (cp *ControlPlane) Resolve(host string) (Resolution, error) {
	store, err := cp.peerStore()
	if err != nil {
		return Resolution{}, err
	}

	host = normalizeHost(host)
	if host == cp.domain {
		return Resolution{Root: true}, nil
	}
	if !strings.HasSuffix(host, "."+cp.domain) {
		return Resolution{}, fmt.Errorf("%q: %w", host, ErrInvalidDomain)
	}

	rest := strings.TrimSuffix(host, "."+cp.domain)
	name := rest[strings.LastIndexByte(rest, '.')+1:]
	if name == "" {
		return Resolution{Root: true}, nil
	}

	addr, err := store.ResolveAddress(name)
	if err != nil {
		return Resolution{Name: name}, fmt.Errorf("%q: %w", name, ErrNameNotFound)
	}
	return Resolution{Name: name, Address: addr}, nil
}

func (cp *ControlPlane) peerStore() (*peerstore.Store, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.store == nil {
		return nil, ErrNotBootstrapped
	}
	return cp.store, nil
}

func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
