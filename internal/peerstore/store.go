// Package peerstore owns the provider's peer table.
//
// The in-memory table is authoritative. The live WireGuard interface and
// the interface config file are projections of it: every mutation is
// applied to the interface first, then to the table, then the peer region
// of the file is regenerated from the whole table.
package peerstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/gomesh/internal/fsutil"
	"github.com/dantte-lp/gomesh/internal/ipam"
	"github.com/dantte-lp/gomesh/internal/tunnel"
	"github.com/dantte-lp/gomesh/internal/wgconf"
)

// -------------------------------------------------------------------------
// Store Errors
// -------------------------------------------------------------------------

// Sentinel errors for Store operations.
var (
	// ErrPeerNotFound indicates no peer is registered under the name.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrInvalidPeer indicates an empty name or public key.
	ErrInvalidPeer = errors.New("invalid peer")

	// ErrInterfaceMutation indicates the live interface rejected a change.
	// The peer table is left as it was before the operation.
	ErrInterfaceMutation = errors.New("interface mutation failed")

	// ErrPersistenceFailed indicates the interface file could not be
	// rewritten after a retry. The table and the interface are updated;
	// the next successful write brings the file back in line.
	ErrPersistenceFailed = errors.New("interface file persistence failed")

	// ErrInvalidGateway indicates the gateway is not inside the pool.
	ErrInvalidGateway = errors.New("gateway outside address pool")
)

// configFileMode keeps the private key in the interface file unreadable
// to other users.
const configFileMode = 0o600

// -------------------------------------------------------------------------
// Types
// -------------------------------------------------------------------------

// Peer is one registered mesh member.
type Peer struct {
	Name      string
	PublicKey string
	Address   netip.Addr
}

// ConnectionParams is what a newly registered peer needs to reach the
// provider.
type ConnectionParams struct {
	// Address is the peer's leased mesh address.
	Address netip.Addr
	// ServerPublicKey is the provider interface's public key.
	ServerPublicKey string
	// AllowedIPs is the mesh prefix routed through the provider.
	AllowedIPs netip.Prefix
	// Endpoint is the provider's announced host:port.
	Endpoint string
	// Keepalive is the persistent keepalive interval for the peer.
	Keepalive time.Duration
}

// MetricsReporter receives peer table gauges.
type MetricsReporter interface {
	SetPeers(n int)
	SetPoolUsage(leased, capacity int)
}

type noopMetrics struct{}

func (noopMetrics) SetPeers(int)          {}
func (noopMetrics) SetPoolUsage(int, int) {}

// Options configures a Store.
type Options struct {
	Allocator       *ipam.Allocator
	Device          tunnel.Device
	Interface       string
	ConfigPath      string
	Gateway         netip.Addr
	ServerPublicKey string
	Endpoint        string
	Keepalive       time.Duration
	Logger          *slog.Logger
	Metrics         MetricsReporter
}

// Store serializes every peer mutation through one mutex, so an upsert
// for a name completes before the next operation on any name begins.
type Store struct {
	mu    sync.Mutex
	peers map[string]Peer
	// base is the interface section plus marker, cached from disk.
	base string

	alloc     *ipam.Allocator
	device    tunnel.Device
	iface     string
	path      string
	serverKey string
	endpoint  string
	keepalive time.Duration
	metrics   MetricsReporter
	logger    *slog.Logger
}

// New creates a Store and reserves the pool's network address and the
// gateway in the allocator.
func New(opts Options) (*Store, error) {
	if !opts.Allocator.Prefix().Contains(opts.Gateway) {
		return nil, fmt.Errorf("gateway %s, pool %s: %w", opts.Gateway, opts.Allocator.Prefix(), ErrInvalidGateway)
	}

	for _, reserved := range []netip.Addr{opts.Allocator.Network(), opts.Gateway} {
		if err := opts.Allocator.Lease(reserved); err != nil && !errors.Is(err, ipam.ErrAlreadyLeased) {
			return nil, fmt.Errorf("reserve %s: %w", reserved, err)
		}
	}

	s := &Store{
		peers:     make(map[string]Peer),
		alloc:     opts.Allocator,
		device:    opts.Device,
		iface:     opts.Interface,
		path:      opts.ConfigPath,
		serverKey: opts.ServerPublicKey,
		endpoint:  opts.Endpoint,
		keepalive: opts.Keepalive,
		metrics:   noopMetrics{},
		logger:    opts.Logger.With(slog.String("component", "peerstore")),
	}
	if opts.Metrics != nil {
		s.metrics = opts.Metrics
	}
	s.reportLocked()
	return s, nil
}

// -------------------------------------------------------------------------
// Load
// -------------------------------------------------------------------------

// LoadFromDisk imports the peer region of the interface file. Malformed
// blocks, duplicate names and addresses that cannot be leased are skipped
// with a warning; when anything was skipped the file is rewritten so it
// matches the table again. Call once, before serving.
func (s *Store) LoadFromDisk(ctx context.Context) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base, region := wgconf.Split(string(raw))
	s.base = base

	records, parseErrs := wgconf.ParsePeers(region)
	for _, pErr := range parseErrs {
		s.logger.Warn("skipping malformed peer record",
			slog.String("path", s.path),
			slog.String("error", pErr.Error()),
		)
	}

	skipped := len(parseErrs)
	for _, rec := range records {
		if _, dup := s.peers[rec.Name]; dup {
			s.logger.Warn("skipping duplicate peer name",
				slog.String("name", rec.Name),
				slog.String("address", rec.Address.String()),
			)
			skipped++
			continue
		}
		if err := s.alloc.Lease(rec.Address); err != nil {
			s.logger.Warn("skipping peer with unusable address",
				slog.String("name", rec.Name),
				slog.String("address", rec.Address.String()),
				slog.String("error", err.Error()),
			)
			skipped++
			continue
		}
		s.peers[rec.Name] = Peer(rec)
	}

	s.logger.Info("peers loaded from disk",
		slog.String("path", s.path),
		slog.Int("peers", len(s.peers)),
		slog.Int("skipped", skipped),
	)
	s.reportLocked()

	if skipped > 0 {
		if err := s.persistLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Mutations
// -------------------------------------------------------------------------

// UpsertPeer registers publicKey under name with a freshly allocated
// address. An existing record for the name is removed first, and so is
// any other name holding the same public key.
//
// On ErrPersistenceFailed the registration itself succeeded and the
// returned parameters are valid.
func (s *Store) UpsertPeer(ctx context.Context, publicKey, name string) (ConnectionParams, error) {
	if name == "" || publicKey == "" {
		return ConnectionParams{}, fmt.Errorf("name %q: %w", name, ErrInvalidPeer)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	if old, ok := s.peers[name]; ok {
		if err := s.removeLocked(ctx, old); err != nil {
			return ConnectionParams{}, err
		}
		removed = true
	}
	for _, other := range s.peers {
		if other.PublicKey != publicKey {
			continue
		}
		s.logger.Info("public key moved to new name",
			slog.String("old_name", other.Name),
			slog.String("name", name),
		)
		if err := s.removeLocked(ctx, other); err != nil {
			s.persistAfterRemoval(ctx, removed)
			return ConnectionParams{}, err
		}
		removed = true
	}

	addr, err := s.alloc.Allocate()
	if err != nil {
		s.persistAfterRemoval(ctx, removed)
		return ConnectionParams{}, fmt.Errorf("upsert %q: %w", name, err)
	}

	if err := s.device.ApplyPeer(ctx, s.iface, publicKey, addr); err != nil {
		s.releaseAddr(addr)
		s.persistAfterRemoval(ctx, removed)
		return ConnectionParams{}, fmt.Errorf("apply peer %q: %w: %w", name, ErrInterfaceMutation, err)
	}

	s.peers[name] = Peer{Name: name, PublicKey: publicKey, Address: addr}
	s.reportLocked()

	s.logger.Info("peer registered",
		slog.String("name", name),
		slog.String("address", addr.String()),
		slog.Bool("replaced", removed),
	)

	params := s.paramsFor(addr)
	if err := s.persistLocked(ctx); err != nil {
		return params, err
	}
	return params, nil
}

// RemovePeer removes the peer registered under name. Unknown names are a
// no-op.
func (s *Store) RemovePeer(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.peers[name]
	if !ok {
		return nil
	}
	if err := s.removeLocked(ctx, old); err != nil {
		return err
	}

	s.logger.Info("peer removed",
		slog.String("name", name),
		slog.String("address", old.Address.String()),
	)
	return s.persistLocked(ctx)
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// ResolveAddress returns the address leased to name.
func (s *Store) ResolveAddress(name string) (netip.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[name]
	if !ok {
		return netip.Addr{}, fmt.Errorf("%q: %w", name, ErrPeerNotFound)
	}
	return p.Address, nil
}

// Peers returns a snapshot of the table sorted by name.
func (s *Store) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// -------------------------------------------------------------------------
// Internals (s.mu held)
// -------------------------------------------------------------------------

// removeLocked removes a peer from the interface, then from the table and
// the allocator. The file is not rewritten.
func (s *Store) removeLocked(ctx context.Context, p Peer) error {
	if err := s.device.RemovePeer(ctx, s.iface, p.PublicKey); err != nil {
		return fmt.Errorf("remove peer %q: %w: %w", p.Name, ErrInterfaceMutation, err)
	}
	s.releaseLocked(p)
	return nil
}

func (s *Store) releaseLocked(p Peer) {
	delete(s.peers, p.Name)
	s.releaseAddr(p.Address)
	s.reportLocked()
}

func (s *Store) releaseAddr(addr netip.Addr) {
	if err := s.alloc.Release(addr); err != nil {
		s.logger.Warn("address release failed",
			slog.String("address", addr.String()),
			slog.String("error", err.Error()),
		)
	}
}

// persistAfterRemoval rewrites the file on a failed upsert that had
// already removed a previous record, so the file does not keep a peer the
// interface no longer has.
func (s *Store) persistAfterRemoval(ctx context.Context, removed bool) {
	if !removed {
		return
	}
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Warn("failed to rewrite interface file after aborted upsert",
			slog.String("error", err.Error()),
		)
	}
}

// persistLocked regenerates the peer region and writes the file, retrying
// once.
func (s *Store) persistLocked(ctx context.Context) error {
	content, err := s.renderLocked()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}

	err = fsutil.WriteFile(s.path, []byte(content), configFileMode)
	if err == nil {
		return nil
	}

	s.logger.WarnContext(ctx, "interface file write failed, retrying",
		slog.String("path", s.path),
		slog.String("error", err.Error()),
	)
	if err = fsutil.WriteFile(s.path, []byte(content), configFileMode); err != nil {
		return fmt.Errorf("write %s: %w: %w", s.path, ErrPersistenceFailed, err)
	}
	return nil
}

func (s *Store) renderLocked() (string, error) {
	if s.base == "" {
		raw, err := os.ReadFile(s.path)
		if err != nil {
			return "", fmt.Errorf("read base of %s: %w", s.path, err)
		}
		s.base, _ = wgconf.Split(string(raw))
	}

	records := make([]wgconf.PeerRecord, 0, len(s.peers))
	for _, p := range s.peers {
		records = append(records, wgconf.PeerRecord(p))
	}
	slices.SortFunc(records, func(a, b wgconf.PeerRecord) int { return a.Address.Compare(b.Address) })

	return wgconf.Compose(s.base, records)
}

func (s *Store) paramsFor(addr netip.Addr) ConnectionParams {
	return ConnectionParams{
		Address:         addr,
		ServerPublicKey: s.serverKey,
		AllowedIPs:      s.alloc.Prefix(),
		Endpoint:        s.endpoint,
		Keepalive:       s.keepalive,
	}
}

func (s *Store) reportLocked() {
	s.metrics.SetPeers(len(s.peers))
	s.metrics.SetPoolUsage(s.alloc.Leased(), s.alloc.Capacity())
}
