package peerstore_test

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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/gomesh/internal/ipam"
	"github.com/dantte-lp/gomesh/internal/peerstore"
	"github.com/dantte-lp/gomesh/internal/tunnel"
	"github.com/dantte-lp/gomesh/internal/wgconf"
)

const baseConf = `[Interface]
Address = 10.16.0.1/16
ListenPort = 51820
PrivateKey = c2VydmVyLXByaXZhdGU=

# Peers list
`

// gaugeRecorder captures the last reported gauge values.
type gaugeRecorder struct {
	mu       sync.Mutex
	peers    int
	leased   int
	capacity int
}

func (g *gaugeRecorder) SetPeers(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = n
}

func (g *gaugeRecorder) SetPoolUsage(leased, capacity int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leased, g.capacity = leased, capacity
}

type fixture struct {
	store   *peerstore.Store
	alloc   *ipam.Allocator
	device  *tunnel.Fake
	path    string
	metrics *gaugeRecorder
}

func newFixture(t *testing.T, content string) *fixture {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	alloc, err := ipam.New("10.16.0.0/16")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}

	f := &fixture{
		alloc:   alloc,
		device:  tunnel.NewFake(),
		path:    path,
		metrics: &gaugeRecorder{},
	}
	f.store, err = peerstore.New(peerstore.Options{
		Allocator:       alloc,
		Device:          f.device,
		Interface:       "wg0",
		ConfigPath:      path,
		Gateway:         netip.MustParseAddr("10.16.0.1"),
		ServerPublicKey: "c2VydmVyLXB1YmxpYw==",
		Endpoint:        "mesh.example.com:51820",
		Keepalive:       60 * time.Second,
		Logger:          slog.New(slog.DiscardHandler),
		Metrics:         f.metrics,
	})
	if err != nil {
		t.Fatalf("peerstore.New: %v", err)
	}
	if err := f.store.LoadFromDisk(context.Background()); err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	return f
}

// filePeers parses the peer region currently on disk.
func (f *fixture) filePeers(t *testing.T) map[string]string {
	t.Helper()

	raw, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	_, region := wgconf.Split(string(raw))
	records, errs := wgconf.ParsePeers(region)
	if len(errs) != 0 {
		t.Fatalf("file has malformed records: %v", errs)
	}
	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.Name] = r.Address.String()
	}
	return out
}

func TestNewReservesNetworkAndGateway(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)

	for _, addr := range []string{"10.16.0.0", "10.16.0.1"} {
		if !f.alloc.IsLeased(netip.MustParseAddr(addr)) {
			t.Errorf("IsLeased(%s) = false, want true", addr)
		}
	}
}

func TestNewRejectsGatewayOutsidePool(t *testing.T) {
	t.Parallel()

	alloc, err := ipam.New("10.16.0.0/16")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	_, err = peerstore.New(peerstore.Options{
		Allocator: alloc,
		Device:    tunnel.NewFake(),
		Gateway:   netip.MustParseAddr("192.168.0.1"),
		Logger:    slog.New(slog.DiscardHandler),
	})
	if !errors.Is(err, peerstore.ErrInvalidGateway) {
		t.Errorf("New() error = %v, want %v", err, peerstore.ErrInvalidGateway)
	}
}

func TestUpsertPeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	params, err := f.store.UpsertPeer(ctx, "a2V5LWE=", "alice")
	if err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	want := peerstore.ConnectionParams{
		Address:         netip.MustParseAddr("10.16.0.2"),
		ServerPublicKey: "c2VydmVyLXB1YmxpYw==",
		AllowedIPs:      netip.MustParsePrefix("10.16.0.0/16"),
		Endpoint:        "mesh.example.com:51820",
		Keepalive:       60 * time.Second,
	}
	if params != want {
		t.Errorf("UpsertPeer() = %+v, want %+v", params, want)
	}

	if got := f.device.Peers("wg0")["a2V5LWE="]; got != want.Address {
		t.Errorf("interface peer address = %v, want %v", got, want.Address)
	}
	if diff := cmp.Diff(map[string]string{"alice": "10.16.0.2"}, f.filePeers(t)); diff != "" {
		t.Errorf("file peers mismatch (-want +got):\n%s", diff)
	}
	if addr, err := f.store.ResolveAddress("alice"); err != nil || addr != want.Address {
		t.Errorf("ResolveAddress(alice) = %v, %v; want %v, nil", addr, err, want.Address)
	}
	if f.metrics.peers != 1 || f.metrics.leased != 3 {
		t.Errorf("metrics peers=%d leased=%d, want 1 and 3", f.metrics.peers, f.metrics.leased)
	}
}

func TestUpsertPeerReplacesSameName(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	first, err := f.store.UpsertPeer(ctx, "a2V5LW9sZA==", "alice")
	if err != nil {
		t.Fatalf("first UpsertPeer: %v", err)
	}
	second, err := f.store.UpsertPeer(ctx, "a2V5LW5ldw==", "alice")
	if err != nil {
		t.Fatalf("second UpsertPeer: %v", err)
	}

	if f.alloc.IsLeased(first.Address) && first.Address != second.Address {
		t.Errorf("old address %v still leased after re-registration", first.Address)
	}
	if _, ok := f.device.Peers("wg0")["a2V5LW9sZA=="]; ok {
		t.Error("old public key still configured on interface")
	}
	if got := len(f.store.Peers()); got != 1 {
		t.Errorf("len(Peers()) = %d, want 1", got)
	}
	if diff := cmp.Diff(map[string]string{"alice": second.Address.String()}, f.filePeers(t)); diff != "" {
		t.Errorf("file peers mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertPeerMovesPublicKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	old, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "alice")
	if err != nil {
		t.Fatalf("UpsertPeer alice: %v", err)
	}
	if _, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "bob"); err != nil {
		t.Fatalf("UpsertPeer bob: %v", err)
	}

	if _, err := f.store.ResolveAddress("alice"); !errors.Is(err, peerstore.ErrPeerNotFound) {
		t.Errorf("ResolveAddress(alice) error = %v, want %v", err, peerstore.ErrPeerNotFound)
	}
	if f.alloc.IsLeased(old.Address) {
		t.Errorf("address %v of superseded name still leased", old.Address)
	}
}

func TestUpsertPeerMovedKeyApplyFailureClearsInterface(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	old, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "alice")
	if err != nil {
		t.Fatalf("UpsertPeer alice: %v", err)
	}

	f.device.Fail(tunnel.OpApplyPeer, errors.New("operation not permitted"))
	if _, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "bob"); !errors.Is(err, peerstore.ErrInterfaceMutation) {
		t.Fatalf("UpsertPeer bob error = %v, want %v", err, peerstore.ErrInterfaceMutation)
	}

	// Table, allocator, file and interface agree that the key is gone.
	if _, err := f.store.ResolveAddress("alice"); !errors.Is(err, peerstore.ErrPeerNotFound) {
		t.Errorf("ResolveAddress(alice) error = %v, want %v", err, peerstore.ErrPeerNotFound)
	}
	if f.alloc.IsLeased(old.Address) {
		t.Errorf("address %v still leased", old.Address)
	}
	if got := f.device.Peers("wg0"); len(got) != 0 {
		t.Errorf("interface peers = %v, want none", got)
	}
	if diff := cmp.Diff(map[string]string{}, f.filePeers(t)); diff != "" {
		t.Errorf("file peers mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertPeerMovedKeyRemoveFailureKeepsOldRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	old, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "alice")
	if err != nil {
		t.Fatalf("UpsertPeer alice: %v", err)
	}

	f.device.Fail(tunnel.OpRemovePeer, errors.New("busy"))
	if _, err := f.store.UpsertPeer(ctx, "c2hhcmVk", "bob"); !errors.Is(err, peerstore.ErrInterfaceMutation) {
		t.Fatalf("UpsertPeer bob error = %v, want %v", err, peerstore.ErrInterfaceMutation)
	}

	addr, err := f.store.ResolveAddress("alice")
	if err != nil || addr != old.Address {
		t.Errorf("ResolveAddress(alice) = %v, %v; want %v, nil", addr, err, old.Address)
	}
	if got := f.device.Peers("wg0")["c2hhcmVk"]; got != old.Address {
		t.Errorf("interface address for key = %v, want %v", got, old.Address)
	}
}

func TestUpsertPeerInterfaceFailureLeavesTableUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	if _, err := f.store.UpsertPeer(ctx, "a2V5LWE=", "alice"); err != nil {
		t.Fatalf("UpsertPeer alice: %v", err)
	}
	leasedBefore := f.alloc.Leased()

	f.device.Fail(tunnel.OpApplyPeer, errors.New("operation not permitted"))
	_, err := f.store.UpsertPeer(ctx, "a2V5LWI=", "bob")
	if !errors.Is(err, peerstore.ErrInterfaceMutation) {
		t.Fatalf("UpsertPeer() error = %v, want %v", err, peerstore.ErrInterfaceMutation)
	}

	if _, err := f.store.ResolveAddress("bob"); !errors.Is(err, peerstore.ErrPeerNotFound) {
		t.Errorf("ResolveAddress(bob) error = %v, want %v", err, peerstore.ErrPeerNotFound)
	}
	if got := f.alloc.Leased(); got != leasedBefore {
		t.Errorf("Leased() = %d after failed upsert, want %d", got, leasedBefore)
	}
	if diff := cmp.Diff(map[string]string{"alice": "10.16.0.2"}, f.filePeers(t)); diff != "" {
		t.Errorf("file peers mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertPeerRemoveFailureKeepsOldRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	if _, err := f.store.UpsertPeer(ctx, "a2V5LWE=", "alice"); err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}

	f.device.Fail(tunnel.OpRemovePeer, errors.New("busy"))
	if _, err := f.store.UpsertPeer(ctx, "a2V5LWI=", "alice"); !errors.Is(err, peerstore.ErrInterfaceMutation) {
		t.Fatalf("UpsertPeer() error = %v, want %v", err, peerstore.ErrInterfaceMutation)
	}

	addr, err := f.store.ResolveAddress("alice")
	if err != nil || addr != netip.MustParseAddr("10.16.0.2") {
		t.Errorf("ResolveAddress(alice) = %v, %v; want 10.16.0.2, nil", addr, err)
	}
}

func TestUpsertPeerPersistenceFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	// Replace the parent directory with a file so both write attempts fail.
	dir := filepath.Dir(f.path)
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if err := os.WriteFile(dir, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(dir) })

	params, err := f.store.UpsertPeer(ctx, "a2V5LWE=", "alice")
	if !errors.Is(err, peerstore.ErrPersistenceFailed) {
		t.Fatalf("UpsertPeer() error = %v, want %v", err, peerstore.ErrPersistenceFailed)
	}
	if !params.Address.IsValid() {
		t.Error("UpsertPeer() returned no address alongside persistence failure")
	}
	if addr, err := f.store.ResolveAddress("alice"); err != nil || addr != params.Address {
		t.Errorf("ResolveAddress(alice) = %v, %v; want %v, nil", addr, err, params.Address)
	}
}

func TestUpsertPeerExhausted(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wg0.conf")
	if err := os.WriteFile(path, []byte(baseConf), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	alloc, err := ipam.New("10.16.0.0/30")
	if err != nil {
		t.Fatalf("ipam.New: %v", err)
	}
	store, err := peerstore.New(peerstore.Options{
		Allocator:  alloc,
		Device:     tunnel.NewFake(),
		Interface:  "wg0",
		ConfigPath: path,
		Gateway:    netip.MustParseAddr("10.16.0.1"),
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("peerstore.New: %v", err)
	}

	ctx := context.Background()
	if _, err := store.UpsertPeer(ctx, "a2V5LWE=", "alice"); err != nil {
		t.Fatalf("UpsertPeer alice: %v", err)
	}
	if _, err := store.UpsertPeer(ctx, "a2V5LWI=", "bob"); !errors.Is(err, ipam.ErrExhausted) {
		t.Errorf("UpsertPeer(bob) error = %v, want %v", err, ipam.ErrExhausted)
	}
}

func TestRemovePeer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	params, err := f.store.UpsertPeer(ctx, "a2V5LWE=", "alice")
	if err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if err := f.store.RemovePeer(ctx, "alice"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if f.alloc.IsLeased(params.Address) {
		t.Errorf("address %v still leased after removal", params.Address)
	}
	if len(f.filePeers(t)) != 0 {
		t.Errorf("file still has peers: %v", f.filePeers(t))
	}

	if err := f.store.RemovePeer(ctx, "nobody"); err != nil {
		t.Errorf("RemovePeer(nobody) = %v, want nil", err)
	}
}

func TestLoadFromDiskSkipsMalformedAndPrunes(t *testing.T) {
	t.Parallel()

	content := baseConf + `
[Peer]
#meta={"name":"alice"}
PublicKey = YWxpY2U=
AllowedIPs = 10.16.0.5/32

[Peer]
PublicKey = bm9tZXRh
AllowedIPs = 10.16.0.6/32

[Peer]
#meta={"name":"alice"}
PublicKey = ZHVw
AllowedIPs = 10.16.0.7/32

[Peer]
#meta={"name":"gateway-thief"}
PublicKey = dGhpZWY=
AllowedIPs = 10.16.0.1/32

[Peer]
#meta={"name":"bob"}
PublicKey = Ym9i
AllowedIPs = 10.16.0.9/32
`
	f := newFixture(t, content)

	names := make([]string, 0)
	for _, p := range f.store.Peers() {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, names); diff != "" {
		t.Errorf("loaded peers mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string]string{"alice": "10.16.0.5", "bob": "10.16.0.9"}, f.filePeers(t)); diff != "" {
		t.Errorf("pruned file mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(raw), baseConf) {
		t.Errorf("interface section not preserved:\n%s", raw)
	}

	// Next allocation skips the imported leases.
	params, err := f.store.UpsertPeer(context.Background(), "bmV3", "carol")
	if err != nil {
		t.Fatalf("UpsertPeer: %v", err)
	}
	if params.Address != netip.MustParseAddr("10.16.0.2") {
		t.Errorf("UpsertPeer() address = %v, want 10.16.0.2", params.Address)
	}
}

func TestLoadFromDiskRoundTrip(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 25} {
		t.Run(fmt.Sprintf("%d peers", n), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, baseConf)
			ctx := context.Background()
			for i := range n {
				if _, err := f.store.UpsertPeer(ctx, fmt.Sprintf("a2V5LSVk%d", i), fmt.Sprintf("peer%d", i)); err != nil {
					t.Fatalf("UpsertPeer(peer%d): %v", i, err)
				}
			}

			raw, err := os.ReadFile(f.path)
			if err != nil {
				t.Fatalf("read config: %v", err)
			}
			restarted := newFixture(t, string(raw))

			if diff := cmp.Diff(f.store.Peers(), restarted.store.Peers(),
				cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
				t.Errorf("peers after restart mismatch (-before +after):\n%s", diff)
			}
			if got, want := restarted.alloc.Leased(), f.alloc.Leased(); got != want {
				t.Errorf("Leased() after restart = %d, want %d", got, want)
			}

			after, err := os.ReadFile(restarted.path)
			if err != nil {
				t.Fatalf("read restarted config: %v", err)
			}
			if string(after) != string(raw) {
				t.Errorf("clean import rewrote the file:\n%s\nwant:\n%s", after, raw)
			}

			// The next registration takes the lowest free address.
			params, err := restarted.store.UpsertPeer(ctx, "bmV4dA==", "next")
			if err != nil {
				t.Fatalf("UpsertPeer(next): %v", err)
			}
			want := netip.MustParseAddr("10.16.0.2")
			for range n {
				want = want.Next()
			}
			if params.Address != want {
				t.Errorf("UpsertPeer(next) address = %v, want %v", params.Address, want)
			}
		})
	}
}

func TestConcurrentUpsertsUniqueAddresses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, baseConf)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			if _, err := f.store.UpsertPeer(ctx, fmt.Sprintf("a2V5%d", i), fmt.Sprintf("peer-%d", i)); err != nil {
				t.Errorf("UpsertPeer(peer-%d): %v", i, err)
			}
		})
	}
	wg.Wait()

	seen := make(map[netip.Addr]string)
	for _, p := range f.store.Peers() {
		if other, dup := seen[p.Address]; dup {
			t.Errorf("address %v assigned to %s and %s", p.Address, other, p.Name)
		}
		seen[p.Address] = p.Name
	}
	if len(seen) != n {
		t.Errorf("registered %d peers, want %d", len(seen), n)
	}
	if got := len(f.filePeers(t)); got != n {
		t.Errorf("file has %d peers, want %d", got, n)
	}
}
