package tunnel

import (
	"context"
	"fmt"
	"maps"
	"net/netip"
	"sync"
	"time"
)

// Fake operation names accepted by Fake.Fail.
const (
	OpUp            = "up"
	OpDown          = "down"
	OpApplyPeer     = "apply_peer"
	OpRemovePeer    = "remove_peer"
	OpLastHandshake = "last_handshake"
)

// Fake is an in-memory Device for tests. Failures are injected per
// operation with Fail; every call is recorded in order.
type Fake struct {
	mu     sync.Mutex
	ifaces map[string]*fakeIface
	fail   map[string]error
	calls  []string
}

type fakeIface struct {
	up        bool
	peers     map[string]netip.Addr
	handshake time.Time
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		ifaces: make(map[string]*fakeIface),
		fail:   make(map[string]error),
	}
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

// SetHandshake sets the latest handshake reported for iface.
func (f *Fake) SetHandshake(iface string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.iface(iface).handshake = t
}

// Peers returns a copy of the peers configured on iface.
func (f *Fake) Peers(iface string) map[string]netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.ifaces[iface]
	if !ok {
		return map[string]netip.Addr{}
	}
	return maps.Clone(fi.peers)
}

// IsUp reports whether iface is up.
func (f *Fake) IsUp(iface string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, ok := f.ifaces[iface]
	return ok && fi.up
}

// Calls returns the recorded "op iface" strings in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

// Up marks iface up.
func (f *Fake) Up(_ context.Context, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpUp, iface); err != nil {
		return err
	}
	f.iface(iface).up = true
	return nil
}

// Down marks iface down and drops its peers.
func (f *Fake) Down(_ context.Context, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpDown, iface); err != nil {
		return err
	}
	fi, ok := f.ifaces[iface]
	if !ok || !fi.up {
		return fmt.Errorf("%s: %w", iface, ErrNoSuchInterface)
	}
	delete(f.ifaces, iface)
	return nil
}

// ApplyPeer records the peer on iface.
func (f *Fake) ApplyPeer(_ context.Context, iface, publicKey string, addr netip.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpApplyPeer, iface); err != nil {
		return err
	}
	f.iface(iface).peers[publicKey] = addr
	return nil
}

// RemovePeer forgets the peer on iface.
func (f *Fake) RemovePeer(_ context.Context, iface, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpRemovePeer, iface); err != nil {
		return err
	}
	delete(f.iface(iface).peers, publicKey)
	return nil
}

// LastHandshake returns the time set by SetHandshake.
func (f *Fake) LastHandshake(_ context.Context, iface string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record(OpLastHandshake, iface); err != nil {
		return time.Time{}, err
	}
	fi, ok := f.ifaces[iface]
	if !ok {
		return time.Time{}, fmt.Errorf("%s: %w", iface, ErrNoSuchInterface)
	}
	return fi.handshake, nil
}

// record must be called with f.mu held.
func (f *Fake) record(op, iface string) error {
	f.calls = append(f.calls, op+" "+iface)
	if err, ok := f.fail[op]; ok {
		return fmt.Errorf("%s %s: %w: %w", op, iface, ErrCommandFailed, err)
	}
	return nil
}

// iface must be called with f.mu held.
func (f *Fake) iface(name string) *fakeIface {
	fi, ok := f.ifaces[name]
	if !ok {
		fi = &fakeIface{peers: make(map[string]netip.Addr)}
		f.ifaces[name] = fi
	}
	return fi
}
