// Package ipam allocates internal mesh addresses from a single IPv4 prefix.
package ipam

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go4.org/netipx"
)

// Sentinel errors for Allocator operations.
var (
	// ErrInvalidRange indicates the pool CIDR is malformed or not IPv4.
	ErrInvalidRange = errors.New("invalid address range")

	// ErrExhausted indicates no free address remains in the pool.
	ErrExhausted = errors.New("address pool exhausted")

	// ErrOutOfRange indicates an address outside the pool prefix.
	ErrOutOfRange = errors.New("address out of range")

	// ErrAlreadyLeased indicates the address is already assigned.
	ErrAlreadyLeased = errors.New("address already leased")

	// ErrNotLeased indicates a release of an address that was never assigned.
	ErrNotLeased = errors.New("address not leased")
)

// Allocator hands out unique IPv4 addresses from one prefix.
//
// Allocate scans in ascending order from the first host address and never
// returns the last address of the prefix (broadcast). The network address
// and any gateway are not reserved implicitly; the owner leases them right
// after construction. Thread-safe via sync.Mutex.
type Allocator struct {
	mu       sync.Mutex
	prefix   netip.Prefix
	last     netip.Addr
	assigned map[netip.Addr]struct{}
}

// New creates an Allocator for the given CIDR. The prefix is masked, so
// "10.16.3.7/16" yields the pool 10.16.0.0/16.
func New(cidr string) (*Allocator, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w: %w", cidr, ErrInvalidRange, err)
	}
	if !p.Addr().Is4() {
		return nil, fmt.Errorf("%q is not IPv4: %w", cidr, ErrInvalidRange)
	}
	p = p.Masked()

	return &Allocator{
		prefix:   p,
		last:     netipx.PrefixLastIP(p),
		assigned: make(map[netip.Addr]struct{}),
	}, nil
}

// Prefix returns the masked pool prefix.
func (a *Allocator) Prefix() netip.Prefix {
	return a.prefix
}

// Network returns the network address of the pool.
func (a *Allocator) Network() netip.Addr {
	return a.prefix.Addr()
}

// Allocate leases the lowest free address in the pool.
func (a *Allocator) Allocate() (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for addr := a.prefix.Addr().Next(); addr.IsValid() && addr.Less(a.last); addr = addr.Next() {
		if _, taken := a.assigned[addr]; taken {
			continue
		}
		a.assigned[addr] = struct{}{}
		return addr, nil
	}

	return netip.Addr{}, fmt.Errorf("allocate from %s: %w", a.prefix, ErrExhausted)
}

// Lease marks a specific address as assigned. Used to restore persisted
// peers and to reserve the network and gateway addresses.
func (a *Allocator) Lease(addr netip.Addr) error {
	if !a.prefix.Contains(addr) || addr == a.last {
		return fmt.Errorf("lease %s in %s: %w", addr, a.prefix, ErrOutOfRange)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.assigned[addr]; taken {
		return fmt.Errorf("lease %s: %w", addr, ErrAlreadyLeased)
	}
	a.assigned[addr] = struct{}{}
	return nil
}

// Release returns an address to the pool.
func (a *Allocator) Release(addr netip.Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.assigned[addr]; !taken {
		return fmt.Errorf("release %s: %w", addr, ErrNotLeased)
	}
	delete(a.assigned, addr)
	return nil
}

// IsLeased reports whether addr is currently assigned.
func (a *Allocator) IsLeased(addr netip.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, taken := a.assigned[addr]
	return taken
}

// Leased returns the number of assigned addresses, reserved ones included.
func (a *Allocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.assigned)
}

// Capacity returns the number of addresses Allocate or Lease can ever
// assign: every address of the prefix except the last one.
func (a *Allocator) Capacity() int {
	return (1 << (32 - a.prefix.Bits())) - 1
}
