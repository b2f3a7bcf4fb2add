package ipam_test

import (
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/dantte-lp/gomesh/internal/ipam"
)

func TestNewInvalidRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cidr string
	}{
		{name: "empty", cidr: ""},
		{name: "no mask", cidr: "10.16.0.0"},
		{name: "garbage", cidr: "not-a-cidr"},
		{name: "bad mask", cidr: "10.16.0.0/33"},
		{name: "ipv6", cidr: "fd00::/64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ipam.New(tt.cidr)
			if !errors.Is(err, ipam.ErrInvalidRange) {
				t.Errorf("New(%q) error = %v, want %v", tt.cidr, err, ipam.ErrInvalidRange)
			}
		})
	}
}

func TestNewMasksPrefix(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.3.7/16")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := a.Prefix(), netip.MustParsePrefix("10.16.0.0/16"); got != want {
		t.Errorf("Prefix() = %v, want %v", got, want)
	}
	if got, want := a.Capacity(), 65535; got != want {
		t.Errorf("Capacity() = %d, want %d", got, want)
	}
}

func TestAllocateAscending(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.0.0/16")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.0")
	mustLease(t, a, "10.16.0.1")

	for _, want := range []string{"10.16.0.2", "10.16.0.3", "10.16.0.4"} {
		got, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if got.String() != want {
			t.Errorf("Allocate() = %v, want %v", got, want)
		}
	}
}

func TestAllocateFillsGaps(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.0")
	mustLease(t, a, "10.16.0.1")
	mustLease(t, a, "10.16.0.3")

	got, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got.String() != "10.16.0.2" {
		t.Errorf("Allocate() = %v, want 10.16.0.2", got)
	}

	got, err = a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got.String() != "10.16.0.4" {
		t.Errorf("Allocate() = %v, want 10.16.0.4", got)
	}
}

func TestAllocateExhaustedSkipsBroadcast(t *testing.T) {
	t.Parallel()

	// /30: .0 network, .1 gateway, .2 host, .3 broadcast.
	a, err := ipam.New("10.16.0.0/30")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.0")
	mustLease(t, a, "10.16.0.1")

	got, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got.String() != "10.16.0.2" {
		t.Errorf("Allocate() = %v, want 10.16.0.2", got)
	}

	if _, err := a.Allocate(); !errors.Is(err, ipam.ErrExhausted) {
		t.Errorf("Allocate() error = %v, want %v", err, ipam.ErrExhausted)
	}
}

func TestLeaseErrors(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.9")

	tests := []struct {
		name string
		addr string
		want error
	}{
		{name: "outside prefix", addr: "10.17.0.9", want: ipam.ErrOutOfRange},
		{name: "broadcast", addr: "10.16.0.255", want: ipam.ErrOutOfRange},
		{name: "duplicate", addr: "10.16.0.9", want: ipam.ErrAlreadyLeased},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if err := a.Lease(netip.MustParseAddr(tt.addr)); !errors.Is(err, tt.want) {
				t.Errorf("Lease(%s) error = %v, want %v", tt.addr, err, tt.want)
			}
		})
	}
}

func TestReleaseReturnsAddress(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.0.0/24")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.0")
	mustLease(t, a, "10.16.0.1")

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Release(first); err != nil {
		t.Fatalf("Release(%v): %v", first, err)
	}
	if a.IsLeased(first) {
		t.Errorf("IsLeased(%v) = true after release", first)
	}

	again, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if again != first {
		t.Errorf("Allocate() after release = %v, want %v", again, first)
	}

	if err := a.Release(netip.MustParseAddr("10.16.0.77")); !errors.Is(err, ipam.ErrNotLeased) {
		t.Errorf("Release(unleased) error = %v, want %v", err, ipam.ErrNotLeased)
	}
}

func TestAllocateConcurrentUnique(t *testing.T) {
	t.Parallel()

	a, err := ipam.New("10.16.0.0/22")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustLease(t, a, "10.16.0.0")
	mustLease(t, a, "10.16.0.1")

	const workers = 16
	const perWorker = 50

	var (
		mu   sync.Mutex
		seen = make(map[netip.Addr]struct{})
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Go(func() {
			for range perWorker {
				addr, err := a.Allocate()
				if err != nil {
					t.Errorf("Allocate: %v", err)
					return
				}
				mu.Lock()
				if _, dup := seen[addr]; dup {
					t.Errorf("address %v allocated twice", addr)
				}
				seen[addr] = struct{}{}
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if got, want := a.Leased(), workers*perWorker+2; got != want {
		t.Errorf("Leased() = %d, want %d", got, want)
	}
}

func mustLease(t *testing.T, a *ipam.Allocator, addr string) {
	t.Helper()
	if err := a.Lease(netip.MustParseAddr(addr)); err != nil {
		t.Fatalf("Lease(%s): %v", addr, err)
	}
}
