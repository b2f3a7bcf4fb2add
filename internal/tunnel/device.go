// Package tunnel drives WireGuard interfaces.
//
// Device is the narrow capability the control plane needs from the
// tunnel: add or remove one peer, bring an interface up or down from its
// config file, and read the latest handshake time. CommandDevice shells
// out to wg and wg-quick; KernelDevice talks to the kernel through wgctrl
// and netlink; Fake keeps everything in memory for tests.
package tunnel

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

// Sentinel errors for Device operations.
var (
	// ErrCommandFailed indicates the tunnel tool or kernel call failed.
	ErrCommandFailed = errors.New("tunnel command failed")

	// ErrInvalidKey indicates a malformed WireGuard key.
	ErrInvalidKey = errors.New("invalid wireguard key")

	// ErrNoSuchInterface indicates the interface does not exist.
	ErrNoSuchInterface = errors.New("no such tunnel interface")
)

// Device mutates and inspects WireGuard interfaces.
type Device interface {
	// Up brings the interface up from its config file.
	Up(ctx context.Context, iface string) error

	// Down tears the interface down. Implementations return an error
	// wrapping ErrNoSuchInterface when it does not exist.
	Down(ctx context.Context, iface string) error

	// ApplyPeer adds or replaces a peer with a single /32 allowed address.
	ApplyPeer(ctx context.Context, iface, publicKey string, addr netip.Addr) error

	// RemovePeer removes a peer. Removing an unknown peer is not an error.
	RemovePeer(ctx context.Context, iface, publicKey string) error

	// LastHandshake returns the most recent handshake across all peers of
	// the interface. The zero time means no handshake has completed yet.
	LastHandshake(ctx context.Context, iface string) (time.Time, error)
}
