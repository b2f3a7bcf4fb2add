//go:build !linux

package tunnel

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"
)

// errKernelUnsupported is returned on platforms without in-kernel WireGuard.
var errKernelUnsupported = errors.New("kernel backend is only supported on linux")

// KernelDevice is unavailable outside Linux; use CommandDevice.
type KernelDevice struct{}

// Masquerade describes the NAT and forwarding rules installed on Up.
type Masquerade struct {
	Source       netip.Prefix
	OutInterface string
}

// KernelOption configures a KernelDevice.
type KernelOption func(*KernelDevice)

// WithMasquerade is accepted for API parity and ignored.
func WithMasquerade(Masquerade) KernelOption {
	return func(*KernelDevice) {}
}

// NewKernelDevice always fails outside Linux.
func NewKernelDevice(string, *slog.Logger, ...KernelOption) (*KernelDevice, error) {
	return nil, errKernelUnsupported
}

func (*KernelDevice) Close() error { return nil }

func (*KernelDevice) Up(context.Context, string) error { return errKernelUnsupported }

func (*KernelDevice) Down(context.Context, string) error { return errKernelUnsupported }

func (*KernelDevice) RemovePeer(context.Context, string, string) error {
	return errKernelUnsupported
}

func (*KernelDevice) ApplyPeer(context.Context, string, string, netip.Addr) error {
	return errKernelUnsupported
}

func (*KernelDevice) LastHandshake(context.Context, string) (time.Time, error) {
	return time.Time{}, errKernelUnsupported
}
