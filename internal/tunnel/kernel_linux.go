//go:build linux

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/coreos/go-iptables/iptables"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dantte-lp/gomesh/internal/wgconf"
)

// wireguardLinkType is the rtnetlink kind of a WireGuard interface.
const wireguardLinkType = "wireguard"

// KernelDevice implements Device against the in-kernel WireGuard module,
// configuring links with netlink and peers with wgctrl. Interface config
// files at <configDir>/<iface>.conf are parsed instead of handed to
// wg-quick, so PostUp/PostDown lines are not executed; use WithMasquerade
// for the forwarding rules they usually carry.
type KernelDevice struct {
	configDir  string
	client     *wgctrl.Client
	masquerade *Masquerade
	logger     *slog.Logger
}

// Masquerade describes the NAT and forwarding rules installed on Up.
type Masquerade struct {
	// Source is the mesh prefix to masquerade.
	Source netip.Prefix
	// OutInterface is the uplink interface, e.g. "eth0".
	OutInterface string
}

// KernelOption configures a KernelDevice.
type KernelOption func(*KernelDevice)

// WithMasquerade installs iptables MASQUERADE and FORWARD rules on Up and
// removes them on Down.
func WithMasquerade(m Masquerade) KernelOption {
	return func(d *KernelDevice) {
		d.masquerade = &m
	}
}

// NewKernelDevice opens a wgctrl client. Close releases it.
func NewKernelDevice(configDir string, logger *slog.Logger, opts ...KernelOption) (*KernelDevice, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl client: %w", err)
	}

	d := &KernelDevice{
		configDir: configDir,
		client:    client,
		logger:    logger.With(slog.String("component", "tunnel.kernel")),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close releases the wgctrl client.
func (d *KernelDevice) Close() error {
	return d.client.Close()
}

// Up creates the link if needed, assigns addresses, applies the key and
// peers from the config file, adds routes for peer allowed IPs and sets
// the link up.
func (d *KernelDevice) Up(_ context.Context, iface string) error {
	raw, err := os.ReadFile(filepath.Join(d.configDir, iface+".conf"))
	if err != nil {
		return fmt.Errorf("read config for %s: %w", iface, err)
	}
	file, err := wgconf.Parse(string(raw))
	if err != nil {
		return fmt.Errorf("parse config for %s: %w", iface, err)
	}

	link, err := d.ensureLink(iface)
	if err != nil {
		return err
	}

	for _, p := range file.Addresses {
		addr, aErr := netlink.ParseAddr(p.String())
		if aErr != nil {
			return fmt.Errorf("parse address %s: %w", p, aErr)
		}
		if aErr := netlink.AddrReplace(link, addr); aErr != nil {
			return fmt.Errorf("assign %s to %s: %w: %w", p, iface, ErrCommandFailed, aErr)
		}
	}

	cfg, err := deviceConfig(file)
	if err != nil {
		return err
	}
	if err := d.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("configure %s: %w: %w", iface, ErrCommandFailed, err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w: %w", iface, ErrCommandFailed, err)
	}

	for _, peer := range file.Peers {
		for _, p := range peer.AllowedIPs {
			route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(p.Masked())}
			if err := netlink.RouteReplace(route); err != nil {
				return fmt.Errorf("route %s via %s: %w: %w", p, iface, ErrCommandFailed, err)
			}
		}
	}

	if d.masquerade != nil {
		if err := d.applyMasquerade(iface, true); err != nil {
			return err
		}
	}

	d.logger.Info("interface up",
		slog.String("iface", iface),
		slog.Int("peers", len(file.Peers)),
	)
	return nil
}

// Down removes forwarding rules and deletes the link.
func (d *KernelDevice) Down(_ context.Context, iface string) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		if _, ok := errors.AsType[netlink.LinkNotFoundError](err); ok {
			return fmt.Errorf("%s: %w", iface, ErrNoSuchInterface)
		}
		return fmt.Errorf("lookup %s: %w: %w", iface, ErrCommandFailed, err)
	}

	if d.masquerade != nil {
		if err := d.applyMasquerade(iface, false); err != nil {
			d.logger.Warn("failed to remove forwarding rules",
				slog.String("iface", iface),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete %s: %w: %w", iface, ErrCommandFailed, err)
	}
	return nil
}

// ApplyPeer replaces the allowed IPs of one peer.
func (d *KernelDevice) ApplyPeer(_ context.Context, iface, publicKey string, addr netip.Addr) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        []net.IPNet{*prefixToIPNet(netip.PrefixFrom(addr, 32))},
		}},
	}
	if err := d.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("apply peer on %s: %w: %w", iface, ErrCommandFailed, err)
	}
	return nil
}

// RemovePeer removes one peer.
func (d *KernelDevice) RemovePeer(_ context.Context, iface, publicKey string) error {
	key, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	cfg := wgtypes.Config{
		Peers: []wgtypes.PeerConfig{{PublicKey: key, Remove: true}},
	}
	if err := d.client.ConfigureDevice(iface, cfg); err != nil {
		return fmt.Errorf("remove peer on %s: %w: %w", iface, ErrCommandFailed, err)
	}
	return nil
}

// LastHandshake returns the newest peer handshake on iface.
func (d *KernelDevice) LastHandshake(_ context.Context, iface string) (time.Time, error) {
	dev, err := d.client.Device(iface)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%s: %w", iface, ErrNoSuchInterface)
		}
		return time.Time{}, fmt.Errorf("query %s: %w: %w", iface, ErrCommandFailed, err)
	}

	var latest time.Time
	for _, p := range dev.Peers {
		if p.LastHandshakeTime.After(latest) {
			latest = p.LastHandshakeTime
		}
	}
	return latest, nil
}

func (d *KernelDevice) ensureLink(iface string) (netlink.Link, error) {
	link, err := netlink.LinkByName(iface)
	if err == nil {
		return link, nil
	}
	if _, ok := errors.AsType[netlink.LinkNotFoundError](err); !ok {
		return nil, fmt.Errorf("lookup %s: %w: %w", iface, ErrCommandFailed, err)
	}

	link = &netlink.GenericLink{
		LinkAttrs: netlink.LinkAttrs{Name: iface},
		LinkType:  wireguardLinkType,
	}
	if err := netlink.LinkAdd(link); err != nil {
		return nil, fmt.Errorf("create %s: %w: %w", iface, ErrCommandFailed, err)
	}

	// Re-read to pick up the kernel-assigned index.
	link, err = netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w: %w", iface, ErrCommandFailed, err)
	}
	return link, nil
}

func (d *KernelDevice) applyMasquerade(iface string, add bool) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("open iptables: %w: %w", ErrCommandFailed, err)
	}

	rules := []struct {
		table, chain string
		spec         []string
	}{
		{"filter", "FORWARD", []string{"-i", iface, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", iface, "-j", "ACCEPT"}},
		{"nat", "POSTROUTING", []string{
			"-s", d.masquerade.Source.String(), "-o", d.masquerade.OutInterface, "-j", "MASQUERADE",
		}},
	}

	for _, r := range rules {
		if add {
			err = ipt.AppendUnique(r.table, r.chain, r.spec...)
		} else {
			err = ipt.DeleteIfExists(r.table, r.chain, r.spec...)
		}
		if err != nil {
			return fmt.Errorf("iptables %s/%s: %w: %w", r.table, r.chain, ErrCommandFailed, err)
		}
	}
	return nil
}

// deviceConfig converts a parsed file into a full wgtypes.Config that
// replaces every existing peer.
func deviceConfig(f wgconf.File) (wgtypes.Config, error) {
	priv, err := wgtypes.ParseKey(f.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("private key: %w: %w", ErrInvalidKey, err)
	}

	cfg := wgtypes.Config{
		PrivateKey:   &priv,
		ReplacePeers: true,
	}
	if f.ListenPort > 0 {
		port := f.ListenPort
		cfg.ListenPort = &port
	}

	for _, p := range f.Peers {
		key, err := wgtypes.ParseKey(p.PublicKey)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("peer key: %w: %w", ErrInvalidKey, err)
		}

		pc := wgtypes.PeerConfig{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
		}
		for _, ip := range p.AllowedIPs {
			pc.AllowedIPs = append(pc.AllowedIPs, *prefixToIPNet(ip.Masked()))
		}
		if p.Endpoint != "" {
			ep, err := net.ResolveUDPAddr("udp", p.Endpoint)
			if err != nil {
				return wgtypes.Config{}, fmt.Errorf("resolve endpoint %s: %w", p.Endpoint, err)
			}
			pc.Endpoint = ep
		}
		if p.PersistentKeepalive > 0 {
			ka := time.Duration(p.PersistentKeepalive) * time.Second
			pc.PersistentKeepaliveInterval = &ka
		}
		cfg.Peers = append(cfg.Peers, pc)
	}

	return cfg, nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
