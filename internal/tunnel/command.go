package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// defaultCommandTimeout bounds every wg / wg-quick invocation.
const defaultCommandTimeout = 30 * time.Second

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands through os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// CommandDevice implements Device with the wg and wg-quick tools.
// Interface config files live at <ConfigDir>/<iface>.conf.
type CommandDevice struct {
	configDir string
	run       Runner
	timeout   time.Duration
	logger    *slog.Logger
}

// CommandOption configures a CommandDevice.
type CommandOption func(*CommandDevice)

// WithRunner replaces the command runner. Used by tests.
func WithRunner(r Runner) CommandOption {
	return func(d *CommandDevice) {
		d.run = r
	}
}

// WithCommandTimeout sets the per-command timeout.
func WithCommandTimeout(timeout time.Duration) CommandOption {
	return func(d *CommandDevice) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewCommandDevice creates a CommandDevice reading configs from configDir.
func NewCommandDevice(configDir string, logger *slog.Logger, opts ...CommandOption) *CommandDevice {
	d := &CommandDevice{
		configDir: configDir,
		run:       ExecRunner,
		timeout:   defaultCommandTimeout,
		logger:    logger.With(slog.String("component", "tunnel.command")),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ConfigPath returns the config file path for iface.
func (d *CommandDevice) ConfigPath(iface string) string {
	return filepath.Join(d.configDir, iface+".conf")
}

// Up runs wg-quick up on the interface config file.
func (d *CommandDevice) Up(ctx context.Context, iface string) error {
	_, err := d.exec(ctx, "wg-quick", "up", d.ConfigPath(iface))
	return err
}

// Down runs wg-quick down on the interface config file.
func (d *CommandDevice) Down(ctx context.Context, iface string) error {
	_, err := d.exec(ctx, "wg-quick", "down", d.ConfigPath(iface))
	return err
}

// ApplyPeer runs wg set <iface> peer <key> allowed-ips <addr>/32.
func (d *CommandDevice) ApplyPeer(ctx context.Context, iface, publicKey string, addr netip.Addr) error {
	if err := ValidateKey(publicKey); err != nil {
		return err
	}
	_, err := d.exec(ctx, "wg", "set", iface, "peer", publicKey, "allowed-ips", addr.String()+"/32")
	return err
}

// RemovePeer runs wg set <iface> peer <key> remove.
func (d *CommandDevice) RemovePeer(ctx context.Context, iface, publicKey string) error {
	if err := ValidateKey(publicKey); err != nil {
		return err
	}
	_, err := d.exec(ctx, "wg", "set", iface, "peer", publicKey, "remove")
	return err
}

// LastHandshake runs wg show <iface> latest-handshakes and returns the
// newest timestamp.
func (d *CommandDevice) LastHandshake(ctx context.Context, iface string) (time.Time, error) {
	out, err := d.exec(ctx, "wg", "show", iface, "latest-handshakes")
	if err != nil {
		return time.Time{}, err
	}
	return parseLatestHandshakes(out)
}

func (d *CommandDevice) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.logger.Debug("running command",
		slog.String("cmd", name),
		slog.String("args", strings.Join(args, " ")),
	)

	out, err := d.run(ctx, name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if isMissingInterface(msg) {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), ErrNoSuchInterface, msg)
		}
		return out, fmt.Errorf("%s %s: %w: %w: %s", name, strings.Join(args, " "), ErrCommandFailed, err, msg)
	}
	return out, nil
}

// isMissingInterface matches the messages wg and wg-quick print for an
// interface that does not exist.
func isMissingInterface(msg string) bool {
	return strings.Contains(msg, "is not a WireGuard interface") ||
		strings.Contains(msg, "No such device") ||
		strings.Contains(msg, "does not exist")
}

// parseLatestHandshakes parses "<pubkey>\t<unix seconds>" lines.
func parseLatestHandshakes(out []byte) (time.Time, error) {
	var latest int64

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		secs, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse handshake time %q: %w", fields[1], err)
		}
		latest = max(latest, secs)
	}
	if err := sc.Err(); err != nil {
		return time.Time{}, fmt.Errorf("scan handshakes: %w", err)
	}

	if latest == 0 {
		return time.Time{}, nil
	}
	return time.Unix(latest, 0), nil
}
