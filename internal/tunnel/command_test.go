package tunnel_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/gomesh/internal/tunnel"
)

// recordingRunner captures command lines and replays canned output.
type recordingRunner struct {
	mu     sync.Mutex
	calls  []string
	output []byte
	err    error
}

func (r *recordingRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return r.output, r.err
}

func newTestDevice(r *recordingRunner) *tunnel.CommandDevice {
	return tunnel.NewCommandDevice("/etc/wireguard", slog.New(slog.DiscardHandler),
		tunnel.WithRunner(r.run),
		tunnel.WithCommandTimeout(time.Second),
	)
}

func mustKey(t *testing.T) string {
	t.Helper()
	kp, err := tunnel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp.PublicKey
}

func TestCommandDeviceCommandLines(t *testing.T) {
	t.Parallel()

	r := &recordingRunner{}
	d := newTestDevice(r)
	ctx := context.Background()
	key := mustKey(t)

	if err := d.Up(ctx, "wg_example"); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := d.ApplyPeer(ctx, "wg0", key, netip.MustParseAddr("10.16.0.2")); err != nil {
		t.Fatalf("ApplyPeer: %v", err)
	}
	if err := d.RemovePeer(ctx, "wg0", key); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if err := d.Down(ctx, "wg_example"); err != nil {
		t.Fatalf("Down: %v", err)
	}

	want := []string{
		"wg-quick up /etc/wireguard/wg_example.conf",
		"wg set wg0 peer " + key + " allowed-ips 10.16.0.2/32",
		"wg set wg0 peer " + key + " remove",
		"wg-quick down /etc/wireguard/wg_example.conf",
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("command lines mismatch (-want +got):\n%s", diff)
	}
}

func TestCommandDeviceRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	r := &recordingRunner{}
	d := newTestDevice(r)

	err := d.ApplyPeer(context.Background(), "wg0", "not a key; rm -rf /", netip.MustParseAddr("10.16.0.2"))
	if !errors.Is(err, tunnel.ErrInvalidKey) {
		t.Errorf("ApplyPeer() error = %v, want %v", err, tunnel.ErrInvalidKey)
	}
	if len(r.calls) != 0 {
		t.Errorf("runner called %d times, want 0", len(r.calls))
	}
}

func TestCommandDeviceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   error
	}{
		{name: "generic", output: "Unable to modify interface: Operation not permitted", want: tunnel.ErrCommandFailed},
		{name: "missing wg-quick", output: "wg-quick: `wg_x' is not a WireGuard interface", want: tunnel.ErrNoSuchInterface},
		{name: "missing wg show", output: "Unable to access interface: No such device", want: tunnel.ErrNoSuchInterface},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &recordingRunner{output: []byte(tt.output), err: errors.New("exit status 1")}
			err := newTestDevice(r).Down(context.Background(), "wg_x")
			if !errors.Is(err, tt.want) {
				t.Errorf("Down() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCommandDeviceLastHandshake(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   time.Time
	}{
		{name: "no peers", output: "", want: time.Time{}},
		{name: "never", output: "a2V5\t0\n", want: time.Time{}},
		{name: "newest wins", output: "a2V5\t1700000000\nYjJW\t1700000500\n", want: time.Unix(1700000500, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := &recordingRunner{output: []byte(tt.output)}
			got, err := newTestDevice(r).LastHandshake(context.Background(), "wg_x")
			if err != nil {
				t.Fatalf("LastHandshake: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("LastHandshake() = %v, want %v", got, tt.want)
			}
			if r.calls[0] != "wg show wg_x latest-handshakes" {
				t.Errorf("command = %q, want wg show wg_x latest-handshakes", r.calls[0])
			}
		})
	}
}

func TestKeyPair(t *testing.T) {
	t.Parallel()

	kp, err := tunnel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if !kp.Valid() {
		t.Errorf("generated key pair is not valid: %+v", kp)
	}

	pub, err := tunnel.PublicKeyOf(kp.PrivateKey)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}
	if pub != kp.PublicKey {
		t.Errorf("PublicKeyOf() = %q, want %q", pub, kp.PublicKey)
	}

	other, err := tunnel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	mixed := tunnel.KeyPair{PrivateKey: kp.PrivateKey, PublicKey: other.PublicKey}
	if mixed.Valid() {
		t.Error("mismatched key pair reported valid")
	}

	if err := tunnel.ValidateKey("short"); !errors.Is(err, tunnel.ErrInvalidKey) {
		t.Errorf("ValidateKey(short) error = %v, want %v", err, tunnel.ErrInvalidKey)
	}
}

func TestFakeFailureInjection(t *testing.T) {
	t.Parallel()

	f := tunnel.NewFake()
	ctx := context.Background()
	boom := errors.New("boom")

	f.Fail(tunnel.OpApplyPeer, boom)
	err := f.ApplyPeer(ctx, "wg0", "k", netip.MustParseAddr("10.16.0.2"))
	if !errors.Is(err, boom) || !errors.Is(err, tunnel.ErrCommandFailed) {
		t.Errorf("ApplyPeer() error = %v, want %v wrapping %v", err, tunnel.ErrCommandFailed, boom)
	}
	if len(f.Peers("wg0")) != 0 {
		t.Errorf("Peers() = %v after failed apply, want empty", f.Peers("wg0"))
	}

	f.Fail(tunnel.OpApplyPeer, nil)
	if err := f.ApplyPeer(ctx, "wg0", "k", netip.MustParseAddr("10.16.0.2")); err != nil {
		t.Fatalf("ApplyPeer after clear: %v", err)
	}
	if got := f.Peers("wg0")["k"]; got != netip.MustParseAddr("10.16.0.2") {
		t.Errorf("Peers()[k] = %v, want 10.16.0.2", got)
	}

	if err := f.Down(ctx, "wg_missing"); !errors.Is(err, tunnel.ErrNoSuchInterface) {
		t.Errorf("Down(missing) error = %v, want %v", err, tunnel.ErrNoSuchInterface)
	}
}
