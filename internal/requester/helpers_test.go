package requester_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/requester"
)

// -------------------------------------------------------------------------
// Identifier
// -------------------------------------------------------------------------

func TestIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{url: "https://mesh.example.com", want: "meshexamplec"},
		{url: "http://Node-7.io", want: "node7io"},
		{url: "http://a1", want: "a1x"},
		{url: "http://127.0.0.1:3000", want: "wg127001300x"},
		{url: "http://10.0.0.1", want: "wg100001x"},
		{url: "http://", want: "wg"},
		{url: "http://abcdefghijk9", want: "abcdefghijkx"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			got := requester.Identifier(tt.url)
			if got != tt.want {
				t.Errorf("Identifier(%q) = %q, want %q", tt.url, got, tt.want)
			}
			if name := requester.InterfaceName(tt.url); len(name) > 15 {
				t.Errorf("InterfaceName(%q) = %q, longer than 15", tt.url, name)
			}
			if again := requester.Identifier(tt.url); again != got {
				t.Errorf("Identifier(%q) not stable: %q then %q", tt.url, got, again)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	t.Parallel()

	got := requester.ConfigPath("/etc/wireguard", "https://mesh.example.com")
	if got != "/etc/wireguard/wg_meshexamplec.conf" {
		t.Errorf("ConfigPath() = %q", got)
	}
}

// -------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------

func replying(status int, body string) *requester.Client {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
	return requester.NewClient(&http.Client{Transport: handlerTransport{h: h}}, time.Second, discardLogger())
}

func TestPingReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  int
		body    string
		wantErr bool
	}{
		{status: http.StatusOK, body: "pong"},
		{status: http.StatusOK, body: "ok\n"},
		{status: http.StatusOK, body: "nope", wantErr: true},
		{status: http.StatusServiceUnavailable, body: "pong", wantErr: true},
	}

	for _, tt := range tests {
		err := replying(tt.status, tt.body).Ping(context.Background(), alphaURL)
		if (err != nil) != tt.wantErr {
			t.Errorf("Ping(%d %q) error = %v, wantErr %v", tt.status, tt.body, err, tt.wantErr)
		}
	}
}

func TestRegisterRejectsIncompleteResponse(t *testing.T) {
	t.Parallel()

	c := replying(http.StatusOK, `{"serverIp":"10.0.0.1"}`)
	_, err := c.Register(context.Background(), alphaURL, meshproto.RegisterRequest{})
	if !errors.Is(err, requester.ErrRegistrationRejected) {
		t.Errorf("Register() error = %v, want %v", err, requester.ErrRegistrationRejected)
	}
}

func TestWaitForProviderHonoursContext(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		c := replying(http.StatusServiceUnavailable, "")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		start := time.Now()
		err := c.WaitForProvider(ctx, alphaURL, 5*time.Second, 0)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("WaitForProvider() error = %v, want %v", err, context.DeadlineExceeded)
		}
		if elapsed := time.Since(start); elapsed != time.Minute {
			t.Errorf("waited %v, want %v", elapsed, time.Minute)
		}
	})
}

// -------------------------------------------------------------------------
// KeyStore
// -------------------------------------------------------------------------

func TestKeyStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ks := requester.NewKeyStore(dir)

	first, created, err := ks.GetOrGenerate(alphaURL)
	if err != nil || !created {
		t.Fatalf("GetOrGenerate() = %v, created %v", err, created)
	}
	if !first.Valid() {
		t.Fatal("generated key pair does not validate")
	}

	again, created, err := requester.NewKeyStore(dir).GetOrGenerate(alphaURL)
	if err != nil || created {
		t.Fatalf("second GetOrGenerate() = %v, created %v", err, created)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("key pair changed (-first +again):\n%s", diff)
	}

	if base := filepath.Base(ks.Path(alphaURL)); base != "http%3A%2F%2Falpha.example.json" {
		t.Errorf("key file = %q", base)
	}
	info, err := os.Stat(ks.Path(alphaURL))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("key file mode = %o, want 600", perm)
	}

	// A corrupted file is replaced.
	if err := os.WriteFile(ks.Path(alphaURL), []byte("{}"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	replaced, created, err := ks.GetOrGenerate(alphaURL)
	if err != nil || !created || replaced.PublicKey == first.PublicKey {
		t.Errorf("GetOrGenerate() on corrupt file = %v, created %v", err, created)
	}
}

// -------------------------------------------------------------------------
// MetadataWriter
// -------------------------------------------------------------------------

func TestMetadataWriterOrdering(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := requester.NewMetadataWriter(dir)

	for _, d := range []string{"b.example.com", "a.example.com", "web.sub.example.com"} {
		if err := w.AddDomain(d, "web"); err != nil {
			t.Fatalf("AddDomain(%s): %v", d, err)
		}
	}

	want := []string{"web.sub.example.com", "a.example.com", "b.example.com"}
	if diff := cmp.Diff(want, w.Routing().Domain); diff != "" {
		t.Errorf("Routing().Domain mismatch (-want +got):\n%s", diff)
	}

	// A new writer picks up the existing routing file.
	reloaded := requester.NewMetadataWriter(dir)
	if diff := cmp.Diff(want, reloaded.Routing().Domain); diff != "" {
		t.Errorf("reloaded domains mismatch (-want +got):\n%s", diff)
	}

	if err := reloaded.RemoveDomain("a.example.com"); err != nil {
		t.Fatalf("RemoveDomain: %v", err)
	}
	if err := reloaded.RemoveDomain("missing.example.com"); err != nil {
		t.Errorf("RemoveDomain(missing) = %v, want nil", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "a.example.com") {
		t.Errorf("removed domain still in routing file:\n%s", data)
	}
}

func TestWriteServices(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := requester.NewMetadataWriter(dir)

	err := w.WriteServices(map[string]config.Service{
		"web": {DefaultPort: "8080"},
		"api": {DefaultPort: "9000"},
	})
	if err != nil {
		t.Fatalf("WriteServices: %v", err)
	}
	for name, port := range map[string]string{"web": "8080", "api": "9000"} {
		data, err := os.ReadFile(filepath.Join(dir, name+".json"))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(data), `"defaultPort": "`+port+`"`) {
			t.Errorf("%s.json = %s, want defaultPort %s", name, data, port)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	ok := replying(http.StatusOK, "http://10.0.0.2:80\n")
	got, err := ok.Resolve(context.Background(), alphaURL, "svc-alpha-example")
	if err != nil || got != "http://10.0.0.2:80" {
		t.Errorf("Resolve() = %q, %v, want http://10.0.0.2:80", got, err)
	}

	missing := replying(http.StatusNotFound, "IP not found")
	if _, err := missing.Resolve(context.Background(), alphaURL, "nope"); !errors.Is(err, requester.ErrNotResolved) {
		t.Errorf("Resolve() error = %v, want %v", err, requester.ErrNotResolved)
	}

	broken := replying(http.StatusInternalServerError, "Internal error")
	if _, err := broken.Resolve(context.Background(), alphaURL, "x"); err == nil || errors.Is(err, requester.ErrNotResolved) {
		t.Errorf("Resolve() error = %v, want a non-resolution error", err)
	}
}
