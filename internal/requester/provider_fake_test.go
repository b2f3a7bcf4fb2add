package requester_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/requester"
	"github.com/dantte-lp/gomesh/internal/tunnel"
)

// fakeProviders answers the provider API for any number of hosts without
// opening sockets. Hosts are the Host header of each request.
type fakeProviders struct {
	t         *testing.T
	serverKey string

	mu         sync.Mutex
	down       map[string]int
	reject     map[string]bool
	pings      map[string]int
	registered map[string][]meshproto.RegisterRequest
	next       int
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	kp, err := tunnel.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return &fakeProviders{
		t:          t,
		serverKey:  kp.PublicKey,
		down:       make(map[string]int),
		reject:     make(map[string]bool),
		pings:      make(map[string]int),
		registered: make(map[string][]meshproto.RegisterRequest),
		next:       2,
	}
}

// setDown makes the next n pings to host fail. A negative n fails forever.
func (f *fakeProviders) setDown(host string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[host] = n
}

func (f *fakeProviders) setReject(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[host] = true
}

func (f *fakeProviders) registrations(host string) []meshproto.RegisterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meshproto.RegisterRequest(nil), f.registered[host]...)
}

func (f *fakeProviders) pingCount(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[host]
}

func (f *fakeProviders) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	host := r.Host
	switch r.URL.Path {
	case meshproto.PathPing:
		f.pings[host]++
		if n := f.down[host]; n != 0 {
			if n > 0 {
				f.down[host] = n - 1
			}
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pong"))

	case meshproto.PathRegister:
		if f.reject[host] {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		var req meshproto.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		f.registered[host] = append(f.registered[host], req)
		addr := fmt.Sprintf("10.0.0.%d/32", f.next)
		f.next++

		name := req.UserID
		if name == "" {
			name = "test"
		}
		_ = json.NewEncoder(w).Encode(meshproto.RegisterResponse{
			WGConfig: meshproto.WGConfig{
				WGInterface: meshproto.WGInterface{Address: []string{addr}},
				Peers: []meshproto.WGPeer{{
					PublicKey:           f.serverKey,
					AllowedIPs:          []string{"10.0.0.0/24"},
					Endpoint:            host + ":51820",
					PersistentKeepalive: 25,
				}},
			},
			ServerIP:     "10.0.0.1",
			ServerDomain: host,
			DomainName:   name,
			Domain:       name + "." + host,
		})

	default:
		http.NotFound(w, r)
	}
}

// handlerTransport serves requests in-process through h.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (f *fakeProviders) client() *requester.Client {
	return requester.NewClient(&http.Client{Transport: handlerTransport{h: f}}, 0, discardLogger())
}

// recordingPinger records probed addresses and can be told to fail.
type recordingPinger struct {
	mu    sync.Mutex
	addrs []string
	err   error
}

func (p *recordingPinger) Ping(_ context.Context, addr string) (requester.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = append(p.addrs, addr)
	if p.err != nil {
		return requester.ProbeResult{Sent: 4}, p.err
	}
	return requester.ProbeResult{Sent: 4, Received: 4}, nil
}

func (p *recordingPinger) probed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.addrs...)
}

// recordingWatcher records Watch and Unwatch calls.
type recordingWatcher struct {
	mu      sync.Mutex
	watched map[string]string
	watches int
}

func (w *recordingWatcher) Watch(connection, iface string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched == nil {
		w.watched = make(map[string]string)
	}
	w.watched[connection] = iface
	w.watches++
}

func (w *recordingWatcher) Unwatch(connection string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, connection)
}

func (w *recordingWatcher) snapshot() (map[string]string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]string, len(w.watched))
	for k, v := range w.watched {
		out[k] = v
	}
	return out, w.watches
}
