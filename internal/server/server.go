// Package server holds the HTTP plumbing shared by the gomesh listeners:
// middleware, gRPC health checking and server construction.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/grpchealth"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// readHeaderTimeout bounds slow clients on every listener.
const readHeaderTimeout = 10 * time.Second

// WithHealth registers the grpc.health.v1 handler on mux, reporting SERVING
// for the overall server and each named service.
func WithHealth(mux *http.ServeMux, services ...string) {
	checker := grpchealth.NewStaticChecker(append([]string{grpchealth.HealthV1ServiceName}, services...)...)
	mux.Handle(grpchealth.NewHandler(checker))
}

// New creates an http.Server for addr. The handler is wrapped with h2c so
// gRPC health clients can connect over plaintext HTTP/2.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// ListenAndServe creates a TCP listener using lc and serves srv until it is
// shut down. http.ErrServerClosed is not an error.
func ListenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server) error {
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}
