package provider

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/server"
)

// HealthService is the grpc.health.v1 service name the API reports.
const HealthService = "gomesh.provider"

// maxRegisterBody bounds the registration request body.
const maxRegisterBody = 64 << 10

// HandlerOptions configures the provider API handler.
type HandlerOptions struct {
	// RootURL is returned when the announced domain itself is resolved.
	RootURL string
	// Limiter throttles POST /api/register. Nil disables throttling.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// RootURL returns the loopback control plane URL for an API listen
// address such as ":3000".
func RootURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		port = "80"
	}
	return "http://127.0.0.1:" + port
}

type api struct {
	cp      *ControlPlane
	rootURL string
	logger  *slog.Logger
}

// NewHandler returns the provider HTTP API: registration, liveness,
// subdomain resolution and gRPC health, wrapped in recovery and access
// logging.
func NewHandler(cp *ControlPlane, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "provider.api"))

	a := &api{cp: cp, rootURL: opts.RootURL, logger: logger}

	var register http.Handler = http.HandlerFunc(a.handleRegister)
	if opts.Limiter != nil {
		register = server.RateLimit(opts.Limiter, logger)(register)
	}

	mux := http.NewServeMux()
	mux.Handle("POST "+meshproto.PathRegister, register)
	mux.HandleFunc("GET "+meshproto.PathPing, a.handlePing)
	mux.HandleFunc("GET "+meshproto.PathResolve+"{host}", a.handleResolve)
	server.WithHealth(mux, HealthService)

	return server.Chain(mux, server.Recovery(logger), server.Logging(logger))
}

func (a *api) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, meshproto.PingReplies[0])
}

func (a *api) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req meshproto.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRegisterBody)).Decode(&req); err != nil {
		a.logger.WarnContext(r.Context(), "malformed registration body",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	// Callers only see a generic failure; the cause stays in the log.
	resp, err := a.cp.Register(r.Context(), req)
	if err != nil {
		a.logger.WarnContext(r.Context(), "registration failed",
			slog.String("user_id", req.UserID),
			slog.String("reason", registerFailureReason(err)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	a.logger.InfoContext(r.Context(), "peer registered",
		slog.String("domain", resp.Domain),
		slog.String("address", strings.Join(resp.WGConfig.WGInterface.Address, ",")),
	)
	writeJSON(w, resp)
}

func registerFailureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrInvalidAuthorization):
		return "unauthorized"
	default:
		return "internal"
	}
}

func (a *api) handleResolve(w http.ResponseWriter, r *http.Request) {
	// Dots do not survive some subdomain label rules, so callers send dashes.
	host := strings.ReplaceAll(r.PathValue("host"), "-", ".")

	res, err := a.cp.Resolve(host)
	switch {
	case errors.Is(err, ErrInvalidDomain):
		http.Error(w, "Invalid domain", http.StatusNotFound)
		return
	case errors.Is(err, ErrNameNotFound):
		http.Error(w, "IP not found", http.StatusNotFound)
		return
	case err != nil:
		a.logger.ErrorContext(r.Context(), "resolve failed",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if res.Root {
		_, _ = io.WriteString(w, a.rootURL)
		return
	}
	_, _ = io.WriteString(w, "http://"+res.Address.String()+":80")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
