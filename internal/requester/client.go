package requester

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/dantte-lp/gomesh/internal/meshproto"
	appversion "github.com/dantte-lp/gomesh/internal/version"
)

// Sentinel errors for provider calls.
var (
	// ErrProviderUnavailable indicates the provider did not answer the
	// liveness probe within the configured number of attempts.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRegistrationRejected indicates the provider refused or failed the
	// registration, or answered with an unusable configuration.
	ErrRegistrationRejected = errors.New("registration rejected")

	// ErrNotResolved indicates the provider has no route for a host.
	ErrNotResolved = errors.New("host not resolved")
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxResponseBody       = 1 << 20
)

// Client talks to provider control planes.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a Client. hc may be nil; timeout bounds every request.
func NewClient(hc *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    hc,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "requester.client")),
	}
}

// Ping probes GET <base>/api/ping and accepts either liveness reply.
func (c *Client) Ping(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+meshproto.PathPing, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("User-Agent", appversion.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("ping %s: read body: %w", base, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", base, resp.StatusCode)
	}
	if reply := strings.TrimSpace(string(body)); !slices.Contains(meshproto.PingReplies, reply) {
		return fmt.Errorf("ping %s: unexpected reply %q", base, reply)
	}
	return nil
}

// WaitForProvider pings base every interval until it answers. With
// maxRetries > 0 it gives up after that many failed attempts and returns
// ErrProviderUnavailable; otherwise it waits until ctx is done.
func (c *Client) WaitForProvider(ctx context.Context, base string, interval time.Duration, maxRetries int) error {
	for attempt := 1; ; attempt++ {
		err := c.Ping(ctx, base)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("provider available", slog.String("provider", base), slog.Int("attempts", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("%s after %d attempts: %w", base, attempt, ErrProviderUnavailable)
		}

		c.logger.Info("provider not available, retrying",
			slog.String("provider", base),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Register calls POST <base>/api/register. Any failure after the request
// was sent wraps ErrRegistrationRejected.
func (c *Client) Register(ctx context.Context, base string, in meshproto.RegisterRequest) (meshproto.RegisterResponse, error) {
	var out meshproto.RegisterResponse

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return out, fmt.Errorf("encode registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+meshproto.PathRegister, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", appversion.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("%w: %s: %w", ErrRegistrationRejected, base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return out, fmt.Errorf("%w: %s: read body: %w", ErrRegistrationRejected, base, err)
	}
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: %s: status %d: %s", ErrRegistrationRejected, base, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: decode response: %w", ErrRegistrationRejected, base, err)
	}
	if len(out.WGConfig.WGInterface.Address) == 0 || len(out.WGConfig.Peers) == 0 {
		return out, fmt.Errorf("%w: %s: incomplete tunnel configuration", ErrRegistrationRejected, base)
	}
	return out, nil
}

// Resolve asks the provider where host is served: GET <base>/api/get_ip/<host>.
// A 404 wraps ErrNotResolved.
func (c *Client) Resolve(ctx context.Context, base, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+meshproto.PathResolve+url.PathEscape(host), nil)
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	req.Header.Set("User-Agent", appversion.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("resolve %s: read body: %w", host, err)
	}
	reply := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusOK:
		return reply, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s: %s", ErrNotResolved, host, reply)
	default:
		return "", fmt.Errorf("resolve %s: status %d: %s", host, resp.StatusCode, reply)
	}
}
