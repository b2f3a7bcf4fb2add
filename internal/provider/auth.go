package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dantte-lp/gomesh/internal/meshproto"
	appversion "github.com/dantte-lp/gomesh/internal/version"
)

// DefaultDomainName is the name handed out when no authorization API is
// configured.
const DefaultDomainName = "test"

const (
	// maxAuthBody bounds the authorization response read.
	maxAuthBody = 64 << 10
	// maxLabel is the DNS label length limit.
	maxLabel = 63
)

// Identity is the mesh identity of an authorized requester.
type Identity struct {
	ServerDomain string
	DomainName   string
}

// Authorizer maps a requester's credentials to its mesh identity.
type Authorizer interface {
	Authorize(ctx context.Context, userID, token string) (Identity, error)
}

// OpenAuthorizer accepts every caller. The domain name is the caller's
// user id reduced to letters and digits, or DefaultDomainName when nothing
// is left of it.
type OpenAuthorizer struct {
	ServerDomain string
}

// Authorize returns the identity derived from userID.
func (a OpenAuthorizer) Authorize(_ context.Context, userID, _ string) (Identity, error) {
	name := labelOf(userID)
	if name == "" {
		name = DefaultDomainName
	}
	return Identity{ServerDomain: a.ServerDomain, DomainName: name}, nil
}

// labelOf keeps the lower-case letters and digits of s. Dashes are dropped
// because get_ip callers encode dots as dashes.
func labelOf(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	label := b.String()
	if len(label) > maxLabel {
		label = label[:maxLabel]
	}
	return label
}

// HTTPAuthorizer checks credentials against an external API with
// GET <BaseURL>/<userId>/<token>.
type HTTPAuthorizer struct {
	BaseURL string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPAuthorizer creates an authorizer for baseURL with a per-request
// timeout.
func NewHTTPAuthorizer(baseURL string, timeout time.Duration) *HTTPAuthorizer {
	return &HTTPAuthorizer{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Client:  &http.Client{},
		Timeout: timeout,
	}
}

// Authorize calls the authorization API. Any non-2xx status or an
// identity with an empty field is reported as ErrInvalidAuthorization;
// transport failures are returned as-is.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, userID, token string) (Identity, error) {
	if userID == "" || token == "" {
		return Identity{}, fmt.Errorf("%w: missing credentials", ErrInvalidAuthorization)
	}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	target := a.BaseURL + "/" + url.PathEscape(userID) + "/" + url.PathEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build authorization request: %w", err)
	}
	req.Header.Set("User-Agent", appversion.UserAgent())
	req.Header.Set("Accept", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Identity{}, fmt.Errorf("authorization request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Identity{}, fmt.Errorf("%w: status %d", ErrInvalidAuthorization, resp.StatusCode)
	}

	var body meshproto.AuthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAuthBody)).Decode(&body); err != nil {
		return Identity{}, fmt.Errorf("%w: decode response: %w", ErrInvalidAuthorization, err)
	}
	if body.ServerDomain == "" || body.DomainName == "" {
		return Identity{}, fmt.Errorf("%w: incomplete identity", ErrInvalidAuthorization)
	}

	return Identity{ServerDomain: body.ServerDomain, DomainName: body.DomainName}, nil
}
