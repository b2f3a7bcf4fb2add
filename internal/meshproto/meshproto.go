// Package meshproto defines the JSON messages exchanged between requesters
// and a provider's control plane.
package meshproto

// HTTP routes served by the provider.
const (
	PathRegister = "/api/register"
	PathPing     = "/api/ping"
	PathResolve  = "/api/get_ip/"
)

// PingReplies lists the liveness bodies a requester accepts.
var PingReplies = []string{"pong", "ok"}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	UserID       string `json:"userId"`
	VPNPublicKey string `json:"vpnPublicKey"`
	AuthToken    string `json:"authToken"`
}

// RegisterResponse is the body returned for a successful registration.
type RegisterResponse struct {
	WGConfig     WGConfig `json:"wgConfig"`
	ServerIP     string   `json:"serverIp"`
	ServerDomain string   `json:"serverDomain"`
	DomainName   string   `json:"domainName"`
	Domain       string   `json:"domain"`
}

// WGConfig is the requester-side tunnel configuration minus the private
// key, which never leaves the requester.
type WGConfig struct {
	WGInterface WGInterface `json:"wgInterface"`
	Peers       []WGPeer    `json:"peers"`
}

// WGInterface carries the requester's mesh address.
type WGInterface struct {
	Address []string `json:"address"`
}

// WGPeer describes the provider as a WireGuard peer.
type WGPeer struct {
	PublicKey           string   `json:"publicKey"`
	AllowedIPs          []string `json:"allowedIps"`
	Endpoint            string   `json:"endpoint"`
	PersistentKeepalive int      `json:"persistentKeepalive"`
}

// AuthResponse is the identity returned by the external authorization API.
type AuthResponse struct {
	ServerDomain string `json:"serverDomain"`
	DomainName   string `json:"domainName"`
}
