// Package config manages gomesh daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags. The requester's
// declarative connection file is described here too (RequesterFile) but is
// owned at runtime by a configstore.Store.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Daemon roles.
const (
	RoleProvider  = "provider"
	RoleRequester = "requester"
)

// Tunnel backends.
const (
	// BackendCommand drives interfaces through wg and wg-quick.
	BackendCommand = "command"
	// BackendKernel drives interfaces through netlink and wgctrl.
	BackendKernel = "kernel"
)

// Config holds the complete gomesh configuration.
type Config struct {
	// Role selects which side of the mesh this process runs.
	Role      string          `koanf:"role"`
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Provider  ProviderConfig  `koanf:"provider"`
	Requester RequesterConfig `koanf:"requester"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ProviderConfig holds the provider control plane settings.
type ProviderConfig struct {
	// Addr is the control-plane HTTP listen address (e.g., ":3000").
	Addr string `koanf:"addr"`

	// Interface is the shared WireGuard interface name.
	Interface string `koanf:"interface"`

	// ConfigDir holds the interface config and the provider key files.
	ConfigDir string `koanf:"config_dir"`

	// AddressRange is the IPv4 CIDR handed out to peers.
	AddressRange string `koanf:"address_range"`

	// Gateway is the provider's own mesh address. Empty means the first
	// host address of AddressRange.
	Gateway string `koanf:"gateway"`

	// ListenPort is the WireGuard UDP port.
	ListenPort int `koanf:"listen_port"`

	// AnnouncedDomain is the public domain peers are exposed under.
	AnnouncedDomain string `koanf:"announced_domain"`

	// Endpoint is the host:port announced to peers. Empty means
	// AnnouncedDomain:ListenPort.
	Endpoint string `koanf:"endpoint"`

	// Keepalive is the persistent keepalive announced to peers.
	Keepalive time.Duration `koanf:"keepalive"`

	// AuthAPIURL enables external authorization when non-empty.
	AuthAPIURL string `koanf:"auth_api_url"`

	// OutInterface is the uplink used by the masquerade rule.
	OutInterface string `koanf:"out_interface"`

	// Backend selects the tunnel implementation: "command" or "kernel".
	Backend string `koanf:"backend"`

	// RequestTimeout bounds calls to the authorization API.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// CommandTimeout bounds every tunnel command.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// RegisterRate is the sustained registrations per second accepted.
	RegisterRate float64 `koanf:"register_rate"`

	// RegisterBurst is the registration burst size.
	RegisterBurst int `koanf:"register_burst"`
}

// RequesterConfig holds the requester reconciler settings.
type RequesterConfig struct {
	// File is the declarative connection file (see RequesterFile).
	File string `koanf:"file"`

	// TunnelDir receives one wg_<id>.conf per connection.
	TunnelDir string `koanf:"tunnel_dir"`

	// MetadataDir receives routing metadata for the reverse proxy.
	MetadataDir string `koanf:"metadata_dir"`

	// KeysDir persists one key pair per provider. Empty disables reuse.
	KeysDir string `koanf:"keys_dir"`

	// Backend selects the tunnel implementation: "command" or "kernel".
	Backend string `koanf:"backend"`

	// PollInterval is the delay between provider liveness probes.
	PollInterval time.Duration `koanf:"poll_interval"`

	// MaxRetries caps liveness probes. Zero retries forever.
	MaxRetries int `koanf:"max_retries"`

	// RequestTimeout bounds every HTTP call to a provider.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// CommandTimeout bounds every tunnel command.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// HandshakeInterval is the handshake monitor tick.
	HandshakeInterval time.Duration `koanf:"handshake_interval"`

	// HandshakeThreshold is the age after which a handshake is stale.
	HandshakeThreshold time.Duration `koanf:"handshake_threshold"`

	// PingGateway enables the post-connect reachability probe.
	PingGateway bool `koanf:"ping_gateway"`

	// PingCount is the number of echo requests sent by the probe.
	PingCount int `koanf:"ping_count"`
}

// GatewayAddr returns the provider's mesh address: Gateway when set,
// otherwise the first host address of AddressRange.
func (pc ProviderConfig) GatewayAddr() (netip.Addr, error) {
	if pc.Gateway != "" {
		addr, err := netip.ParseAddr(pc.Gateway)
		if err != nil {
			return netip.Addr{}, fmt.Errorf("parse provider gateway %q: %w", pc.Gateway, err)
		}
		return addr, nil
	}

	prefix, err := netip.ParsePrefix(pc.AddressRange)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse provider address range %q: %w", pc.AddressRange, err)
	}
	return prefix.Masked().Addr().Next(), nil
}

// AnnouncedEndpoint returns Endpoint, or AnnouncedDomain:ListenPort when
// no explicit endpoint is configured.
func (pc ProviderConfig) AnnouncedEndpoint() string {
	if pc.Endpoint != "" {
		return pc.Endpoint
	}
	return fmt.Sprintf("%s:%d", pc.AnnouncedDomain, pc.ListenPort)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The handshake threshold must stay well above the keepalive announced by
// providers; WireGuard re-handshakes every two minutes on an active link,
// so five minutes without one means the tunnel is dead.
func DefaultConfig() *Config {
	return &Config{
		Role: RoleProvider,
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Provider: ProviderConfig{
			Addr:           ":3000",
			Interface:      "wg0",
			ConfigDir:      "/etc/wireguard",
			AddressRange:   "10.16.0.0/16",
			ListenPort:     51820,
			Keepalive:      60 * time.Second,
			OutInterface:   "eth0",
			Backend:        BackendCommand,
			RequestTimeout: 10 * time.Second,
			CommandTimeout: 30 * time.Second,
			RegisterRate:   5,
			RegisterBurst:  10,
		},
		Requester: RequesterConfig{
			File:               "/etc/gomesh/requester.yml",
			TunnelDir:          "/etc/wireguard",
			MetadataDir:        "/var/run/meta",
			KeysDir:            ".wg-keys",
			Backend:            BackendCommand,
			PollInterval:       5 * time.Second,
			RequestTimeout:     10 * time.Second,
			CommandTimeout:     30 * time.Second,
			HandshakeInterval:  5 * time.Minute,
			HandshakeThreshold: 5 * time.Minute,
			PingGateway:        true,
			PingCount:          4,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gomesh configuration.
// Variables are named GOMESH_<section>_<key>, e.g., GOMESH_LOG_LEVEL.
const envPrefix = "GOMESH_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOMESH_ prefix), and merges on top of DefaultConfig().
// An empty path skips the file layer. Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOMESH_ROLE                       -> role
//	GOMESH_LOG_LEVEL                  -> log.level
//	GOMESH_METRICS_ADDR               -> metrics.addr
//	GOMESH_PROVIDER_ANNOUNCED_DOMAIN  -> provider.announced_domain
//	GOMESH_REQUESTER_MAX_RETRIES      -> requester.max_retries
//
// The first underscore after the prefix separates the section from the key;
// the remaining underscores are part of the key.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOMESH_PROVIDER_AUTH_API_URL -> provider.auth_api_url.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, key, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + key
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	p, r := defaults.Provider, defaults.Requester
	defaultMap := map[string]any{
		"role":                          defaults.Role,
		"metrics.addr":                  defaults.Metrics.Addr,
		"metrics.path":                  defaults.Metrics.Path,
		"log.level":                     defaults.Log.Level,
		"log.format":                    defaults.Log.Format,
		"provider.addr":                 p.Addr,
		"provider.interface":            p.Interface,
		"provider.config_dir":           p.ConfigDir,
		"provider.address_range":        p.AddressRange,
		"provider.listen_port":          p.ListenPort,
		"provider.keepalive":            p.Keepalive.String(),
		"provider.out_interface":        p.OutInterface,
		"provider.backend":              p.Backend,
		"provider.request_timeout":      p.RequestTimeout.String(),
		"provider.command_timeout":      p.CommandTimeout.String(),
		"provider.register_rate":        p.RegisterRate,
		"provider.register_burst":       p.RegisterBurst,
		"requester.file":                r.File,
		"requester.tunnel_dir":          r.TunnelDir,
		"requester.metadata_dir":        r.MetadataDir,
		"requester.keys_dir":            r.KeysDir,
		"requester.backend":             r.Backend,
		"requester.poll_interval":       r.PollInterval.String(),
		"requester.request_timeout":     r.RequestTimeout.String(),
		"requester.command_timeout":     r.CommandTimeout.String(),
		"requester.handshake_interval":  r.HandshakeInterval.String(),
		"requester.handshake_threshold": r.HandshakeThreshold.String(),
		"requester.ping_gateway":        r.PingGateway,
		"requester.ping_count":          r.PingCount,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidRole indicates role is neither provider nor requester.
	ErrInvalidRole = errors.New("role must be provider or requester")

	// ErrInvalidBackend indicates an unknown tunnel backend.
	ErrInvalidBackend = errors.New("backend must be command or kernel")

	// ErrEmptyProviderAddr indicates the control-plane listen address is empty.
	ErrEmptyProviderAddr = errors.New("provider.addr must not be empty")

	// ErrEmptyInterface indicates the provider interface name is empty.
	ErrEmptyInterface = errors.New("provider.interface must not be empty")

	// ErrInvalidAddressRange indicates a malformed or non-IPv4 range.
	ErrInvalidAddressRange = errors.New("provider.address_range must be an IPv4 CIDR")

	// ErrInvalidGateway indicates the gateway lies outside the range.
	ErrInvalidGateway = errors.New("provider.gateway must be a host address inside provider.address_range")

	// ErrInvalidListenPort indicates a port outside 1..65535.
	ErrInvalidListenPort = errors.New("provider.listen_port must be in [1,65535]")

	// ErrEmptyAnnouncedDomain indicates the provider has no public domain.
	ErrEmptyAnnouncedDomain = errors.New("provider.announced_domain must not be empty")

	// ErrInvalidKeepalive indicates a negative keepalive.
	ErrInvalidKeepalive = errors.New("provider.keepalive must be >= 0")

	// ErrInvalidRegisterRate indicates a non-positive rate or burst.
	ErrInvalidRegisterRate = errors.New("provider.register_rate and register_burst must be > 0")

	// ErrEmptyRequesterFile indicates no declarative file path.
	ErrEmptyRequesterFile = errors.New("requester.file must not be empty")

	// ErrInvalidPollInterval indicates a non-positive liveness poll interval.
	ErrInvalidPollInterval = errors.New("requester.poll_interval must be > 0")

	// ErrInvalidMaxRetries indicates a negative retry cap.
	ErrInvalidMaxRetries = errors.New("requester.max_retries must be >= 0")

	// ErrInvalidHandshake indicates a non-positive handshake interval or threshold.
	ErrInvalidHandshake = errors.New("requester.handshake_interval and handshake_threshold must be > 0")

	// ErrInvalidTimeout indicates a non-positive request or command timeout.
	ErrInvalidTimeout = errors.New("request_timeout and command_timeout must be > 0")
)

// Validate checks the configuration for logical errors.
// Only the section of the selected role is checked.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	switch cfg.Role {
	case RoleProvider:
		return validateProvider(cfg.Provider)
	case RoleRequester:
		return validateRequester(cfg.Requester)
	default:
		return fmt.Errorf("role %q: %w", cfg.Role, ErrInvalidRole)
	}
}

func validateProvider(pc ProviderConfig) error {
	if pc.Addr == "" {
		return ErrEmptyProviderAddr
	}
	if pc.Interface == "" {
		return ErrEmptyInterface
	}
	if err := validateBackend(pc.Backend); err != nil {
		return err
	}

	prefix, err := netip.ParsePrefix(pc.AddressRange)
	if err != nil || !prefix.Addr().Is4() {
		return fmt.Errorf("%q: %w", pc.AddressRange, ErrInvalidAddressRange)
	}

	gw, err := pc.GatewayAddr()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGateway, err)
	}
	if !prefix.Masked().Contains(gw) || gw == prefix.Masked().Addr() {
		return fmt.Errorf("%s: %w", gw, ErrInvalidGateway)
	}

	if pc.ListenPort < 1 || pc.ListenPort > 65535 {
		return ErrInvalidListenPort
	}
	if pc.AnnouncedDomain == "" {
		return ErrEmptyAnnouncedDomain
	}
	if pc.Keepalive < 0 {
		return ErrInvalidKeepalive
	}
	if pc.RegisterRate <= 0 || pc.RegisterBurst <= 0 {
		return ErrInvalidRegisterRate
	}
	if pc.RequestTimeout <= 0 || pc.CommandTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

func validateRequester(rc RequesterConfig) error {
	if rc.File == "" {
		return ErrEmptyRequesterFile
	}
	if err := validateBackend(rc.Backend); err != nil {
		return err
	}
	if rc.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if rc.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if rc.HandshakeInterval <= 0 || rc.HandshakeThreshold <= 0 {
		return ErrInvalidHandshake
	}
	if rc.RequestTimeout <= 0 || rc.CommandTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

func validateBackend(backend string) error {
	switch backend {
	case BackendCommand, BackendKernel:
		return nil
	default:
		return fmt.Errorf("%q: %w", backend, ErrInvalidBackend)
	}
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
