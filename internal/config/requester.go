package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RequesterFile is the requester's declarative connection set, hand-edited
// by operators or generated with defaults on first start.
//
//	providers:
//	  - provider: https://mesh.example.com,alice,secret
//	    defaultService: web
//	services:
//	  web:
//	    defaultPort: "8080"
type RequesterFile struct {
	Providers []ProviderEntry    `yaml:"providers" json:"providers"`
	Services  map[string]Service `yaml:"services" json:"services"`
}

// ProviderEntry is one desired provider connection.
type ProviderEntry struct {
	// Provider is the connection string "url[,userId[,authToken]]".
	Provider string `yaml:"provider" json:"provider"`
	// DefaultService names the service traffic for this domain routes to.
	DefaultService string `yaml:"defaultService,omitempty" json:"defaultService,omitempty"`
}

// Service describes one local service the reverse proxy can route to.
type Service struct {
	DefaultPort string `yaml:"defaultPort" json:"defaultPort"`
}

// Requester file validation errors.
var (
	// ErrInvalidRequesterFile wraps every requester file validation failure.
	ErrInvalidRequesterFile = errors.New("invalid requester file")

	// ErrNoProviders indicates the providers list is empty.
	ErrNoProviders = errors.New("at least one provider is required")

	// ErrInvalidProviderURL indicates a connection string not starting with http.
	ErrInvalidProviderURL = errors.New("provider must start with http")

	// ErrInvalidServicePort indicates a port that is not an integer in [1,65535].
	ErrInvalidServicePort = errors.New("defaultPort must be an integer in [1,65535]")
)

// DefaultRequesterFile returns the content written when no requester file
// exists yet: one local provider and a single web service.
func DefaultRequesterFile() RequesterFile {
	return RequesterFile{
		Providers: []ProviderEntry{
			{Provider: "http://127.0.0.1:3000", DefaultService: "casaos"},
		},
		Services: map[string]Service{
			"casaos": {DefaultPort: "8080"},
		},
	}
}

// ValidateRequesterFile checks the declarative file. Every returned error
// wraps ErrInvalidRequesterFile and one specific sentinel.
func ValidateRequesterFile(f *RequesterFile) error {
	if len(f.Providers) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequesterFile, ErrNoProviders)
	}

	for i, p := range f.Providers {
		if !strings.HasPrefix(p.Provider, "http") {
			return fmt.Errorf("%w: providers[%d] %q: %w", ErrInvalidRequesterFile, i, p.Provider, ErrInvalidProviderURL)
		}
	}

	for name, svc := range f.Services {
		port, err := strconv.Atoi(strings.TrimSpace(svc.DefaultPort))
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: services[%s] port %q: %w", ErrInvalidRequesterFile, name, svc.DefaultPort, ErrInvalidServicePort)
		}
	}

	return nil
}

// Connection is a parsed provider connection string.
type Connection struct {
	URL       string
	UserID    string
	AuthToken string
}

// ParseConnection splits "url[,userId[,authToken]]". Missing parts are empty.
func ParseConnection(s string) Connection {
	parts := strings.SplitN(s, ",", 3)
	c := Connection{URL: strings.TrimRight(strings.TrimSpace(parts[0]), "/")}
	if len(parts) > 1 {
		c.UserID = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		c.AuthToken = strings.TrimSpace(parts[2])
	}
	return c
}
