// Package commands implements the gomeshctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/meshproto"
	"github.com/dantte-lp/gomesh/internal/requester"
	"github.com/dantte-lp/gomesh/internal/tunnel"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNone   = "-"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatResolution renders the outcome of a resolve call.
func formatResolution(host, target, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(resolutionView{Host: host, Target: target})
	case formatTable:
		return target + "\n", nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRegistration renders a registration response. generated is the
// key pair created for the call, or nil when the caller supplied a key.
func formatRegistration(resp meshproto.RegisterResponse, generated *tunnel.KeyPair, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(registrationToView(resp, generated))
	case formatTable:
		return formatRegistrationTable(resp, generated)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatRequesterFile renders the connections declared in a requester file.
func formatRequesterFile(f config.RequesterFile, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(requesterFileToView(f))
	case formatTable:
		return formatRequesterFileTable(f)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatRegistrationTable(resp meshproto.RegisterResponse, generated *tunnel.KeyPair) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Domain:\t%s\n", resp.Domain)
	fmt.Fprintf(w, "Address:\t%s\n", strings.Join(resp.WGConfig.WGInterface.Address, ", "))
	fmt.Fprintf(w, "Server IP:\t%s\n", resp.ServerIP)
	for _, p := range resp.WGConfig.Peers {
		fmt.Fprintf(w, "Server Key:\t%s\n", p.PublicKey)
		fmt.Fprintf(w, "Endpoint:\t%s\n", p.Endpoint)
		fmt.Fprintf(w, "Allowed IPs:\t%s\n", strings.Join(p.AllowedIPs, ", "))
		fmt.Fprintf(w, "Keepalive:\t%ds\n", p.PersistentKeepalive)
	}
	if generated != nil {
		fmt.Fprintf(w, "Public Key:\t%s\n", generated.PublicKey)
		fmt.Fprintf(w, "Private Key:\t%s\n", generated.PrivateKey)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatRequesterFileTable(f config.RequesterFile) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tINTERFACE\tUSER\tDEFAULT-SERVICE")

	for _, p := range f.Providers {
		conn := config.ParseConnection(p.Provider)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			conn.URL,
			requester.InterfaceName(conn.URL),
			orNone(conn.UserID),
			orNone(p.DefaultService),
		)
	}

	if len(f.Services) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "SERVICE\tPORT")
		for _, name := range slices.Sorted(maps.Keys(f.Services)) {
			fmt.Fprintf(w, "%s\t%s\n", name, f.Services[name].DefaultPort)
		}
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func orNone(s string) string {
	if s == "" {
		return valueNone
	}
	return s
}

// --- JSON formatters ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// --- JSON view types ---

type resolutionView struct {
	Host   string `json:"host"`
	Target string `json:"target"`
}

type registrationView struct {
	Response   meshproto.RegisterResponse `json:"response"`
	PublicKey  string                     `json:"public_key,omitempty"`
	PrivateKey string                     `json:"private_key,omitempty"`
}

type connectionView struct {
	Provider       string `json:"provider"`
	Interface      string `json:"interface"`
	User           string `json:"user,omitempty"`
	DefaultService string `json:"default_service,omitempty"`
}

type requesterFileView struct {
	Connections []connectionView  `json:"connections"`
	Services    map[string]string `json:"services"`
}

func registrationToView(resp meshproto.RegisterResponse, generated *tunnel.KeyPair) registrationView {
	v := registrationView{Response: resp}
	if generated != nil {
		v.PublicKey = generated.PublicKey
		v.PrivateKey = generated.PrivateKey
	}
	return v
}

// requesterFileToView leaves auth tokens out of the output.
func requesterFileToView(f config.RequesterFile) requesterFileView {
	v := requesterFileView{
		Connections: make([]connectionView, 0, len(f.Providers)),
		Services:    make(map[string]string, len(f.Services)),
	}
	for _, p := range f.Providers {
		conn := config.ParseConnection(p.Provider)
		v.Connections = append(v.Connections, connectionView{
			Provider:       conn.URL,
			Interface:      requester.InterfaceName(conn.URL),
			User:           conn.UserID,
			DefaultService: p.DefaultService,
		})
	}
	for name, svc := range f.Services {
		v.Services[name] = svc.DefaultPort
	}
	return v
}
