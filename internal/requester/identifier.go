package requester

import (
	"path/filepath"
	"strings"
)

const (
	// maxInterfaceName is the kernel limit on interface names (IFNAMSIZ-1).
	maxInterfaceName = 15
	interfacePrefix  = "wg_"
	maxIdentifier    = maxInterfaceName - len(interfacePrefix)
)

// Identifier derives the stable short identifier of a provider URL. The
// same URL always yields the same identifier so a restarted requester
// finds the files of its previous run.
//
// The scheme is dropped, everything but ASCII letters and digits is
// removed and the rest lower-cased. A "wg" prefix is added when the
// result does not start with a letter, and a trailing digit is followed
// by an "x" so the interface name never ends in a number.
func Identifier(providerURL string) string {
	s := strings.TrimPrefix(providerURL, "https://")
	s = strings.TrimPrefix(s, "http://")

	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	id := b.String()

	if id == "" || id[0] < 'a' || id[0] > 'z' {
		id = "wg" + id
	}
	if len(id) > maxIdentifier {
		id = id[:maxIdentifier]
	}
	if last := id[len(id)-1]; last >= '0' && last <= '9' {
		if len(id) >= maxIdentifier {
			id = id[:len(id)-1]
		}
		id += "x"
	}
	return id
}

// InterfaceName returns the tunnel interface name for a provider URL.
func InterfaceName(providerURL string) string {
	return interfacePrefix + Identifier(providerURL)
}

// ConfigPath returns the local tunnel config path for a provider URL.
func ConfigPath(tunnelDir, providerURL string) string {
	return filepath.Join(tunnelDir, InterfaceName(providerURL)+".conf")
}
