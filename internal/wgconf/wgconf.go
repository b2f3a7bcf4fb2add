// Package wgconf renders and parses WireGuard configuration files.
//
// The provider interface file has two regions separated by PeersMarker:
// a static [Interface] section written once at bootstrap, and a peer
// region regenerated from the in-memory peer table on every mutation.
// Each peer block carries its identity in a "#meta=" JSON comment:
//
//	[Peer]
//	#meta={"name":"alice"}
//	PublicKey = <key>
//	AllowedIPs = 10.16.0.2/32
package wgconf

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// PeersMarker separates the interface section from the peer region.
const PeersMarker = "# Peers list"

const (
	sectionInterface = "[Interface]"
	sectionPeer      = "[Peer]"
	metaPrefix       = "#meta="
)

// Parse errors for peer blocks.
var (
	// ErrMissingMeta indicates a peer block without a #meta line.
	ErrMissingMeta = errors.New("peer block has no #meta line")

	// ErrInvalidMeta indicates a #meta line that is not valid JSON or has
	// an empty name.
	ErrInvalidMeta = errors.New("peer block has invalid #meta")

	// ErrMissingPublicKey indicates a peer block without PublicKey.
	ErrMissingPublicKey = errors.New("peer block has no PublicKey")

	// ErrInvalidAllowedIPs indicates a peer block whose AllowedIPs is absent
	// or not a single IPv4 host prefix.
	ErrInvalidAllowedIPs = errors.New("peer block has invalid AllowedIPs")
)

// -------------------------------------------------------------------------
// Provider Interface File
// -------------------------------------------------------------------------

// Interface is the static [Interface] section of the provider file.
type Interface struct {
	// Address is the gateway address with the mesh prefix length,
	// e.g. 10.16.0.1/16.
	Address    netip.Prefix
	ListenPort int
	PrivateKey string
	PostUp     []string
	PostDown   []string
}

// Meta is the JSON payload of a peer block's #meta line.
type Meta struct {
	Name string `json:"name"`
}

// PeerRecord is one peer block of the provider file.
type PeerRecord struct {
	Name      string
	PublicKey string
	Address   netip.Addr
}

// Render returns the interface section followed by PeersMarker.
func (i Interface) Render() string {
	var b strings.Builder
	b.WriteString(sectionInterface + "\n")
	fmt.Fprintf(&b, "Address = %s\n", i.Address)
	fmt.Fprintf(&b, "ListenPort = %d\n", i.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", i.PrivateKey)
	for _, cmd := range i.PostUp {
		fmt.Fprintf(&b, "PostUp = %s\n", cmd)
	}
	for _, cmd := range i.PostDown {
		fmt.Fprintf(&b, "PostDown = %s\n", cmd)
	}
	b.WriteString("\n" + PeersMarker + "\n")
	return b.String()
}

// RenderPeer returns the text block for one peer.
func RenderPeer(p PeerRecord) (string, error) {
	meta, err := json.Marshal(Meta{Name: p.Name})
	if err != nil {
		return "", fmt.Errorf("marshal meta for %q: %w", p.Name, err)
	}

	var b strings.Builder
	b.WriteString(sectionPeer + "\n")
	b.WriteString(metaPrefix)
	b.Write(meta)
	b.WriteString("\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
	fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.Address)
	return b.String(), nil
}

// Split separates file content into the base (everything up to and
// including the marker line) and the peer region after it. Content
// without a marker is treated as base only; the marker is appended.
func Split(content string) (base, peers string) {
	idx := strings.Index(content, PeersMarker)
	if idx < 0 {
		base = strings.TrimRight(content, "\n")
		if base != "" {
			base += "\n\n"
		}
		return base + PeersMarker + "\n", ""
	}

	end := idx + len(PeersMarker)
	base = content[:end] + "\n"
	return base, strings.TrimLeft(content[end:], "\n")
}

// Compose joins a base and the rendered peer blocks into file content.
// Peers are written in the order given.
func Compose(base string, peers []PeerRecord) (string, error) {
	var b strings.Builder
	b.WriteString(base)
	for _, p := range peers {
		block, err := RenderPeer(p)
		if err != nil {
			return "", err
		}
		b.WriteString("\n")
		b.WriteString(block)
	}
	return b.String(), nil
}

// ParsePeers parses every [Peer] block of a peer region. Well-formed
// blocks are returned in file order; each malformed block contributes one
// error (indexed by block) and is otherwise skipped.
func ParsePeers(region string) ([]PeerRecord, []error) {
	var (
		records []PeerRecord
		errs    []error
	)

	for i, block := range splitBlocks(region) {
		rec, err := parsePeerBlock(block)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer block %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}

	return records, errs
}

// splitBlocks returns the lines of each [Peer] section. Lines before the
// first section header are ignored.
func splitBlocks(region string) [][]string {
	var (
		blocks  [][]string
		current []string
		inPeer  bool
	)

	sc := bufio.NewScanner(strings.NewReader(region))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == sectionPeer {
			if inPeer {
				blocks = append(blocks, current)
			}
			current = nil
			inPeer = true
			continue
		}
		if inPeer && line != "" {
			current = append(current, line)
		}
	}
	if inPeer {
		blocks = append(blocks, current)
	}

	return blocks
}

func parsePeerBlock(lines []string) (PeerRecord, error) {
	var (
		rec     PeerRecord
		hasMeta bool
	)

	for _, line := range lines {
		if raw, ok := strings.CutPrefix(line, metaPrefix); ok {
			var m Meta
			if err := json.Unmarshal([]byte(raw), &m); err != nil {
				return PeerRecord{}, fmt.Errorf("%w: %w", ErrInvalidMeta, err)
			}
			if m.Name == "" {
				return PeerRecord{}, fmt.Errorf("%w: empty name", ErrInvalidMeta)
			}
			rec.Name = m.Name
			hasMeta = true
			continue
		}

		key, value, ok := cutKeyValue(line)
		if !ok {
			continue
		}
		switch key {
		case "PublicKey":
			rec.PublicKey = value
		case "AllowedIPs":
			p, err := netip.ParsePrefix(value)
			if err != nil || !p.Addr().Is4() || p.Bits() != 32 {
				return PeerRecord{}, fmt.Errorf("%w: %q", ErrInvalidAllowedIPs, value)
			}
			rec.Address = p.Addr()
		}
	}

	switch {
	case !hasMeta:
		return PeerRecord{}, ErrMissingMeta
	case rec.PublicKey == "":
		return PeerRecord{}, ErrMissingPublicKey
	case !rec.Address.IsValid():
		return PeerRecord{}, fmt.Errorf("%w: missing", ErrInvalidAllowedIPs)
	}
	return rec, nil
}

// cutKeyValue splits "Key = Value" lines. Comment lines are rejected.
func cutKeyValue(line string) (string, string, bool) {
	if strings.HasPrefix(line, "#") {
		return "", "", false
	}
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

// -------------------------------------------------------------------------
// Requester Local File
// -------------------------------------------------------------------------

// RemotePeer is the provider as seen from a requester's local file.
type RemotePeer struct {
	PublicKey           string
	AllowedIPs          []netip.Prefix
	Endpoint            string
	PersistentKeepalive int
}

// Local is a complete wg-quick file for one requester connection.
type Local struct {
	PrivateKey string
	Addresses  []netip.Prefix
	Peers      []RemotePeer
}

// Render returns the wg-quick text for the connection.
func (l Local) Render() string {
	var b strings.Builder
	b.WriteString(sectionInterface + "\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", l.PrivateKey)
	if len(l.Addresses) > 0 {
		fmt.Fprintf(&b, "Address = %s\n", joinPrefixes(l.Addresses))
	}

	for _, p := range l.Peers {
		b.WriteString("\n" + sectionPeer + "\n")
		fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
		if len(p.AllowedIPs) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", joinPrefixes(p.AllowedIPs))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			b.WriteString("PersistentKeepalive = " + strconv.Itoa(p.PersistentKeepalive) + "\n")
		}
	}
	return b.String()
}

func joinPrefixes(ps []netip.Prefix) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

// ErrInvalidFile indicates a wg-quick file that cannot be applied.
var ErrInvalidFile = errors.New("invalid wireguard config file")

// File is the subset of a wg-quick file a kernel backend can apply
// directly. Keys wg-quick handles itself (DNS, Table, PostUp, ...) are
// ignored.
type File struct {
	PrivateKey string
	ListenPort int
	Addresses  []netip.Prefix
	Peers      []RemotePeer
}

// Parse reads a wg-quick file. Comments, including #meta lines, and
// unknown keys are skipped.
func Parse(content string) (File, error) {
	var (
		f       File
		section string
		peer    *RemotePeer
	)

	flush := func() {
		if peer != nil {
			f.Peers = append(f.Peers, *peer)
			peer = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		switch line {
		case sectionInterface:
			flush()
			section = sectionInterface
			continue
		case sectionPeer:
			flush()
			section = sectionPeer
			peer = &RemotePeer{}
			continue
		}

		key, value, ok := cutKeyValue(line)
		if !ok {
			continue
		}

		var err error
		switch section {
		case sectionInterface:
			err = f.setInterfaceKey(key, value)
		case sectionPeer:
			err = peer.setKey(key, value)
		}
		if err != nil {
			return File{}, fmt.Errorf("line %d: %w: %w", n, ErrInvalidFile, err)
		}
	}
	flush()

	if err := sc.Err(); err != nil {
		return File{}, fmt.Errorf("scan config: %w", err)
	}
	if f.PrivateKey == "" {
		return File{}, fmt.Errorf("%w: no PrivateKey", ErrInvalidFile)
	}
	return f, nil
}

func (f *File) setInterfaceKey(key, value string) error {
	switch key {
	case "PrivateKey":
		f.PrivateKey = value
	case "ListenPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("ListenPort %q: %w", value, err)
		}
		f.ListenPort = port
	case "Address":
		ps, err := parsePrefixList(value)
		if err != nil {
			return fmt.Errorf("Address: %w", err)
		}
		f.Addresses = append(f.Addresses, ps...)
	}
	return nil
}

func (p *RemotePeer) setKey(key, value string) error {
	switch key {
	case "PublicKey":
		p.PublicKey = value
	case "AllowedIPs":
		ps, err := parsePrefixList(value)
		if err != nil {
			return fmt.Errorf("AllowedIPs: %w", err)
		}
		p.AllowedIPs = append(p.AllowedIPs, ps...)
	case "Endpoint":
		p.Endpoint = value
	case "PersistentKeepalive":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("PersistentKeepalive %q: %w", value, err)
		}
		p.PersistentKeepalive = secs
	}
	return nil
}

func parsePrefixList(value string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for field := range strings.SplitSeq(value, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		p, err := netip.ParsePrefix(field)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
