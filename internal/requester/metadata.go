package requester

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/dantte-lp/gomesh/internal/config"
	"github.com/dantte-lp/gomesh/internal/fsutil"
)

const (
	routingFile  = "config.json"
	metadataMode = 0o644
)

// DomainConfig is the routing entry of one registered domain.
type DomainConfig struct {
	DefaultService string `json:"defaultService,omitempty"`
}

// RoutingMetadata is the file read by the reverse proxy in front of local
// services. Domain is sorted longest first so more specific domains match
// before their parents.
type RoutingMetadata struct {
	Domain []string                `json:"domain"`
	Config map[string]DomainConfig `json:"config"`
}

// MetadataWriter owns the metadata directory: one JSON file per declared
// service and the routing file listing every registered domain.
type MetadataWriter struct {
	dir string

	mu      sync.Mutex
	domains map[string]DomainConfig
}

// NewMetadataWriter creates a writer for dir. Domains already listed in an
// existing routing file are kept.
func NewMetadataWriter(dir string) *MetadataWriter {
	w := &MetadataWriter{dir: dir, domains: make(map[string]DomainConfig)}

	data, err := os.ReadFile(w.RoutingPath())
	if err != nil {
		return w
	}
	var existing RoutingMetadata
	if json.Unmarshal(data, &existing) == nil {
		maps.Copy(w.domains, existing.Config)
	}
	return w
}

// RoutingPath returns the routing file path.
func (w *MetadataWriter) RoutingPath() string {
	return filepath.Join(w.dir, routingFile)
}

// WriteServices writes <dir>/<name>.json for every declared service.
func (w *MetadataWriter) WriteServices(services map[string]config.Service) error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(services)) {
		data, err := json.MarshalIndent(services[name], "", "  ")
		if err != nil {
			errs = append(errs, fmt.Errorf("encode service %s: %w", name, err))
			continue
		}
		if err := fsutil.WriteFile(filepath.Join(w.dir, filepath.Base(name)+".json"), data, metadataMode); err != nil {
			errs = append(errs, fmt.Errorf("write service %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// AddDomain records domain with its default service and rewrites the
// routing file.
func (w *MetadataWriter) AddDomain(domain, defaultService string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.domains[domain] = DomainConfig{DefaultService: defaultService}
	return w.flushLocked()
}

// RemoveDomain drops domain and rewrites the routing file. Unknown
// domains are ignored.
func (w *MetadataWriter) RemoveDomain(domain string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.domains[domain]; !ok {
		return nil
	}
	delete(w.domains, domain)
	return w.flushLocked()
}

// Routing returns the current routing metadata.
func (w *MetadataWriter) Routing() RoutingMetadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routingLocked()
}

func (w *MetadataWriter) routingLocked() RoutingMetadata {
	domains := slices.Collect(maps.Keys(w.domains))
	slices.SortFunc(domains, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return RoutingMetadata{Domain: domains, Config: maps.Clone(w.domains)}
}

func (w *MetadataWriter) flushLocked() error {
	data, err := json.MarshalIndent(w.routingLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode routing metadata: %w", err)
	}
	if err := fsutil.WriteFile(w.RoutingPath(), data, metadataMode); err != nil {
		return fmt.Errorf("write routing metadata: %w", err)
	}
	return nil
}
