package requester

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/dantte-lp/gomesh/internal/fsutil"
	"github.com/dantte-lp/gomesh/internal/tunnel"
)

const keyFileMode = 0o600

// KeyStore persists one key pair per provider URL so a restarted
// requester keeps its public key.
type KeyStore struct {
	dir string
	mu  sync.Mutex
}

// NewKeyStore creates a KeyStore in dir. The directory is created on the
// first write.
func NewKeyStore(dir string) *KeyStore {
	return &KeyStore{dir: dir}
}

// Path returns the key file for providerURL.
func (ks *KeyStore) Path(providerURL string) string {
	return filepath.Join(ks.dir, url.QueryEscape(providerURL)+".json")
}

// GetOrGenerate returns the stored pair for providerURL, generating and
// storing a new one when there is none. A stored pair that does not
// validate is replaced.
func (ks *KeyStore) GetOrGenerate(providerURL string) (tunnel.KeyPair, bool, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	path := ks.Path(providerURL)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var kp tunnel.KeyPair
		if json.Unmarshal(data, &kp) == nil && kp.Valid() {
			return kp, false, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return tunnel.KeyPair{}, false, fmt.Errorf("read key pair: %w", err)
	}

	kp, err := tunnel.GenerateKeyPair()
	if err != nil {
		return tunnel.KeyPair{}, false, err
	}
	data, err = json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return tunnel.KeyPair{}, false, fmt.Errorf("encode key pair: %w", err)
	}
	if err := fsutil.WriteFile(path, data, keyFileMode); err != nil {
		return tunnel.KeyPair{}, false, fmt.Errorf("write key pair: %w", err)
	}
	return kp, true, nil
}
