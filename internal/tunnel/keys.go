package tunnel

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is a base64-encoded Curve25519 key pair.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// GenerateKeyPair creates a fresh WireGuard key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate private key: %w", err)
	}
	return KeyPair{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
	}, nil
}

// PublicKeyOf derives the public key for a base64 private key.
func PublicKeyOf(privateKey string) (string, error) {
	priv, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return priv.PublicKey().String(), nil
}

// ValidateKey reports whether s is a well-formed base64 WireGuard key.
func ValidateKey(s string) error {
	if _, err := wgtypes.ParseKey(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return nil
}

// Valid reports whether both keys parse and the public key matches the
// private key.
func (kp KeyPair) Valid() bool {
	pub, err := PublicKeyOf(kp.PrivateKey)
	return err == nil && pub == kp.PublicKey
}
