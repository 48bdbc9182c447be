package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// djbType prefixes serialized Curve25519 public keys.
const djbType = 0x05

// IdentityKey is a serialized identity public key. The bytes are opaque to
// the store apart from a basic shape check in ParseIdentityKey.
type IdentityKey []byte

// ParseIdentityKey validates a serialized identity public key (type byte
// followed by a 32-byte Curve25519 point).
func ParseIdentityKey(b []byte) (IdentityKey, error) {
	if len(b) != 1+curve25519.PointSize {
		return nil, fmt.Errorf("protocol: identity key: bad length %d", len(b))
	}
	if b[0] != djbType {
		return nil, fmt.Errorf("protocol: identity key: bad key type 0x%02x", b[0])
	}
	return IdentityKey(bytes.Clone(b)), nil
}

// Equal reports whether k and other hold the same key bytes.
func (k IdentityKey) Equal(other IdentityKey) bool {
	return bytes.Equal(k, other)
}

// Fingerprint returns the hex encoding of the key bytes, used when listing
// keys for out-of-band comparison.
func (k IdentityKey) Fingerprint() string {
	return hex.EncodeToString(k)
}

// KeyPair is the local account's identity key pair.
type KeyPair struct {
	Private []byte
	Public  IdentityKey
}

// GenerateKeyPair creates a new random Curve25519 identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("protocol: generate identity key: %w", err)
	}
	// Clamp as libsignal does for stored private keys.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive identity public key: %w", err)
	}
	return &KeyPair{
		Private: priv,
		Public:  append(IdentityKey{djbType}, pub...),
	}, nil
}

// KeyPairFromPrivate rebuilds a key pair from a stored private key.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("protocol: derive identity public key: %w", err)
	}
	return &KeyPair{
		Private: bytes.Clone(priv),
		Public:  append(IdentityKey{djbType}, pub...),
	}, nil
}
