package tunn

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Key is a Curve25519 private or public key, or a preshared key.
//
// Key implements [encoding.TextMarshaler] and [encoding.TextUnmarshaler] using standard base64,
// the same encoding wg(8) uses.
type Key [32]byte

// GeneratePrivateKey generates a new clamped Curve25519 private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

// ParseKey parses a base64-encoded key.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return Key{}, err
	}
	return k, nil
}

// PublicKey returns the public key of the private key k.
func (k *Key) PublicKey() Key {
	var pub Key
	b, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		// Only a zero private key can produce a low order output with the base point.
		return pub
	}
	copy(pub[:], b)
	return pub
}

// IsZero returns whether k is all zeros, in constant time.
func (k *Key) IsZero() bool {
	var zero Key
	return k.Equal(&zero)
}

// Equal returns whether k and other are equal, in constant time.
func (k *Key) Equal(other *Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Zero overwrites k with zeros.
func (k *Key) Zero() {
	clear(k[:])
}

// String returns the base64 encoding of k.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// MarshalText implements [encoding.TextMarshaler.MarshalText].
func (k Key) MarshalText() ([]byte, error) {
	b := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(b, k[:])
	return b, nil
}

// UnmarshalText implements [encoding.TextUnmarshaler.UnmarshalText].
func (k *Key) UnmarshalText(text []byte) error {
	var b [33]byte
	n, err := base64.StdEncoding.Decode(b[:], text)
	if err != nil {
		return fmt.Errorf("failed to decode key: %w", err)
	}
	if n != len(k) {
		return fmt.Errorf("bad key length: %d", n)
	}
	copy(k[:], b[:n])
	return nil
}
