package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

// PublicKeySize is the length of an account address in bytes.
const PublicKeySize = 32

// SignatureSize is the length of an ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
	ErrInvalidSignature = errors.New("crypto: invalid signature encoding")
)

// PublicKey is a 32-byte ledger account address rendered in base58.
type PublicKey [PublicKeySize]byte

// PublicKeyFromBase58 decodes a base58 address.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return PublicKey{}, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	decoded := base58.Decode(trimmed)
	if len(decoded) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidPublicKey, s)
	}
	var key PublicKey
	copy(key[:], decoded)
	return key, nil
}

// MustPublicKey decodes a compile-time constant address and panics if it is malformed.
func MustPublicKey(s string) PublicKey {
	key, err := PublicKeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return key
}

// PublicKeyFromBytes copies a raw 32-byte address.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) != PublicKeySize {
		return PublicKey{}, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(b))
	}
	var key PublicKey
	copy(key[:], b)
	return key, nil
}

func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

func (k PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, k[:])
	return out
}

func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// IsOnCurve reports whether the address is a valid ed25519 point, i.e. could
// have a private key. Program-derived addresses never are.
func (k PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(k[:])
	return err == nil
}

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	decoded, err := PublicKeyFromBase58(string(text))
	if err != nil {
		return err
	}
	*k = decoded
	return nil
}

// --- Key Management ---

type PrivateKey struct {
	key ed25519.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: priv}, nil
}

// PrivateKeyFromBytes accepts either a 32-byte seed or a 64-byte keypair
// (seed followed by public key). A keypair whose public half does not match
// the seed is rejected.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		return &PrivateKey{key: ed25519.NewKeyFromSeed(b)}, nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(b[:ed25519.SeedSize])
		if string(priv[ed25519.SeedSize:]) != string(b[ed25519.SeedSize:]) {
			return nil, errors.New("crypto: keypair public half does not match seed")
		}
		return &PrivateKey{key: priv}, nil
	default:
		return nil, fmt.Errorf("crypto: invalid private key length %d", len(b))
	}
}

// Bytes returns the 64-byte keypair encoding.
func (k *PrivateKey) Bytes() []byte {
	out := make([]byte, len(k.key))
	copy(out, k.key)
	return out
}

func (k *PrivateKey) PubKey() PublicKey {
	var pub PublicKey
	copy(pub[:], k.key.Public().(ed25519.PublicKey))
	return pub
}

func (k *PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

// Verify checks an ed25519 signature over message.
func Verify(pub PublicKey, message, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), message, sig)
}

// DecodeSignature accepts a base58 or base64 encoded 64-byte signature.
func DecodeSignature(encoded string) ([]byte, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSignature)
	}
	if raw := base58.Decode(trimmed); len(raw) == SignatureSize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(raw) == SignatureSize {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: expected %d bytes", ErrInvalidSignature, SignatureSize)
}

// EncodeSignature renders a signature the way the ledger reports transaction ids.
func EncodeSignature(sig []byte) string {
	return base58.Encode(sig)
}
