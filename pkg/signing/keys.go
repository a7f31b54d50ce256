// Package signing implements the Beckn HTTP signature scheme over Ed25519.
//
// A signature binds the message body (through a BLAKE2b-512 digest), a validity
// window (created/expires) and the signer identity (keyId). It deliberately does
// not cover the HTTP method or path.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Algorithm is the key algorithm tag carried in the keyId.
const Algorithm = "ed25519"

// HeaderAlgorithm is the value of the algorithm parameter in the Authorization header.
const HeaderAlgorithm = "xed25519"

const keyIDSeparator = "|"

var (
	ErrInvalidKeyID     = errors.New("signing: invalid key id")
	ErrInvalidPublicKey = errors.New("signing: invalid public key")
	ErrInvalidSeed      = errors.New("signing: invalid private key seed")
)

// KeyID is the parsed form of subscriberId|uniqueKeyId|algorithm.
type KeyID struct {
	SubscriberID string
	UniqueKeyID  string
	Algorithm    string
}

// String encodes the key id in its wire form.
func (k KeyID) String() string {
	return FormatKeyID(k.SubscriberID, k.UniqueKeyID)
}

// FormatKeyID joins subscriber and key id with the algorithm tag.
func FormatKeyID(subscriberID, uniqueKeyID string) string {
	return subscriberID + keyIDSeparator + uniqueKeyID + keyIDSeparator + Algorithm
}

// ParseKeyID splits a wire key id. All three parts must be non-empty.
func ParseKeyID(s string) (KeyID, error) {
	parts := strings.Split(s, keyIDSeparator)
	if len(parts) != 3 {
		return KeyID{}, fmt.Errorf("%w: %q", ErrInvalidKeyID, s)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return KeyID{}, fmt.Errorf("%w: %q", ErrInvalidKeyID, s)
		}
	}
	return KeyID{SubscriberID: parts[0], UniqueKeyID: parts[1], Algorithm: parts[2]}, nil
}

// KeyPair is an Ed25519 identity. Immutable once generated.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	KeyID      string
}

// GenerateKeyPair creates a fresh key pair for the subscriber.
func GenerateKeyPair(subscriberID, uniqueKeyID string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &KeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		KeyID:      FormatKeyID(subscriberID, uniqueKeyID),
	}, nil
}

// KeyPairFromSeed restores a key pair from a base64 encoded 32-byte seed.
// A full 64-byte private key is accepted as well.
func KeyPairFromSeed(subscriberID, uniqueKeyID, seedB64 string) (*KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(seedB64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSeed, len(raw))
	}
	return &KeyPair{
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
		KeyID:      FormatKeyID(subscriberID, uniqueKeyID),
	}, nil
}

// PublicKeyBase64 returns the public key in the registry encoding.
func (kp *KeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// SeedBase64 returns the private seed, suitable for BAP_PRIVATE_KEY / BPP_PRIVATE_KEY.
func (kp *KeyPair) SeedBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PrivateKey.Seed())
}

// DecodePublicKey parses a base64 encoded Ed25519 public key.
func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
