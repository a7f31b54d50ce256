package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// DigestAlgorithm names the body hash in the signing string and Digest header.
const DigestAlgorithm = "BLAKE-512"

// DefaultTTL is the validity window of a fresh signature.
const DefaultTTL = 30 * time.Second

var (
	ErrMalformedHeader  = errors.New("signing: malformed authorization header")
	ErrExpired          = errors.New("signing: signature expired")
	ErrSignatureInvalid = errors.New("signing: signature verification failed")
	ErrNoKeyPair        = errors.New("signing: key pair not initialized")
)

// Digest returns the base64 BLAKE2b-512 hash of body.
func Digest(body []byte) string {
	sum := blake2b.Sum512(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// DigestHeader returns the value of the Digest HTTP header for body.
func DigestHeader(body []byte) string {
	return DigestAlgorithm + "=" + Digest(body)
}

// CreateSigningString builds the canonical three-line string that is signed.
func CreateSigningString(created, expires int64, body []byte) string {
	return fmt.Sprintf("(created): %d\n(expires): %d\ndigest: %s=%s", created, expires, DigestAlgorithm, Digest(body))
}

// SignMessage signs body with kp, valid for ttl from now, and returns the
// Authorization header value.
func SignMessage(body []byte, kp *KeyPair, ttl time.Duration) (string, error) {
	env, err := SignAt(body, kp, time.Now(), ttl)
	if err != nil {
		return "", err
	}
	return env.String(), nil
}

// SignAt signs body as if at the given instant. A non-positive ttl uses DefaultTTL.
func SignAt(body []byte, kp *KeyPair, now time.Time, ttl time.Duration) (*Envelope, error) {
	if kp == nil || len(kp.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrNoKeyPair
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	created := now.Unix()
	expires := created + int64(ttl/time.Second)
	if expires <= created {
		expires = created + 1
	}
	sig := ed25519.Sign(kp.PrivateKey, []byte(CreateSigningString(created, expires, body)))
	return &Envelope{
		KeyID:     kp.KeyID,
		Algorithm: HeaderAlgorithm,
		Created:   created,
		Expires:   expires,
		Headers:   SignedHeaders,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyEnvelope checks only the cryptographic signature of env over body.
// Freshness is the caller's responsibility.
func VerifyEnvelope(env *Envelope, body []byte, pub ed25519.PublicKey) error {
	if env == nil {
		return ErrMalformedHeader
	}
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrSignatureInvalid)
	}
	if !ed25519.Verify(pub, []byte(CreateSigningString(env.Created, env.Expires, body)), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyResult is the outcome of VerifySignature.
type VerifyResult struct {
	Valid     bool
	Err       error
	KeyID     string
	Timestamp int64
}

// VerifySignature parses header and verifies it against body and pub.
// A signature past its own expires is rejected without any skew allowance.
func VerifySignature(header string, body []byte, pub ed25519.PublicKey) VerifyResult {
	return VerifySignatureAt(header, body, pub, time.Now())
}

// VerifySignatureAt is VerifySignature evaluated at now.
func VerifySignatureAt(header string, body []byte, pub ed25519.PublicKey, now time.Time) VerifyResult {
	env := ParseAuthorizationHeader(header)
	if env == nil {
		return VerifyResult{Err: ErrMalformedHeader}
	}
	res := VerifyResult{KeyID: env.KeyID, Timestamp: env.Created}
	if now.Unix() > env.Expires {
		res.Err = ErrExpired
		return res
	}
	if err := VerifyEnvelope(env, body, pub); err != nil {
		res.Err = err
		return res
	}
	res.Valid = true
	return res
}
