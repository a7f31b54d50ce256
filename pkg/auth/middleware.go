package auth

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/p2p-energy-trading/engine/pkg/api"
	"github.com/p2p-energy-trading/engine/pkg/observability"
	"github.com/p2p-energy-trading/engine/pkg/signing"
)

// Rejection codes returned in the problem document of a refused request.
const (
	CodeMissingSignature       = "MISSING_SIGNATURE"
	CodeInvalidSignatureFormat = "INVALID_SIGNATURE_FORMAT"
	CodeSignatureExpired       = "SIGNATURE_EXPIRED"
	CodeInvalidKeyID           = "INVALID_KEY_ID"
	CodeUnknownSubscriber      = "UNKNOWN_SUBSCRIBER"
	CodeSignatureInvalid       = "SIGNATURE_INVALID"
	CodeBodyTooLarge           = "BODY_TOO_LARGE"
)

// DefaultMaxClockSkew tolerates clock drift between signer and verifier.
const DefaultMaxClockSkew = 60 * time.Second

// maxSignedBody bounds the body buffered for verification. Larger bodies are
// refused with 413 rather than verified against a truncated prefix.
const maxSignedBody = 4 << 20

// KeyResolver finds the public key for a key id. Implementations fall back to
// the subscriber's key when the exact key id is unknown.
type KeyResolver interface {
	Resolve(keyID string) (ed25519.PublicKey, bool)
}

// VerifyConfig tunes the signature gate.
type VerifyConfig struct {
	MaxClockSkew time.Duration
	// AllowUnsigned passes requests without a Signature header through.
	AllowUnsigned bool
	// TrustAll accepts signatures from unknown subscribers without verification.
	TrustAll bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Rejection is a refused verification.
type Rejection struct {
	Code   string
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

// SignatureVerifier authenticates inbound protocol messages.
type SignatureVerifier struct {
	resolver KeyResolver
	cfg      VerifyConfig
	logger   *slog.Logger
	obs      *observability.Provider
}

// NewSignatureVerifier creates a verifier. A zero MaxClockSkew uses DefaultMaxClockSkew.
func NewSignatureVerifier(resolver KeyResolver, cfg VerifyConfig, logger *slog.Logger) *SignatureVerifier {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignatureVerifier{resolver: resolver, cfg: cfg, logger: logger.With("component", "verify")}
}

// WithObservability counts verdicts on p. It returns v for chaining.
func (v *SignatureVerifier) WithObservability(p *observability.Provider) *SignatureVerifier {
	v.obs = p
	return v
}

// Verify runs the four checks in order and stops at the first failure.
// A nil identity with a nil rejection means the request is unsigned and
// unsigned requests are allowed.
func (v *SignatureVerifier) Verify(header string, body []byte) (*Identity, *Rejection) {
	// 1. Presence
	if !signing.HasSignatureScheme(header) {
		if v.cfg.AllowUnsigned {
			return nil, nil
		}
		return nil, &Rejection{Code: CodeMissingSignature, Detail: "Authorization header with Signature scheme required"}
	}

	// 2. Format
	env := signing.ParseAuthorizationHeader(header)
	if env == nil || env.Expires <= env.Created {
		return nil, &Rejection{Code: CodeInvalidSignatureFormat, Detail: "signature header is malformed"}
	}

	// 3. Freshness
	now := v.cfg.Now().Unix()
	if now > env.Expires+int64(v.cfg.MaxClockSkew/time.Second) {
		return nil, &Rejection{Code: CodeSignatureExpired, Detail: fmt.Sprintf("signature expired at %d", env.Expires)}
	}

	// 4. Identity and cryptography
	keyID, err := signing.ParseKeyID(env.KeyID)
	if err != nil {
		return nil, &Rejection{Code: CodeInvalidKeyID, Detail: "keyId must be subscriberId|uniqueKeyId|algorithm"}
	}
	id := &Identity{SubscriberID: keyID.SubscriberID, KeyID: env.KeyID, Created: env.Created}

	var pub ed25519.PublicKey
	var ok bool
	if v.resolver != nil {
		pub, ok = v.resolver.Resolve(env.KeyID)
	}
	if !ok {
		if v.cfg.TrustAll {
			v.logger.Warn("accepting unverified signature from unknown subscriber", "subscriber_id", keyID.SubscriberID, "key_id", env.KeyID)
			return id, nil
		}
		return nil, &Rejection{Code: CodeUnknownSubscriber, Detail: fmt.Sprintf("no public key for %s", keyID.SubscriberID)}
	}

	if err := signing.VerifyEnvelope(env, body, pub); err != nil {
		return nil, &Rejection{Code: CodeSignatureInvalid, Detail: "signature does not match body"}
	}
	id.Verified = true
	return id, nil
}

// Middleware gates next behind signature verification. On success the signer
// identity is attached to the request context and the body is restored.
func (v *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxSignedBody))
			_ = r.Body.Close()
			var tooLarge *http.MaxBytesError
			switch {
			case errors.As(err, &tooLarge):
				v.obs.RecordSignature(r.Context(), CodeBodyTooLarge)
				api.WriteCoded(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", CodeBodyTooLarge,
					fmt.Sprintf("signed body exceeds %d bytes", tooLarge.Limit))
				return
			case err != nil:
				api.WriteBadRequest(w, "unable to read request body")
				return
			}
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		id, rej := v.Verify(r.Header.Get("Authorization"), body)
		v.obs.RecordSignature(r.Context(), verdict(id, rej))
		if rej != nil {
			LoggerFrom(r.Context(), v.logger).Warn("rejected inbound message",
				"code", rej.Code, "detail", rej.Detail, "remote_addr", api.ClientIP(r), "path", r.URL.Path)
			api.WriteUnauthorized(w, r, rej.Code, rej.Detail)
			return
		}
		if id == nil {
			LoggerFrom(r.Context(), v.logger).Warn("accepting unsigned inbound message", "path", r.URL.Path)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), *id)))
	})
}

func verdict(id *Identity, rej *Rejection) string {
	switch {
	case rej != nil:
		return rej.Code
	case id == nil:
		return "unsigned"
	case !id.Verified:
		return "unverified"
	}
	return "verified"
}
