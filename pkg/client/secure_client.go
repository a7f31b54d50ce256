// Package client provides the outbound HTTP client for protocol calls.
// Every request body is canonicalized and signed with the key pair of the
// role the node is acting in.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/p2p-energy-trading/engine/pkg/signing"
)

// Role is the protocol participant role a call is made as.
type Role string

const (
	RoleBAP Role = "bap" // buyer app: discover, select, init, confirm
	RoleBPP Role = "bpp" // seller app: catalog publish, callbacks
)

const (
	HeaderAuthorization        = "Authorization"
	HeaderGatewayAuthorization = "X-Gateway-Authorization"
	HeaderDigest               = "Digest"
	HeaderIdempotencyKey       = "Idempotency-Key"
)

var (
	// ErrSigningUnavailable is returned in strict mode when a request cannot be signed.
	ErrSigningUnavailable = errors.New("client: signing unavailable in strict mode")
)

// APIError is returned by PostJSON when the peer responds with a non-2xx status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("peer responded %d: %s", e.Status, e.Body)
}

// Response is the raw result of a SignedPost.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Signed     bool
}

// SecureClient signs outbound protocol requests.
type SecureClient struct {
	httpClient     *http.Client
	ttl            time.Duration
	signingEnabled bool
	strict         bool
	logger         *slog.Logger
	retry          RetryPolicy

	mu   sync.RWMutex
	keys map[Role]*signing.KeyPair

	breakersMu sync.Mutex
	breakers   map[string]*circuitBreaker
}

// Option configures the client.
type Option func(*SecureClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *SecureClient) { c.httpClient = hc }
}

// WithTTL sets the signature validity window.
func WithTTL(d time.Duration) Option {
	return func(c *SecureClient) { c.ttl = d }
}

// WithSigningEnabled toggles signing globally.
func WithSigningEnabled(enabled bool) Option {
	return func(c *SecureClient) { c.signingEnabled = enabled }
}

// WithStrict makes signing failures fatal for the call instead of degrading to unsigned.
func WithStrict(strict bool) Option {
	return func(c *SecureClient) { c.strict = strict }
}

// WithKeyPair installs the key pair used for role.
func WithKeyPair(role Role, kp *signing.KeyPair) Option {
	return func(c *SecureClient) { c.keys[role] = kp }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *SecureClient) { c.logger = l }
}

// New creates a SecureClient. Signing is enabled by default.
func New(opts ...Option) *SecureClient {
	c := &SecureClient{
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		ttl:            signing.DefaultTTL,
		signingEnabled: true,
		logger:         slog.Default().With("component", "secure_client"),
		retry:          DefaultRetryPolicy(),
		keys:           make(map[Role]*signing.KeyPair),
		breakers:       make(map[string]*circuitBreaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetKeyPair installs or replaces the key pair for role.
func (c *SecureClient) SetKeyPair(role Role, kp *signing.KeyPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[role] = kp
}

// KeyPair returns the key pair for role, or nil.
func (c *SecureClient) KeyPair(role Role) *signing.KeyPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys[role]
}

// SigningEnabled reports whether outbound signing is on.
func (c *SecureClient) SigningEnabled() bool { return c.signingEnabled }

// CanonicalBody encodes body as canonical JSON. A []byte or json.RawMessage
// body is canonicalized as is.
func CanonicalBody(body any) ([]byte, error) {
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize body: %w", err)
	}
	return out, nil
}

// SignedPost signs body as role and posts it to url.
//
// When signing is disabled or fails, the request is sent unsigned with a log
// line, unless the client is strict, in which case ErrSigningUnavailable is
// returned and nothing is sent.
func (c *SecureClient) SignedPost(ctx context.Context, role Role, url string, body any) (*Response, error) {
	payload, err := CanonicalBody(body)
	if err != nil {
		return nil, err
	}

	// One key per call: retries of this call are duplicates, new calls are not.
	headers := http.Header{"Content-Type": []string{"application/json"}}
	headers.Set(HeaderIdempotencyKey, uuid.NewString())
	signed, err := c.sign(headers, role, payload, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, url, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header = headers.Clone()
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody, Signed: signed}, nil
}

// PostJSON is SignedPost followed by decoding a JSON response into out.
func (c *SecureClient) PostJSON(ctx context.Context, role Role, url string, body, out any) error {
	resp, err := c.SignedPost(ctx, role, url, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &APIError{Status: resp.StatusCode, Body: string(resp.Body)}
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Body, out)
}

func (c *SecureClient) sign(h http.Header, role Role, payload []byte, url string) (bool, error) {
	if !c.signingEnabled {
		if c.strict {
			return false, fmt.Errorf("%w: signing disabled", ErrSigningUnavailable)
		}
		c.logger.Warn("sending unsigned request: signing disabled", "role", role, "url", url)
		return false, nil
	}

	header, err := signing.SignMessage(payload, c.KeyPair(role), c.ttl)
	if err != nil {
		if c.strict {
			return false, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
		}
		c.logger.Error("signing failed, sending unsigned request", "role", role, "url", url, "error", err)
		return false, nil
	}

	h.Set(HeaderAuthorization, header)
	h.Set(HeaderGatewayAuthorization, header)
	h.Set(HeaderDigest, signing.DigestHeader(payload))
	return true, nil
}
