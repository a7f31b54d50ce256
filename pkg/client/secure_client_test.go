package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2p-energy-trading/engine/pkg/signing"
)

type captured struct {
	header http.Header
	body   []byte
}

func captureServer(t *testing.T) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.header = r.Header.Clone()
		c.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"ack":{"status":"ACK"}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func TestSignedPost_SignsAndMirrorsHeaders(t *testing.T) {
	srv, got := captureServer(t)
	kp, err := signing.GenerateKeyPair("bap.example.org", "k1")
	require.NoError(t, err)

	c := New(WithKeyPair(RoleBAP, kp), WithTTL(30*time.Second))
	resp, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.True(t, resp.Signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Body is canonical JSON.
	assert.Equal(t, `{"a":1,"b":2}`, string(got.body))

	auth := got.header.Get(HeaderAuthorization)
	assert.Equal(t, auth, got.header.Get(HeaderGatewayAuthorization))
	assert.Equal(t, signing.DigestHeader(got.body), got.header.Get(HeaderDigest))

	res := signing.VerifySignature(auth, got.body, kp.PublicKey)
	assert.True(t, res.Valid, "error: %v", res.Err)
	assert.Equal(t, kp.KeyID, res.KeyID)
}

func TestSignedPost_UsesRoleKey(t *testing.T) {
	srv, got := captureServer(t)
	bap, _ := signing.GenerateKeyPair("node.example.org", "bap")
	bpp, _ := signing.GenerateKeyPair("node.example.org", "bpp")

	c := New(WithKeyPair(RoleBAP, bap), WithKeyPair(RoleBPP, bpp))
	_, err := c.SignedPost(context.Background(), RoleBPP, srv.URL, []byte(`{"catalog":{}}`))
	require.NoError(t, err)

	env := signing.ParseAuthorizationHeader(got.header.Get(HeaderAuthorization))
	require.NotNil(t, env)
	assert.Equal(t, bpp.KeyID, env.KeyID)
}

func TestSignedPost_DisabledSendsUnsignedAndWarns(t *testing.T) {
	srv, got := captureServer(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	c := New(WithSigningEnabled(false), WithLogger(logger))
	resp, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.False(t, resp.Signed)
	assert.Empty(t, got.header.Get(HeaderAuthorization))
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "signing disabled")
}

func TestSignedPost_MissingKeyDegradesWithErrorLog(t *testing.T) {
	srv, got := captureServer(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	c := New(WithLogger(logger))
	resp, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]string{})
	require.NoError(t, err)
	assert.False(t, resp.Signed)
	assert.Empty(t, got.header.Get(HeaderAuthorization))
	assert.Contains(t, logs.String(), "level=ERROR")
}

func TestSignedPost_StrictRefuses(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	_, err := New(WithStrict(true)).SignedPost(context.Background(), RoleBAP, srv.URL, map[string]string{})
	assert.ErrorIs(t, err, ErrSigningUnavailable)

	_, err = New(WithStrict(true), WithSigningEnabled(false)).SignedPost(context.Background(), RoleBAP, srv.URL, map[string]string{})
	assert.ErrorIs(t, err, ErrSigningUnavailable)
	assert.Equal(t, 0, hits)
}

func TestPostJSON_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"SIGNATURE_INVALID"}`))
	}))
	defer srv.Close()

	kp, _ := signing.GenerateKeyPair("bap.example.org", "k1")
	err := New(WithKeyPair(RoleBAP, kp)).PostJSON(context.Background(), RoleBAP, srv.URL, map[string]string{}, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Body, "SIGNATURE_INVALID")
}

func TestCanonicalBody(t *testing.T) {
	out, err := CanonicalBody([]byte(`{ "z": 1, "a": [ 2, 1 ] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[2,1],"z":1}`, string(out))

	_, err = CanonicalBody([]byte(`{not json`))
	assert.Error(t, err)
}

func TestSignedPost_RetriesUnavailableWithSameSignature(t *testing.T) {
	var auths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get(HeaderAuthorization))
		body, _ := io.ReadAll(r.Body)
		assert.NotEmpty(t, body, "body is replayed on every attempt")
		if len(auths) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	kp, err := signing.GenerateKeyPair("bap.example", "k1")
	require.NoError(t, err)
	c := New(WithKeyPair(RoleBAP, kp), WithRetryPolicy(RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, BreakerThreshold: 5, BreakerCooldown: time.Minute}))

	resp, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, auths, 3)
	assert.Equal(t, auths[0], auths[2])
}

func TestSignedPost_DoesNotRetryClientErrors(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(WithSigningEnabled(false), WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}))
	resp, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]int{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, hits)
}

func TestSignedPost_BreakerOpensAfterFailures(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(WithSigningEnabled(false), WithRetryPolicy(RetryPolicy{BreakerThreshold: 2, BreakerCooldown: time.Minute}))
	for i := 0; i < 2; i++ {
		resp, err := c.SignedPost(context.Background(), RoleBPP, srv.URL, map[string]int{})
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}
	_, err := c.SignedPost(context.Background(), RoleBPP, srv.URL, map[string]int{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, hits)
}

func TestSignedPost_IdempotencyKeyPerCall(t *testing.T) {
	srv, got := captureServer(t)
	c := New(WithSigningEnabled(false))

	_, err := c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]int{})
	require.NoError(t, err)
	first := got.header.Get(HeaderIdempotencyKey)
	_, err = c.SignedPost(context.Background(), RoleBAP, srv.URL, map[string]int{})
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, got.header.Get(HeaderIdempotencyKey))
}
