package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/p2p-energy-trading/engine/pkg/api"
)

// Operator roles carried in admin tokens.
const (
	// RoleOperator may manage the catalog and report deliveries.
	RoleOperator = "operator"
	// RoleKeyAdmin may register and rotate subscriber keys.
	RoleKeyAdmin = "key-admin"
)

// Rejection codes of the bearer gate.
const (
	CodeMissingToken     = "MISSING_TOKEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeAuthUnconfigured = "AUTH_NOT_CONFIGURED"
	CodeForbidden        = "FORBIDDEN"
)

const adminIssuer = "energy-node"

// AdminClaims are the claims of an operator token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Principal is the authenticated operator of an admin request.
type Principal struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// JWTValidator checks HS256 operator tokens against a shared secret.
type JWTValidator struct {
	secret []byte
	now    func() time.Time
}

// NewJWTValidator returns nil for an empty secret. A nil validator rejects
// every token.
func NewJWTValidator(secret []byte) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	return &JWTValidator{secret: secret, now: time.Now}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*AdminClaims, error) {
	if v == nil {
		return nil, errors.New("validator uninitialized")
	}
	claims := &AdminClaims{}
	keyFunc := func(*jwt.Token) (any, error) { return v.secret, nil }
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IssueAdminToken signs an operator token valid for ttl.
func IssueAdminToken(secret []byte, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("admin token secret is empty")
	}
	if subject == "" {
		return "", errors.New("admin token subject is required")
	}
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// NewBearerMiddleware gates admin routes behind a valid operator token that
// carries role. A nil validator rejects every request (fail closed).
func NewBearerMiddleware(validator *JWTValidator, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, r, CodeMissingToken, "Missing Authorization header")
				return
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" || tokenStr == "" {
				api.WriteUnauthorized(w, r, CodeMissingToken, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if validator == nil {
				api.WriteUnauthorized(w, r, CodeAuthUnconfigured, "Admin authentication not configured")
				return
			}

			claims, err := validator.Validate(tokenStr)
			if err != nil {
				api.WriteUnauthorized(w, r, CodeInvalidToken, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, r, CodeInvalidToken, "Token subject is required")
				return
			}
			p := Principal{Subject: claims.Subject, Roles: claims.Roles}
			if role != "" && !p.HasRole(role) {
				api.WriteCoded(w, r, http.StatusForbidden, "Forbidden", CodeForbidden, "token lacks role "+role)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// GetPrincipal returns the operator attached by NewBearerMiddleware.
func GetPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// WithPrincipal attaches an authenticated operator to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}
