package auth

import (
	"context"
)

type contextKey string

const (
	identityKey  contextKey = "signer_identity"
	principalKey contextKey = "admin_principal"
)

// Identity is the signer of an inbound protocol message.
// Verified is false when the key was unknown and TRUST_ALL accepted it.
type Identity struct {
	SubscriberID string
	KeyID        string
	Created      int64
	Verified     bool
}

// WithIdentity attaches the signer identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the signer identity from the context.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
