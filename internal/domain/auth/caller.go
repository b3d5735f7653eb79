// Package auth models the already-authenticated identity the fulfillment
// core receives with every operation.
package auth

import (
	"context"
	"time"
)

// Caller is the resolved identity behind a request.
type Caller struct {
	UserID string
	// Elevated marks administrator identities that bypass ownership checks
	// and may mutate fulfillment state.
	Elevated bool
}

// CanAccess reports whether the caller may act on a resource owned by ownerID.
func (c Caller) CanAccess(ownerID string) bool {
	return c.Elevated || (c.UserID != "" && c.UserID == ownerID)
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom extracts the caller stored by WithCaller.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// RevocationStore is a keyed store of revoked token ids. Entries expire
// together with the token they revoke.
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}
