package middleware

import "context"

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// Identity is the authenticated caller resolved from the access token.
type Identity struct {
	AccountID       string
	ClinicID        string
	SessionID       string
	DeviceSessionID string // empty when the session was issued without device metadata
}

// WithIdentity returns a context carrying id. Handlers read it via IdentityFrom.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom returns the identity from context and true if an authenticated caller is set.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	if !ok || v.AccountID == "" {
		return Identity{}, false
	}
	return v, true
}
