package auth

import "context"

// Identity is the authenticated operator behind a request, as vouched for by the
// bearer token.
type Identity struct {
	UserID   string
	AgencyID string
	Role     string
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by the auth middleware. Requests that
// skipped the middleware get the zero Identity and false.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
