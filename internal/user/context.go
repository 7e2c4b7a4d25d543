package user

import "context"

type contextKey struct{}

// NewContext stores an authenticated principal snapshot on a request context.
func NewContext(ctx context.Context, snapshot Snapshot) context.Context {
	return context.WithValue(ctx, contextKey{}, snapshot)
}

// FromContext returns the principal stored by the authorization middleware.
func FromContext(ctx context.Context) (Snapshot, bool) {
	snapshot, ok := ctx.Value(contextKey{}).(Snapshot)
	return snapshot, ok
}
