// ABOUTME: Request-scoped grants propagated through context
// ABOUTME: A grant on the context takes precedence over admitted grants for the same principal

package auth

import (
	"context"
)

type grantContextKey struct{}

// WithGrant returns a new context with g attached.
func WithGrant(ctx context.Context, g *Grant) context.Context {
	return context.WithValue(ctx, grantContextKey{}, g)
}

// FromContext retrieves the grant from the context, returning nil if not present.
func FromContext(ctx context.Context) *Grant {
	g, _ := ctx.Value(grantContextKey{}).(*Grant)
	return g
}
