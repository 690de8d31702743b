package guard

import (
	"context"

	"github.com/tecsuporte/helpdesk/internal/identity"
	"github.com/tecsuporte/helpdesk/internal/permissions"
)

// Access is the resolved identity and permission state of a request.
type Access struct {
	Identity *identity.Identity
	State    permissions.State
}

type accessContextKey struct{}

// ContextWithAccess stores access in ctx.
func ContextWithAccess(ctx context.Context, access Access) context.Context {
	return context.WithValue(ctx, accessContextKey{}, access)
}

// AccessFromContext extracts the access stored by the middleware.
func AccessFromContext(ctx context.Context) (Access, bool) {
	access, ok := ctx.Value(accessContextKey{}).(Access)
	return access, ok
}
