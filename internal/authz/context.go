package authz

import (
	"context"

	"github.com/google/uuid"
)

// Context is the ephemeral (identity, organization, role) tuple carried from
// a resolved session into the data layer. It lives for at most one request
// and is re-verified against live membership state by the row-security
// policies, so a spoofed value cannot widen access.
type Context struct {
	IdentityID uuid.UUID
	OrgID      uuid.UUID
	Role       Role
}

// Degraded reports whether the context belongs to an identity whose
// organization provisioning has not completed yet. Such a context carries an
// identity but no organization; every org-scoped query fails closed until a
// later resolve succeeds.
func (c Context) Degraded() bool {
	return c.IdentityID != uuid.Nil && c.OrgID == uuid.Nil
}

type authContextKey struct{}

// WithContext attaches the authorization context to ctx.
func WithContext(ctx context.Context, ac Context) context.Context {
	return context.WithValue(ctx, authContextKey{}, &ac)
}

// FromContext extracts the authorization context if one was attached.
func FromContext(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	v, ok := ctx.Value(authContextKey{}).(*Context)
	if !ok || v == nil {
		return Context{}, false
	}
	return *v, true
}
