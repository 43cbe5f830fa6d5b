package auth

import (
	"context"
	"time"
)

// AuthorizationContext is the result of a successful authorization. It is
// immutable: accessors return copies.
type AuthorizationContext struct {
	identity    Identity
	permissions PermissionSet
	scope       Scope
	sessionID   string
	issuedAt    time.Time
}

// NewAuthorizationContext snapshots its inputs. The organization id always
// comes from scope, which the guard derived from the identity.
func NewAuthorizationContext(id Identity, perms PermissionSet, scope Scope, claims Claims) *AuthorizationContext {
	return &AuthorizationContext{
		identity:    id.clone(),
		permissions: perms.Clone(),
		scope:       scope,
		sessionID:   claims.SessionID,
		issuedAt:    claims.IssuedAt,
	}
}

func (c *AuthorizationContext) Identity() Identity { return c.identity.clone() }

func (c *AuthorizationContext) UserID() string { return c.identity.ID }

func (c *AuthorizationContext) Roles() []Role { return append([]Role(nil), c.identity.Roles...) }

// Permissions returns the effective permissions computed when the context was built.
func (c *AuthorizationContext) Permissions() PermissionSet { return c.permissions.Clone() }

func (c *AuthorizationContext) Has(p Permission) bool { return c.permissions.Has(p) }

func (c *AuthorizationContext) Scope() Scope { return c.scope }

func (c *AuthorizationContext) OrganizationID() string { return c.scope.OrganizationID }

func (c *AuthorizationContext) CompanyID() string { return c.scope.CompanyID }

func (c *AuthorizationContext) SessionID() string { return c.sessionID }

func (c *AuthorizationContext) IssuedAt() time.Time { return c.issuedAt }

type authContextKey struct{}

// ContextWith attaches ac to ctx.
func ContextWith(ctx context.Context, ac *AuthorizationContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext returns the authorization context attached by the middleware.
func FromContext(ctx context.Context) (*AuthorizationContext, bool) {
	if ctx == nil {
		return nil, false
	}
	ac, ok := ctx.Value(authContextKey{}).(*AuthorizationContext)
	if !ok || ac == nil {
		return nil, false
	}
	return ac, true
}
