package auth

import (
	"fmt"
	"strings"
)

// ScopeGuard confines a request to the identity's own organization.
type ScopeGuard struct{}

// Scope derives the tenant scope from the stored identity only.
func (ScopeGuard) Scope(id Identity) (Scope, error) {
	org := strings.TrimSpace(id.OrganizationID)
	if org == "" {
		return Scope{}, fmt.Errorf("%w: user %s", ErrNoOrganizationScope, id.ID)
	}
	return Scope{OrganizationID: org, CompanyID: strings.TrimSpace(id.CompanyID)}, nil
}

// Confine checks an organization id taken from a request path against the
// scope. It never replaces the scope with the requested value.
func (ScopeGuard) Confine(s Scope, requestedOrgID string) error {
	requestedOrgID = strings.TrimSpace(requestedOrgID)
	if s.OrganizationID == "" {
		return ErrNoOrganizationScope
	}
	if requestedOrgID != s.OrganizationID {
		return fmt.Errorf("%w: requested %q", ErrScopeMismatch, requestedOrgID)
	}
	return nil
}
