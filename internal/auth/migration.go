package auth

// RoleSourceKind tells where a user's roles come from.
type RoleSourceKind int

const (
	// SourceRoleBased rows carry an explicit role list and no live legacy flag.
	SourceRoleBased RoleSourceKind = iota
	// SourceLegacyAdmin rows still rely on the boolean is_admin column.
	SourceLegacyAdmin
)

func (k RoleSourceKind) String() string {
	if k == SourceLegacyAdmin {
		return "legacy_admin"
	}
	return "role_based"
}

// RoleSource is the stored role representation of a user.
type RoleSource struct {
	Kind    RoleSourceKind
	IsAdmin bool
	Roles   []Role
}

// ClassifyRoles builds the tagged representation of a stored row. A row is legacy
// while its is_admin flag is set or it has no roles at all.
func ClassifyRoles(isAdmin bool, roles []Role) RoleSource {
	roles = dedupeRoles(roles)
	if isAdmin || len(roles) == 0 {
		return RoleSource{Kind: SourceLegacyAdmin, IsAdmin: isAdmin, Roles: roles}
	}
	return RoleSource{Kind: SourceRoleBased, Roles: roles}
}

// Migrate converts the source into its role-based form:
// is_admin=true adds org_admin, and a user left without roles becomes a viewer.
// The result is always SourceRoleBased, so migrating twice changes nothing.
func (s RoleSource) Migrate() RoleSource {
	if s.Kind == SourceRoleBased {
		return RoleSource{Kind: SourceRoleBased, Roles: dedupeRoles(s.Roles)}
	}
	roles := dedupeRoles(s.Roles)
	if s.IsAdmin && !containsRole(roles, RoleOrgAdmin) {
		roles = append(roles, RoleOrgAdmin)
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}
	return RoleSource{Kind: SourceRoleBased, Roles: roles}
}

// MigrateLegacyRoles is the flat form of ClassifyRoles(...).Migrate().Roles.
func MigrateLegacyRoles(isAdmin bool, roles []Role) []Role {
	return ClassifyRoles(isAdmin, roles).Migrate().Roles
}

func containsRole(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
