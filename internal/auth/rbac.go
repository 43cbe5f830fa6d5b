package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Role is one of the built-in organization roles.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleOwner      Role = "owner"
	RoleOrgAdmin   Role = "org_admin"
	RoleEditor     Role = "editor"
	RoleViewer     Role = "viewer"
	RoleAPIUser    Role = "api_user"
	RoleReadOnly   Role = "read_only"
)

// ParseRole normalises raw into a known role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := defaultRoleTable[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}

// RoleTable maps each role to the permissions it grants by default.
type RoleTable map[Role]PermissionSet

var defaultRoleTable = RoleTable{
	RoleSuperAdmin: NewPermissionSet(AllPermissions()...),
	RoleOwner: NewPermissionSet(
		PermOrgRead, PermOrgWrite, PermOrgDelete,
		PermUserRead, PermUserWrite, PermUserManage,
		PermWidgetRead, PermWidgetWrite, PermWidgetDelete,
		PermFAQRead, PermFAQWrite, PermFAQDelete,
		PermBillingRead, PermBillingWrite,
		PermAnalyticsRead, PermSettingsRead, PermSettingsWrite,
		PermAPIAccess, PermAuditRead,
	),
	RoleOrgAdmin: NewPermissionSet(
		PermOrgRead, PermOrgWrite,
		PermUserRead, PermUserWrite, PermUserManage,
		PermWidgetRead, PermWidgetWrite, PermWidgetDelete,
		PermFAQRead, PermFAQWrite, PermFAQDelete,
		PermBillingRead,
		PermAnalyticsRead, PermSettingsRead, PermSettingsWrite,
		PermAPIAccess, PermAuditRead,
	),
	RoleEditor: NewPermissionSet(
		PermOrgRead,
		PermWidgetRead, PermWidgetWrite,
		PermFAQRead, PermFAQWrite, PermFAQDelete,
		PermAnalyticsRead, PermSettingsRead,
	),
	RoleViewer: NewPermissionSet(
		PermOrgRead, PermWidgetRead, PermFAQRead, PermAnalyticsRead,
	),
	RoleAPIUser: NewPermissionSet(
		PermAPIAccess, PermWidgetRead, PermFAQRead,
	),
	RoleReadOnly: NewPermissionSet(
		PermOrgRead, PermWidgetRead, PermFAQRead,
	),
}

// DefaultRoleTable returns a copy of the built-in role table.
func DefaultRoleTable() RoleTable {
	out := make(RoleTable, len(defaultRoleTable))
	for role, perms := range defaultRoleTable {
		out[role] = perms.Clone()
	}
	return out
}

// KnownRoles returns the name of every built-in role, sorted.
func KnownRoles() []string {
	out := make([]string, 0, len(defaultRoleTable))
	for role := range defaultRoleTable {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}

// Grants returns the union of the defaults of every role in roles.
// Roles missing from the table grant nothing.
func (t RoleTable) Grants(roles []Role) PermissionSet {
	out := make(PermissionSet)
	for _, role := range roles {
		for p := range t[role] {
			out[p] = struct{}{}
		}
	}
	return out
}

// dedupeRoles keeps the first occurrence of each role.
func dedupeRoles(roles []Role) []Role {
	if len(roles) == 0 {
		return nil
	}
	seen := make(map[Role]struct{}, len(roles))
	out := make([]Role, 0, len(roles))
	for _, role := range roles {
		if _, ok := seen[role]; ok {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

// ParseRoles parses raw role names, returning the known roles in order and the
// names that could not be parsed.
func ParseRoles(raw []string) (roles []Role, unknown []string) {
	for _, name := range raw {
		if strings.TrimSpace(name) == "" {
			continue
		}
		role, err := ParseRole(name)
		if err != nil {
			unknown = append(unknown, name)
			continue
		}
		roles = append(roles, role)
	}
	return dedupeRoles(roles), unknown
}
