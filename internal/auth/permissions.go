package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability string from a closed catalogue.
type Permission string

const (
	PermOrgRead       Permission = "ORG_READ"
	PermOrgWrite      Permission = "ORG_WRITE"
	PermOrgDelete     Permission = "ORG_DELETE"
	PermUserRead      Permission = "USER_READ"
	PermUserWrite     Permission = "USER_WRITE"
	PermUserManage    Permission = "USER_MANAGE"
	PermWidgetRead    Permission = "WIDGET_READ"
	PermWidgetWrite   Permission = "WIDGET_WRITE"
	PermWidgetDelete  Permission = "WIDGET_DELETE"
	PermFAQRead       Permission = "FAQ_READ"
	PermFAQWrite      Permission = "FAQ_WRITE"
	PermFAQDelete     Permission = "FAQ_DELETE"
	PermBillingRead   Permission = "BILLING_READ"
	PermBillingWrite  Permission = "BILLING_WRITE"
	PermAnalyticsRead Permission = "ANALYTICS_READ"
	PermSettingsRead  Permission = "SETTINGS_READ"
	PermSettingsWrite Permission = "SETTINGS_WRITE"
	PermAPIAccess     Permission = "API_ACCESS"
	PermAuditRead     Permission = "AUDIT_READ"
	PermSystemAdmin   Permission = "SYSTEM_ADMIN"
)

// Sensitivity grades how damaging misuse of a permission would be.
type Sensitivity int

const (
	SensitivityNormal Sensitivity = iota
	SensitivityElevated
	SensitivityCritical
)

type permissionInfo struct {
	description string
	sensitivity Sensitivity
}

var catalogue = map[Permission]permissionInfo{
	PermOrgRead:       {"Read organization profile", SensitivityNormal},
	PermOrgWrite:      {"Update organization profile", SensitivityNormal},
	PermOrgDelete:     {"Delete the organization", SensitivityElevated},
	PermUserRead:      {"List organization members", SensitivityNormal},
	PermUserWrite:     {"Invite and update members", SensitivityNormal},
	PermUserManage:    {"Change member roles and permission overrides", SensitivityElevated},
	PermWidgetRead:    {"Read widgets", SensitivityNormal},
	PermWidgetWrite:   {"Create and update widgets", SensitivityNormal},
	PermWidgetDelete:  {"Delete widgets", SensitivityNormal},
	PermFAQRead:       {"Read FAQs", SensitivityNormal},
	PermFAQWrite:      {"Create and update FAQs", SensitivityNormal},
	PermFAQDelete:     {"Delete FAQs", SensitivityNormal},
	PermBillingRead:   {"View billing details", SensitivityNormal},
	PermBillingWrite:  {"Change plan and payment details", SensitivityElevated},
	PermAnalyticsRead: {"View dashboards", SensitivityNormal},
	PermSettingsRead:  {"Read organization settings", SensitivityNormal},
	PermSettingsWrite: {"Change organization settings", SensitivityElevated},
	PermAPIAccess:     {"Call the public API", SensitivityNormal},
	PermAuditRead:     {"Read the audit log", SensitivityElevated},
	PermSystemAdmin:   {"Operate the platform across tenants", SensitivityCritical},
}

// AllPermissions returns the catalogue sorted by key.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(catalogue))
	for p := range catalogue {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParsePermission normalises raw into a catalogue permission.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := catalogue[p]; !ok {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// Valid reports whether p is part of the catalogue.
func (p Permission) Valid() bool {
	_, ok := catalogue[p]
	return ok
}

func (p Permission) Description() string { return catalogue[p].description }

func (p Permission) Sensitivity() Sensitivity { return catalogue[p].sensitivity }

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAny is false for an empty request.
func (s PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// HasAll is true for an empty request.
func (s PermissionSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Sorted returns the members ordered by key.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
