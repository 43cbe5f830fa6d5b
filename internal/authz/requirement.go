package authz

import (
	"strings"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
)

// Mode selects how a multi-permission requirement is satisfied.
type Mode int

const (
	ModeAll Mode = iota
	ModeAny
)

func (m Mode) String() string {
	if m == ModeAny {
		return "any"
	}
	return "all"
}

// Requirement is what a route demands beyond authentication and scope. The
// zero value demands nothing. Resource names the guarded thing in audit
// records; empty uses the request path.
type Requirement struct {
	Permissions []auth.Permission
	Mode        Mode
	Resource    string
}

// Require demands a single permission.
func Require(p auth.Permission) Requirement {
	return Requirement{Permissions: []auth.Permission{p}}
}

// RequireAll demands every one of perms.
func RequireAll(perms ...auth.Permission) Requirement {
	return Requirement{Permissions: append([]auth.Permission(nil), perms...), Mode: ModeAll}
}

// RequireAny demands at least one of perms.
func RequireAny(perms ...auth.Permission) Requirement {
	return Requirement{Permissions: append([]auth.Permission(nil), perms...), Mode: ModeAny}
}

// On returns a copy of r naming resource in audit records.
func (r Requirement) On(resource string) Requirement {
	r.Resource = resource
	return r
}

// Empty reports whether no permission check is needed.
func (r Requirement) Empty() bool { return len(r.Permissions) == 0 }

// SatisfiedBy evaluates r against an effective permission set.
func (r Requirement) SatisfiedBy(set auth.PermissionSet) bool {
	if r.Empty() {
		return true
	}
	if r.Mode == ModeAny {
		return set.HasAny(r.Permissions...)
	}
	return set.HasAll(r.Permissions...)
}

// Missing lists required permissions absent from set.
func (r Requirement) Missing(set auth.PermissionSet) []auth.Permission {
	var out []auth.Permission
	for _, p := range r.Permissions {
		if !set.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (r Requirement) String() string {
	if r.Empty() {
		return "authenticated"
	}
	names := make([]string, len(r.Permissions))
	for i, p := range r.Permissions {
		names[i] = string(p)
	}
	if len(names) == 1 {
		return names[0]
	}
	return r.Mode.String() + "(" + strings.Join(names, ",") + ")"
}

// Risk is the audit risk of exercising r: the most sensitive permission wins.
func (r Requirement) Risk() audit.Risk {
	out := audit.RiskLow
	for _, p := range r.Permissions {
		switch p.Sensitivity() {
		case auth.SensitivityCritical:
			out = audit.MaxRisk(out, audit.RiskCritical)
		case auth.SensitivityElevated:
			out = audit.MaxRisk(out, audit.RiskHigh)
		}
	}
	return out
}
