package auth

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Evaluate computes effective permissions: the union of every role's defaults,
// then overrides applied per permission. When overrides for one permission
// disagree the revoke wins. Unknown permissions in overrides are ignored.
func Evaluate(table RoleTable, roles []Role, overrides []PermissionOverride) PermissionSet {
	set := table.Grants(roles)
	decided := make(map[Permission]bool, len(overrides))
	for _, o := range overrides {
		if !o.Permission.Valid() {
			continue
		}
		if granted, seen := decided[o.Permission]; seen && !granted {
			continue
		}
		decided[o.Permission] = o.Granted
	}
	for p, granted := range decided {
		if granted {
			set[p] = struct{}{}
		} else {
			delete(set, p)
		}
	}
	return set
}

// Engine answers permission questions for an identity. It reads overrides on
// every call and keeps no state between calls.
type Engine struct {
	table     RoleTable
	overrides OverrideReader
	log       logrus.FieldLogger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithRoleTable replaces the built-in role table.
func WithRoleTable(t RoleTable) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.table = t
		}
	}
}

// WithEngineLogger sets the logger used for data-quality warnings.
func WithEngineLogger(l logrus.FieldLogger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine builds an engine reading overrides from store. A nil store means
// no overrides.
func NewEngine(store OverrideReader, opts ...EngineOption) *Engine {
	e := &Engine{table: defaultRoleTable, overrides: store, log: discardLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EffectivePermissions returns a fresh permission set for id.
func (e *Engine) EffectivePermissions(ctx context.Context, id Identity) (PermissionSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var overrides []PermissionOverride
	if e.overrides != nil {
		var err error
		overrides, err = e.overrides.FindOverrides(ctx, id.ID)
		if err != nil {
			return nil, fmt.Errorf("find overrides: %w", err)
		}
	}
	for _, o := range overrides {
		if !o.Permission.Valid() {
			e.log.WithFields(logrus.Fields{"user_id": id.ID, "permission": string(o.Permission)}).
				Warn("ignoring override for unknown permission")
		}
	}
	return Evaluate(e.table, id.Roles, overrides), nil
}

// Has reports whether id holds p.
func (e *Engine) Has(ctx context.Context, id Identity, p Permission) (bool, error) {
	set, err := e.EffectivePermissions(ctx, id)
	if err != nil {
		return false, err
	}
	return set.Has(p), nil
}

// HasAny reports whether id holds at least one of perms.
func (e *Engine) HasAny(ctx context.Context, id Identity, perms ...Permission) (bool, error) {
	set, err := e.EffectivePermissions(ctx, id)
	if err != nil {
		return false, err
	}
	return set.HasAny(perms...), nil
}

// HasAll reports whether id holds every one of perms.
func (e *Engine) HasAll(ctx context.Context, id Identity, perms ...Permission) (bool, error) {
	set, err := e.EffectivePermissions(ctx, id)
	if err != nil {
		return false, err
	}
	return set.HasAll(perms...), nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
