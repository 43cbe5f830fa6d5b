package auth

import "context"

// UserStore loads live user records. FindUser returns ErrNotFound for an
// unknown id.
type UserStore interface {
	FindUser(ctx context.Context, id string) (UserRecord, error)
}

// OverrideStore manages per-user permission overrides.
type OverrideStore interface {
	FindOverrides(ctx context.Context, userID string) ([]PermissionOverride, error)
	SetOverride(ctx context.Context, o PermissionOverride) error
	DeleteOverride(ctx context.Context, userID string, p Permission) error
}

// OverrideReader is the read half of OverrideStore, all the engine needs.
type OverrideReader interface {
	FindOverrides(ctx context.Context, userID string) ([]PermissionOverride, error)
}
