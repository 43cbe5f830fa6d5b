package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Resolver turns a verified subject into a live Identity.
type Resolver struct {
	users UserStore
	log   logrus.FieldLogger
}

// NewResolver builds a resolver over users. A nil logger discards output.
func NewResolver(users UserStore, log logrus.FieldLogger) *Resolver {
	if log == nil {
		log = discardLogger()
	}
	return &Resolver{users: users, log: log}
}

// Resolve performs a live lookup of subjectID. Unknown and disabled users both
// yield ErrUserNotFound. Legacy role rows are migrated in memory.
func (r *Resolver) Resolve(ctx context.Context, subjectID string) (Identity, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Identity{}, ErrUserNotFound
	}
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	rec, err := r.users.FindUser(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: %s", ErrUserNotFound, subjectID)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("find user: %w", err)
	}
	if rec.ID != subjectID {
		return Identity{}, fmt.Errorf("find user: store returned %q for %q", rec.ID, subjectID)
	}
	if strings.EqualFold(rec.Status, UserStatusDisabled) {
		return Identity{}, fmt.Errorf("%w: %s disabled", ErrUserNotFound, subjectID)
	}

	roles, unknown := ParseRoles(rec.Roles)
	if len(unknown) > 0 {
		r.log.WithFields(logrus.Fields{"user_id": rec.ID, "roles": unknown}).Warn("dropping unknown roles")
	}
	source := ClassifyRoles(rec.IsAdmin, roles)
	if source.Kind == SourceLegacyAdmin {
		r.log.WithField("user_id", rec.ID).Debug("migrating legacy roles in memory")
	}

	return Identity{
		ID:             rec.ID,
		Email:          rec.Email,
		Roles:          source.Migrate().Roles,
		OrganizationID: strings.TrimSpace(rec.OrganizationID),
		CompanyID:      strings.TrimSpace(rec.CompanyID),
	}, nil
}
