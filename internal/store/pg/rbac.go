package pg

import (
	"context"
	"database/sql"
	"fmt"

	"tenantgate.io/internal/auth"
)

// FindOverrides returns the overrides of one user ordered by permission.
func (s *Store) FindOverrides(ctx context.Context, userID string) ([]auth.PermissionOverride, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select user_id, permission, granted, coalesce(granted_by, ''), created_at
		from permission_overrides
		where user_id = $1
		order by permission
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.PermissionOverride
	for rows.Next() {
		var (
			o    auth.PermissionOverride
			perm string
		)
		if err := rows.Scan(&o.UserID, &perm, &o.Granted, &o.GrantedBy, &o.CreatedAt); err != nil {
			return nil, err
		}
		// Unknown names are kept; the engine skips them.
		o.Permission = auth.Permission(perm)
		result = append(result, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetOverride inserts or replaces the override for (user, permission).
func (s *Store) SetOverride(ctx context.Context, o auth.PermissionOverride) error {
	if s.db == nil {
		return errNoDB
	}
	if !o.Permission.Valid() {
		return fmt.Errorf("%w: unknown permission %q", auth.ErrInvalidInput, o.Permission)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permission_overrides (user_id, permission, granted, granted_by, created_at)
		values ($1, $2, $3, $4, now())
		on conflict (user_id, permission) do update
		set granted = excluded.granted,
		    granted_by = excluded.granted_by,
		    created_at = excluded.created_at
	`, o.UserID, string(o.Permission), o.Granted, nullIfEmpty(o.GrantedBy))
	if err != nil {
		return classify(err)
	}
	return nil
}

// DeleteOverride removes one override; ErrNotFound when there was none.
func (s *Store) DeleteOverride(ctx context.Context, userID string, p auth.Permission) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from permission_overrides where user_id = $1 and permission = $2`,
		userID, string(p))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// MigrateLegacyRoles rewrites legacy rows (is_admin set or no known role) into their
// role-based form, batch rows per transaction, and returns how many changed.
// Role names the service no longer knows are preserved.
func (s *Store) MigrateLegacyRoles(ctx context.Context, batch int) (int, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	if batch <= 0 {
		batch = 500
	}
	total := 0
	for {
		n, err := s.migrateBatch(ctx, batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < batch {
			return total, nil
		}
	}
}

type legacyRow struct {
	id      string
	isAdmin bool
	roles   []string
}

// knownRoles is the jsonb array of built-in role names; rows holding none of
// them are legacy.
var knownRoles, _ = encodeRoles(auth.KnownRoles())

func (s *Store) migrateBatch(ctx context.Context, batch int) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		select id, is_admin, roles
		from users
		where is_admin or not exists (
			select 1 from jsonb_array_elements_text(roles) as r(name)
			where lower(btrim(r.name)) in (select jsonb_array_elements_text($2::jsonb))
		)
		order by id
		limit $1
		for update skip locked
	`, batch, knownRoles)
	if err != nil {
		return 0, err
	}
	var pending []legacyRow
	for rows.Next() {
		var (
			row legacyRow
			raw []byte
		)
		if err := rows.Scan(&row.id, &row.isAdmin, &raw); err != nil {
			rows.Close()
			return 0, err
		}
		if row.roles, err = decodeRoles(raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("decode roles for %s: %w", row.id, err)
		}
		pending = append(pending, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, row := range pending {
		known, unknown := auth.ParseRoles(row.roles)
		migrated := auth.MigrateLegacyRoles(row.isAdmin, known)
		names := make([]string, 0, len(migrated)+len(unknown))
		for _, r := range migrated {
			names = append(names, string(r))
		}
		names = append(names, unknown...)
		payload, err := encodeRoles(names)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			update users set roles = $2, is_admin = false, updated_at = now()
			where id = $1
		`, row.id, payload); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(pending), nil
}
