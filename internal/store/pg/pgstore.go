package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDB = errors.New("pg: database connection unavailable")

// Store implements the user, override and audit stores over database/sql.
type Store struct {
	db *sql.DB
}

var (
	_ auth.UserStore     = (*Store)(nil)
	_ auth.OverrideStore = (*Store)(nil)
	_ audit.Store        = (*Store)(nil)
	_ audit.Reader       = (*Store)(nil)
)

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

// FindUser loads a user with the company of its organization.
func (s *Store) FindUser(ctx context.Context, id string) (auth.UserRecord, error) {
	if s.db == nil {
		return auth.UserRecord{}, errNoDB
	}
	var (
		rec      auth.UserRecord
		rawRoles []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select u.id, u.email, u.status, u.is_admin, u.roles,
		       coalesce(u.organization_id, ''), coalesce(o.company_id, ''),
		       u.created_at, u.updated_at
		from users u
		left join organizations o on o.id = u.organization_id
		where u.id = $1
	`, id).Scan(&rec.ID, &rec.Email, &rec.Status, &rec.IsAdmin, &rawRoles,
		&rec.OrganizationID, &rec.CompanyID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.UserRecord{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.UserRecord{}, err
	}
	if rec.Roles, err = decodeRoles(rawRoles); err != nil {
		return auth.UserRecord{}, fmt.Errorf("decode roles for %s: %w", id, err)
	}
	return rec, nil
}

func decodeRoles(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var roles []string
	if err := json.Unmarshal(raw, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func encodeRoles(roles []string) ([]byte, error) {
	if roles == nil {
		roles = []string{}
	}
	return json.Marshal(roles)
}

// classify maps constraint violations onto auth sentinels.
func classify(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", auth.ErrConflict, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", auth.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
