// Package memory keeps users, overrides and audit records in process memory.
// It backs dev mode and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	users     map[string]auth.UserRecord
	overrides map[string]map[auth.Permission]auth.PermissionOverride
	records   []audit.Record
	now       func() time.Time
}

var (
	_ auth.UserStore     = (*Store)(nil)
	_ auth.OverrideStore = (*Store)(nil)
	_ audit.Store        = (*Store)(nil)
	_ audit.Reader       = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]auth.UserRecord),
		overrides: make(map[string]map[auth.Permission]auth.PermissionOverride),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(rec auth.UserRecord) {
	rec.Roles = append([]string(nil), rec.Roles...)
	if rec.Status == "" {
		rec.Status = auth.UserStatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if old, ok := s.users[rec.ID]; ok {
		rec.CreatedAt = old.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.users[rec.ID] = rec
}

func (s *Store) FindUser(ctx context.Context, id string) (auth.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return auth.UserRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[id]
	if !ok {
		return auth.UserRecord{}, auth.ErrNotFound
	}
	rec.Roles = append([]string(nil), rec.Roles...)
	return rec, nil
}

func (s *Store) FindOverrides(ctx context.Context, userID string) ([]auth.PermissionOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byPerm := s.overrides[userID]
	out := make([]auth.PermissionOverride, 0, len(byPerm))
	for _, o := range byPerm {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out, nil
}

func (s *Store) SetOverride(ctx context.Context, o auth.PermissionOverride) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.Permission.Valid() {
		return fmt.Errorf("%w: unknown permission %q", auth.ErrInvalidInput, o.Permission)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[o.UserID]; !ok {
		return fmt.Errorf("%w: user %s", auth.ErrNotFound, o.UserID)
	}
	o.CreatedAt = s.now()
	byPerm, ok := s.overrides[o.UserID]
	if !ok {
		byPerm = make(map[auth.Permission]auth.PermissionOverride)
		s.overrides[o.UserID] = byPerm
	}
	byPerm[o.Permission] = o
	return nil
}

func (s *Store) DeleteOverride(ctx context.Context, userID string, p auth.Permission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byPerm := s.overrides[userID]
	if _, ok := byPerm[p]; !ok {
		return auth.ErrNotFound
	}
	delete(byPerm, p)
	return nil
}

// Append records an audit entry. Records are never modified afterwards.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.Action) == "" {
		return errors.New("memory: audit action is required")
	}
	if len(rec.Metadata) > 0 {
		meta := make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			meta[k] = v
		}
		rec.Metadata = meta
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, q audit.Query) ([]audit.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()
	if q.OrganizationID == "" {
		return nil, errors.New("memory: organization id is required")
	}
	s.mu.RLock()
	var out []audit.Record
	for _, rec := range s.records {
		if rec.OrganizationID != q.OrganizationID {
			continue
		}
		if !q.Before.IsZero() && !rec.OccurredAt.Before(q.Before) {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].OccurredAt.After(out[j].OccurredAt)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Records returns every appended record in insertion order.
func (s *Store) Records() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record(nil), s.records...)
}

// MigrateLegacyRoles converts every legacy user row to its role-based form.
// A row is legacy when is_admin is set or none of its roles is known.
func (s *Store) MigrateLegacyRoles(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, rec := range s.users {
		known, unknown := auth.ParseRoles(rec.Roles)
		if !rec.IsAdmin && len(known) > 0 {
			continue
		}
		names := make([]string, 0, len(known)+len(unknown)+1)
		for _, r := range auth.MigrateLegacyRoles(rec.IsAdmin, known) {
			names = append(names, string(r))
		}
		rec.Roles = append(names, unknown...)
		rec.IsAdmin = false
		rec.UpdatedAt = s.now()
		s.users[id] = rec
		changed++
	}
	return changed, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
