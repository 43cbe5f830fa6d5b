//go:build integration

package pg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tenantgate.io/internal/audit"
	"tenantgate.io/internal/auth"
	"tenantgate.io/internal/migrate"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tenantgate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	store, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Ping(ctx))

	mgr := migrate.NewManager(store.DB(), nil)
	_, err = mgr.Up(ctx)
	require.NoError(t, err)
	_, err = mgr.Seed(ctx)
	require.NoError(t, err)
	return store
}

func TestStoreAgainstPostgres(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	n, err := store.MigrateLegacyRoles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "usr_admin and usr_viewer are legacy rows")

	n, err = store.MigrateLegacyRoles(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	admin, err := store.FindUser(ctx, "usr_admin")
	require.NoError(t, err)
	assert.False(t, admin.IsAdmin)
	assert.Equal(t, []string{"org_admin"}, admin.Roles)
	assert.Equal(t, "co_demo", admin.CompanyID)

	_, err = store.FindUser(ctx, "ghost")
	require.ErrorIs(t, err, auth.ErrNotFound)

	require.NoError(t, store.SetOverride(ctx, auth.PermissionOverride{UserID: "usr_editor", Permission: auth.PermBillingRead, Granted: true}))
	require.NoError(t, store.SetOverride(ctx, auth.PermissionOverride{UserID: "usr_editor", Permission: auth.PermBillingRead, Granted: false}))
	overrides, err := store.FindOverrides(ctx, "usr_editor")
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.False(t, overrides[0].Granted)
	require.ErrorIs(t, store.SetOverride(ctx, auth.PermissionOverride{UserID: "ghost", Permission: auth.PermOrgRead}), auth.ErrNotFound)
	require.NoError(t, store.DeleteOverride(ctx, "usr_editor", auth.PermBillingRead))
	require.ErrorIs(t, store.DeleteOverride(ctx, "usr_editor", auth.PermBillingRead), auth.ErrNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Append(ctx, audit.Record{ID: "rec_1", OrganizationID: "org_demo", Action: "authz.authorize", Risk: audit.RiskLow, OccurredAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Append(ctx, audit.Record{ID: "rec_2", OrganizationID: "org_demo", ActorID: "usr_admin", Action: "authz.authorize", Success: true, Risk: audit.RiskLow, OccurredAt: now, Metadata: map[string]string{"state": "authorized"}}))
	require.NoError(t, store.Append(ctx, audit.Record{ID: "rec_3", OrganizationID: "org_other", Action: "authz.authorize", Risk: audit.RiskHigh, OccurredAt: now}))

	recs, err := store.List(ctx, audit.Query{OrganizationID: "org_demo"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "rec_2", recs[0].ID)
	assert.Equal(t, "authorized", recs[0].Metadata["state"])

	_, err = store.DB().ExecContext(ctx, `delete from audit_log`)
	require.NoError(t, err)
	recs, err = store.List(ctx, audit.Query{OrganizationID: "org_demo"})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "audit log is append-only")
}
