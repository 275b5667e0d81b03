//go:build integration

package integration

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/dbschema"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/members"
	"github.com/depot-registry/depot/pkg/orgs"
	"github.com/depot-registry/depot/pkg/roles"
	"github.com/depot-registry/depot/pkg/users"
)

func setupDatabase(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	if _, err := testcontainers.ProviderDocker.GetProvider(); err != nil {
		t.Skip("Docker not available, skipping integration tests")
	}

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("depot_test"),
		postgres.WithUsername("depot"),
		postgres.WithPassword("depot_test_password"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		container.Terminate(cleanupCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Ping())

	require.NoError(t, dbschema.RunMigrations(ctx, db))
	require.NoError(t, roles.NewStore(db, nil).Seed(ctx))
	return db
}

func adminRoleID(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`SELECT id FROM roles WHERE name = $1 AND organization_id IS NULL`, roles.RoleAdministrator).Scan(&id)
	require.NoError(t, err)
	return id
}

// TestConcurrentLastAdminRevocation races two revocations of the only two
// Administrator memberships in an organization. Row locking must serialize
// them so exactly one succeeds and the survivor is rejected.
func TestConcurrentLastAdminRevocation(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()

	userService := users.NewService(db, nil, nil, nil, nil)
	orgService := orgs.NewService(db, nil, nil, nil, nil)
	memberService := members.NewService(db, nil, nil, nil, nil)

	alice, err := userService.Create(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	bob, err := userService.Create(ctx, "bob", "bob@example.com")
	require.NoError(t, err)

	org, err := orgService.Create(ctx, alice.ID, "acme")
	require.NoError(t, err)

	bobMembership, err := memberService.Create(ctx, alice.ID, bob.ID, org.ID, adminRoleID(t, db))
	require.NoError(t, err)

	var aliceMembershipID int64
	err = db.QueryRow(
		`SELECT id FROM memberships WHERE user_id = $1 AND organization_id = $2 AND deleted_at IS NULL`,
		alice.ID, org.ID,
	).Scan(&aliceMembershipID)
	require.NoError(t, err)

	revoked := true
	delta := members.Delta{Revoked: &revoked}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	ids := []int64{aliceMembershipID, bobMembership.ID}
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = memberService.Apply(ctx, alice.ID, id, delta)
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	rejected := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.IsKind(err, domain.KindConstraintViolation):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)

	var remaining int
	err = db.QueryRow(
		`SELECT COUNT(*) FROM memberships m JOIN roles r ON r.id = m.role_id
		 WHERE m.organization_id = $1 AND m.deleted_at IS NULL AND r.name = $2`,
		org.ID, roles.RoleAdministrator,
	).Scan(&remaining)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "one active Administrator must survive")
}

// TestDeleteRoleWithRevokedAssignees deletes a custom role whose only
// assignment was already revoked. The revoked row keeps its historical
// role_id; after deletion the membership reads as absent and cannot be
// reactivated.
func TestDeleteRoleWithRevokedAssignees(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()

	userService := users.NewService(db, nil, nil, nil, nil)
	orgService := orgs.NewService(db, nil, nil, nil, nil)
	memberService := members.NewService(db, nil, nil, nil, nil)
	roleStore := roles.NewStore(db, nil)

	dora, err := userService.Create(ctx, "dora", "dora@example.com")
	require.NoError(t, err)
	erin, err := userService.Create(ctx, "erin", "erin@example.com")
	require.NoError(t, err)

	org, err := orgService.Create(ctx, dora.ID, "globex")
	require.NoError(t, err)

	role, err := roleStore.Create(ctx, org.ID, "Release Engineer", "", []string{"write:versions"})
	require.NoError(t, err)

	membership, err := memberService.Create(ctx, dora.ID, erin.ID, org.ID, role.ID)
	require.NoError(t, err)

	revoked := true
	_, err = memberService.Apply(ctx, dora.ID, membership.ID, members.Delta{Revoked: &revoked})
	require.NoError(t, err)

	// The role has zero active assignees; the revoked row must not pin it.
	require.NoError(t, roleStore.Delete(ctx, org.ID, role.ID))

	// Reactivation of the orphaned membership reads as absent; the row
	// itself stays revoked.
	active := false
	_, err = memberService.Apply(ctx, dora.ID, membership.ID, members.Delta{Revoked: &active})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))

	var deletedAt sql.NullTime
	err = db.QueryRow(`SELECT deleted_at FROM memberships WHERE id = $1`, membership.ID).Scan(&deletedAt)
	require.NoError(t, err)
	assert.True(t, deletedAt.Valid)
}

// TestLifecycleFlow exercises the full path: user signup with unitary
// organization, team organization with founding Administrator, permission
// resolution, and organization deactivation cascading over memberships.
func TestLifecycleFlow(t *testing.T) {
	db := setupDatabase(t)
	ctx := context.Background()

	userService := users.NewService(db, nil, nil, nil, nil)
	orgService := orgs.NewService(db, nil, nil, nil, nil)
	resolver := authz.NewStoreResolver(db)

	carol, err := userService.Create(ctx, "carol", "carol@example.com")
	require.NoError(t, err)
	require.NotZero(t, carol.UnitaryOrgID)

	// Founder holds every permission in both the unitary org and the team org.
	set, err := resolver.Resolve(ctx, carol.ID, carol.UnitaryOrgID)
	require.NoError(t, err)
	assert.True(t, set.Has(authz.PermAdmin))

	org, err := orgService.Create(ctx, carol.ID, "initech")
	require.NoError(t, err)

	set, err = resolver.Resolve(ctx, carol.ID, org.ID)
	require.NoError(t, err)
	assert.True(t, set.Has(authz.PermAdmin))

	// Deactivating the team org leaves carol's unitary org untouched.
	deleted := true
	_, err = orgService.Apply(ctx, carol.ID, org.ID, orgs.Delta{Deleted: &deleted})
	require.NoError(t, err)

	set, err = resolver.Resolve(ctx, carol.ID, carol.UnitaryOrgID)
	require.NoError(t, err)
	assert.True(t, set.Has(authz.PermAdmin))
}
