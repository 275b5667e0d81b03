package members

import (
	"context"
	"database/sql"

	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/roles"
)

const (
	// Sibling active Administrator memberships in the same organization,
	// excluding the membership under mutation. FOR UPDATE locks the sibling
	// rows so two concurrent last-admin removals serialize instead of both
	// passing the check.
	siblingAdminsQuery = `SELECT m.id FROM memberships m JOIN roles r ON r.id = m.role_id WHERE m.organization_id = $1 AND m.deleted_at IS NULL AND r.name = $2 AND m.id <> $3 FOR UPDATE OF m`

	// Same check keyed by user: sibling admins held by anyone else.
	siblingAdminsByUserQuery = `SELECT m.id FROM memberships m JOIN roles r ON r.id = m.role_id WHERE m.organization_id = $1 AND m.deleted_at IS NULL AND r.name = $2 AND m.user_id <> $3 FOR UPDATE OF m`

	// Live non-unitary organizations where the user holds an active
	// Administrator membership.
	adminOrgsByUserQuery = `SELECT m.organization_id FROM memberships m JOIN roles r ON r.id = m.role_id JOIN organizations o ON o.id = m.organization_id WHERE m.user_id = $1 AND m.deleted_at IS NULL AND r.name = $2 AND o.is_unitary = FALSE AND o.deleted_at IS NULL ORDER BY m.organization_id`
)

// Guard checks the Administrator-preservation invariant: a live non-unitary
// organization must keep at least one active Administrator membership. All
// methods run inside the caller's transaction so the check is consistent
// with the write that follows it.
type Guard struct{}

// WouldOrphanMembership reports whether removing (or reassigning) the given
// membership would leave its organization without an active Administrator.
func (Guard) WouldOrphanMembership(ctx context.Context, tx *sql.Tx, orgID, membershipID int64) (bool, error) {
	rows, err := tx.QueryContext(ctx, siblingAdminsQuery, orgID, roles.RoleAdministrator, membershipID)
	if err != nil {
		return false, domain.Unknownf(err, "checking administrator coverage for organization %d", orgID)
	}
	defer rows.Close()

	hasSibling := rows.Next()
	if err := rows.Err(); err != nil {
		return false, domain.Unknownf(err, "checking administrator coverage for organization %d", orgID)
	}
	return !hasSibling, nil
}

// OrphanedOrgsByUser returns every live non-unitary organization that would
// lose its last active Administrator if all of the user's memberships were
// revoked. Used by user deactivation, which must reject before any write
// when the result is non-empty.
func (Guard) OrphanedOrgsByUser(ctx context.Context, tx *sql.Tx, userID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, adminOrgsByUserQuery, userID, roles.RoleAdministrator)
	if err != nil {
		return nil, domain.Unknownf(err, "listing administrator organizations for user %d", userID)
	}

	var adminOrgs []int64
	for rows.Next() {
		var orgID int64
		if err := rows.Scan(&orgID); err != nil {
			rows.Close()
			return nil, domain.Unknownf(err, "scanning administrator organization for user %d", userID)
		}
		adminOrgs = append(adminOrgs, orgID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, domain.Unknownf(err, "listing administrator organizations for user %d", userID)
	}
	rows.Close()

	var orphaned []int64
	for _, orgID := range adminOrgs {
		siblings, err := tx.QueryContext(ctx, siblingAdminsByUserQuery, orgID, roles.RoleAdministrator, userID)
		if err != nil {
			return nil, domain.Unknownf(err, "checking administrator coverage for organization %d", orgID)
		}
		hasSibling := siblings.Next()
		err = siblings.Err()
		siblings.Close()
		if err != nil {
			return nil, domain.Unknownf(err, "checking administrator coverage for organization %d", orgID)
		}
		if !hasSibling {
			orphaned = append(orphaned, orgID)
		}
	}
	return orphaned, nil
}
