package roles

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
)

const (
	getRoleQuery = `SELECT id, organization_id, name, description, created_at, updated_at FROM roles WHERE id = $1`

	getRolePermissionsQuery = `SELECT permission FROM role_permissions WHERE role_id = $1 ORDER BY permission`

	listRolesQuery = `SELECT id, organization_id, name, description, created_at, updated_at FROM roles WHERE organization_id IS NULL OR organization_id = $1 ORDER BY id`

	insertRoleQuery = `INSERT INTO roles (organization_id, name, description, created_at, updated_at) VALUES ($1, $2, $3, NOW(), NOW()) RETURNING id, created_at, updated_at`

	insertRolePermissionQuery = `INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2)`

	updateRoleQuery = `UPDATE roles SET name = $2, description = $3, updated_at = NOW() WHERE id = $1 RETURNING updated_at`

	deleteRolePermissionsQuery = `DELETE FROM role_permissions WHERE role_id = $1`

	deleteRoleQuery = `DELETE FROM roles WHERE id = $1`

	countActiveAssigneesQuery = `SELECT COUNT(*) FROM memberships WHERE role_id = $1 AND deleted_at IS NULL`
)

const uniqueViolation = "23505"

// Store reads and mutates roles. Reads go through a short-lived LRU so the
// hot membership-resolution path does not hit the database per role lookup.
type Store struct {
	db          *sql.DB
	cache       *expirable.LRU[int64, *Role]
	invalidator authz.Invalidator
}

// NewStore creates a role store. The invalidator drops cached permission
// sets when a custom role's grants change.
func NewStore(db *sql.DB, invalidator authz.Invalidator) *Store {
	if invalidator == nil {
		invalidator = authz.NopInvalidator{}
	}
	return &Store{
		db:          db,
		cache:       expirable.NewLRU[int64, *Role](256, nil, time.Minute),
		invalidator: invalidator,
	}
}

// GetByID fetches a role and its permission grants. Cached copies are
// treated as immutable.
func (s *Store) GetByID(ctx context.Context, id int64) (*Role, error) {
	if role, ok := s.cache.Get(id); ok {
		return role, nil
	}

	role, err := s.getByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}

	s.cache.Add(id, role)
	return role, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) getByID(ctx context.Context, q querier, id int64) (*Role, error) {
	role := &Role{}
	err := q.QueryRowContext(ctx, getRoleQuery, id).Scan(
		&role.ID, &role.OrganizationID, &role.Name, &role.Description,
		&role.CreatedAt, &role.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("role", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "fetching role %d", id)
	}

	perms, err := s.getPermissions(ctx, q, id)
	if err != nil {
		return nil, err
	}
	role.Permissions = perms
	return role, nil
}

func (s *Store) getPermissions(ctx context.Context, q querier, roleID int64) (authz.PermissionSet, error) {
	rows, err := q.QueryContext(ctx, getRolePermissionsQuery, roleID)
	if err != nil {
		return nil, domain.Unknownf(err, "fetching permissions for role %d", roleID)
	}
	defer rows.Close()

	set := authz.NewPermissionSet()
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, domain.Unknownf(err, "scanning permission for role %d", roleID)
		}
		set[authz.Permission(token)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unknownf(err, "iterating permissions for role %d", roleID)
	}
	return set, nil
}

// ListForOrg returns every global role plus the organization's custom roles.
func (s *Store) ListForOrg(ctx context.Context, orgID int64) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx, listRolesQuery, orgID)
	if err != nil {
		return nil, domain.Unknownf(err, "listing roles for organization %d", orgID)
	}
	defer rows.Close()

	var result []*Role
	for rows.Next() {
		role := &Role{}
		if err := rows.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description,
			&role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, domain.Unknownf(err, "scanning role for organization %d", orgID)
		}
		result = append(result, role)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unknownf(err, "iterating roles for organization %d", orgID)
	}

	for _, role := range result {
		perms, err := s.getPermissions(ctx, s.db, role.ID)
		if err != nil {
			return nil, err
		}
		role.Permissions = perms
	}
	return result, nil
}

// Create makes a custom role scoped to the organization.
func (s *Store) Create(ctx context.Context, orgID int64, name, description string, permissions []string) (*Role, error) {
	if IsRestrictedName(name) {
		return nil, domain.ConstraintViolationf("role name %q is reserved for global roles", name)
	}
	perms, err := validateTokens(permissions)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning role creation")
	}
	defer tx.Rollback()

	role := &Role{
		OrganizationID: &orgID,
		Name:           name,
		Description:    description,
		Permissions:    perms,
	}
	err = tx.QueryRowContext(ctx, insertRoleQuery, orgID, name, description).
		Scan(&role.ID, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("role %q already exists in organization %d", name, orgID)
		}
		return nil, domain.Unknownf(err, "inserting role %q", name)
	}

	for token := range perms {
		if _, err := tx.ExecContext(ctx, insertRolePermissionQuery, role.ID, string(token)); err != nil {
			return nil, domain.Unknownf(err, "granting permission %s to role %d", token, role.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing role creation")
	}
	return role, nil
}

// Update renames a custom role or replaces its grants. Passing nil
// permissions leaves grants unchanged. Global roles are immutable. A role
// owned by a different organization reads as absent rather than forbidden,
// so role IDs cannot be enumerated across organizations.
func (s *Store) Update(ctx context.Context, orgID, id int64, name, description *string, permissions []string) (*Role, error) {
	role, err := s.getByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if role.IsGlobal() {
		return nil, domain.ConstraintViolationf("global role %q cannot be modified", role.Name)
	}
	if *role.OrganizationID != orgID {
		return nil, domain.NotFound("role", id)
	}

	if name != nil {
		if IsRestrictedName(*name) {
			return nil, domain.ConstraintViolationf("role name %q is reserved for global roles", *name)
		}
		role.Name = *name
	}
	if description != nil {
		role.Description = *description
	}

	var newPerms authz.PermissionSet
	if permissions != nil {
		newPerms, err = validateTokens(permissions)
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning role update")
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, updateRoleQuery, id, role.Name, role.Description).Scan(&role.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("role %q already exists in organization %d", role.Name, *role.OrganizationID)
		}
		return nil, domain.Unknownf(err, "updating role %d", id)
	}

	if newPerms != nil {
		if _, err := tx.ExecContext(ctx, deleteRolePermissionsQuery, id); err != nil {
			return nil, domain.Unknownf(err, "clearing permissions for role %d", id)
		}
		for token := range newPerms {
			if _, err := tx.ExecContext(ctx, insertRolePermissionQuery, id, string(token)); err != nil {
				return nil, domain.Unknownf(err, "granting permission %s to role %d", token, id)
			}
		}
		role.Permissions = newPerms
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing role update")
	}

	s.cache.Remove(id)
	// Grant changes alter effective permissions for every member holding
	// this role in the organization.
	if newPerms != nil {
		s.invalidator.InvalidateOrg(ctx, *role.OrganizationID)
	}
	return role, nil
}

// Delete removes a custom role with zero active assignees. Roles are the
// only entities physically deleted through the API. As with Update, a role
// in another organization reads as absent.
func (s *Store) Delete(ctx context.Context, orgID, id int64) error {
	role, err := s.getByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if role.IsGlobal() {
		return domain.ConstraintViolationf("global role %q cannot be deleted", role.Name)
	}
	if *role.OrganizationID != orgID {
		return domain.NotFound("role", id)
	}

	var assignees int
	if err := s.db.QueryRowContext(ctx, countActiveAssigneesQuery, id).Scan(&assignees); err != nil {
		return domain.Unknownf(err, "counting assignees for role %d", id)
	}
	if assignees > 0 {
		return domain.ConstraintViolationf("role %q has %d active assignees", role.Name, assignees)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Unknownf(err, "beginning role deletion")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteRolePermissionsQuery, id); err != nil {
		return domain.Unknownf(err, "clearing permissions for role %d", id)
	}
	if _, err := tx.ExecContext(ctx, deleteRoleQuery, id); err != nil {
		return domain.Unknownf(err, "deleting role %d", id)
	}

	if err := tx.Commit(); err != nil {
		return domain.Unknownf(err, "committing role deletion")
	}

	s.cache.Remove(id)
	return nil
}

func validateTokens(tokens []string) (authz.PermissionSet, error) {
	set := authz.NewPermissionSet()
	for _, t := range tokens {
		p := authz.Permission(t)
		if !p.Valid() {
			return nil, domain.ConstraintViolationf("unknown permission token %q", t)
		}
		set[p] = struct{}{}
	}
	return set, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
