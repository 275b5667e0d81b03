package authz

import (
	"context"
	"database/sql"
	"fmt"
)

// Resolver computes the effective permission set for a (user, organization)
// pair. A user with no active membership resolves to the empty set, never an
// error.
type Resolver interface {
	Resolve(ctx context.Context, userID, orgID int64) (PermissionSet, error)
}

// ReadQuerier is the read-only slice of the database the resolver needs.
// Both *sql.DB and the connection manager's replica querier satisfy it.
type ReadQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// StoreResolver resolves permissions by following the caller's active
// membership to its role's permission rows. Pure read; no side effects.
type StoreResolver struct {
	db ReadQuerier
}

// NewStoreResolver creates a resolver over the relational store.
func NewStoreResolver(db ReadQuerier) *StoreResolver {
	return &StoreResolver{db: db}
}

const resolvePermissionsQuery = `
	SELECT rp.permission
	FROM memberships m
	JOIN role_permissions rp ON rp.role_id = m.role_id
	WHERE m.user_id = $1 AND m.organization_id = $2 AND m.deleted_at IS NULL
`

// Resolve returns the union of permission tokens attached to the role of the
// caller's active membership in the organization.
func (r *StoreResolver) Resolve(ctx context.Context, userID, orgID int64) (PermissionSet, error) {
	rows, err := r.db.QueryContext(ctx, resolvePermissionsQuery, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve permissions: %w", err)
	}
	defer rows.Close()

	set := make(PermissionSet)
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		set[Permission(token)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}

	return set, nil
}
