// Package dbschema creates and versions the relational schema. Migrations
// are applied in order inside individual transactions and tracked in the
// schema_migrations table, so running them on every startup is safe.
package dbschema

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a single versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the full ordered schema history.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and organizations",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL,
					email VARCHAR(255) NOT NULL,
					is_operator BOOLEAN NOT NULL DEFAULT FALSE,
					unitary_org_id BIGINT,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX idx_users_username ON users(username);
				CREATE UNIQUE INDEX idx_users_email ON users(email);

				CREATE TABLE IF NOT EXISTS organizations (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					is_unitary BOOLEAN NOT NULL DEFAULT FALSE,
					owner_user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMP
				);

				ALTER TABLE users ADD CONSTRAINT users_unitary_org_fk
					FOREIGN KEY (unitary_org_id) REFERENCES organizations(id) ON DELETE SET NULL;

				CREATE UNIQUE INDEX idx_organizations_name_live
					ON organizations(name) WHERE deleted_at IS NULL AND is_unitary = FALSE;
				CREATE INDEX idx_organizations_owner ON organizations(owner_user_id);
			`,
		},
		{
			Version:     2,
			Description: "Create roles and role_permissions",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX idx_roles_global_name ON roles(name)
					WHERE organization_id IS NULL;
				CREATE UNIQUE INDEX idx_roles_org_name ON roles(organization_id, name)
					WHERE organization_id IS NOT NULL;

				CREATE TABLE IF NOT EXISTS role_permissions (
					role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					permission VARCHAR(64) NOT NULL,
					PRIMARY KEY (role_id, permission)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					-- No FK on role_id: revoked memberships keep their historical
					-- role reference after the role is deleted. Scope integrity is
					-- enforced when the role is assigned.
					role_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX idx_memberships_active_pair
					ON memberships(user_id, organization_id) WHERE deleted_at IS NULL;
				CREATE INDEX idx_memberships_organization ON memberships(organization_id);
				CREATE INDEX idx_memberships_role ON memberships(role_id);
			`,
		},
		{
			Version:     4,
			Description: "Create packages and package_versions",
			SQL: `
				CREATE TABLE IF NOT EXISTS packages (
					id BIGSERIAL PRIMARY KEY,
					organization_id BIGINT NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
					name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					archived_at TIMESTAMP,
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX idx_packages_org_name_live
					ON packages(organization_id, name) WHERE deleted_at IS NULL;

				CREATE TABLE IF NOT EXISTS package_versions (
					id BIGSERIAL PRIMARY KEY,
					package_id BIGINT NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
					version VARCHAR(255) NOT NULL,
					artifact_key TEXT NOT NULL,
					checksum VARCHAR(64) NOT NULL,
					size_bytes BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					archived_at TIMESTAMP,
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX idx_package_versions_live
					ON package_versions(package_id, version) WHERE deleted_at IS NULL;
			`,
		},
		{
			Version:     5,
			Description: "Create sessions",
			SQL: `
				CREATE TABLE IF NOT EXISTS sessions (
					id UUID PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					token_hash VARCHAR(64) NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					expires_at TIMESTAMP NOT NULL,
					revoked_at TIMESTAMP
				);

				CREATE UNIQUE INDEX idx_sessions_token_hash ON sessions(token_hash);
				CREATE INDEX idx_sessions_user ON sessions(user_id);
				CREATE INDEX idx_sessions_expires ON sessions(expires_at);
			`,
		},
		{
			Version:     6,
			Description: "Create audit_events and download_events",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_events (
					id BIGSERIAL PRIMARY KEY,
					actor_id BIGINT NOT NULL,
					entity VARCHAR(64) NOT NULL,
					entity_id BIGINT NOT NULL,
					action VARCHAR(64) NOT NULL,
					detail TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_audit_events_entity ON audit_events(entity, entity_id, created_at);

				CREATE TABLE IF NOT EXISTS download_events (
					id BIGSERIAL PRIMARY KEY,
					version_id BIGINT NOT NULL REFERENCES package_versions(id) ON DELETE CASCADE,
					user_id BIGINT NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_download_events_version ON download_events(version_id);
			`,
		},
	}
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT NOW()
	)
`

const (
	listAppliedVersionsQuery = `SELECT version FROM schema_migrations ORDER BY version`
	recordMigrationQuery     = `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`
)

// RunMigrations applies all unapplied migrations in version order. Each
// migration runs in its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, listAppliedVersionsQuery)
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	for _, migration := range Migrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction for migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx, recordMigrationQuery, migration.Version, migration.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}
