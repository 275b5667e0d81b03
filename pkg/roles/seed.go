package roles

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/depot-registry/depot/pkg/domain"
)

//go:embed roles.yaml
var seedCatalog []byte

type seedFile struct {
	Roles []seedRole `yaml:"roles"`
}

type seedRole struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

const (
	findGlobalRoleQuery = `SELECT id FROM roles WHERE name = $1 AND organization_id IS NULL`

	insertGlobalRoleQuery = `INSERT INTO roles (organization_id, name, description, created_at, updated_at) VALUES (NULL, $1, $2, NOW(), NOW()) RETURNING id`
)

// Seed upserts the global roles from the embedded catalog. Safe to run on
// every startup: existing roles keep their id and get their grants replaced.
func (s *Store) Seed(ctx context.Context) error {
	var file seedFile
	if err := yaml.Unmarshal(seedCatalog, &file); err != nil {
		return fmt.Errorf("parsing global role catalog: %w", err)
	}

	for _, seed := range file.Roles {
		if !IsRestrictedName(seed.Name) {
			return fmt.Errorf("global role catalog names unknown role %q", seed.Name)
		}
		perms, err := validateTokens(seed.Permissions)
		if err != nil {
			return fmt.Errorf("global role %q: %w", seed.Name, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return domain.Unknownf(err, "beginning seed of role %q", seed.Name)
		}

		var roleID int64
		err = tx.QueryRowContext(ctx, findGlobalRoleQuery, seed.Name).Scan(&roleID)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx, insertGlobalRoleQuery, seed.Name, seed.Description).Scan(&roleID)
		}
		if err != nil {
			tx.Rollback()
			return domain.Unknownf(err, "upserting global role %q", seed.Name)
		}

		if _, err := tx.ExecContext(ctx, deleteRolePermissionsQuery, roleID); err != nil {
			tx.Rollback()
			return domain.Unknownf(err, "clearing grants for global role %q", seed.Name)
		}
		for token := range perms {
			if _, err := tx.ExecContext(ctx, insertRolePermissionQuery, roleID, string(token)); err != nil {
				tx.Rollback()
				return domain.Unknownf(err, "granting %s to global role %q", token, seed.Name)
			}
		}

		if err := tx.Commit(); err != nil {
			return domain.Unknownf(err, "committing seed of role %q", seed.Name)
		}
		s.cache.Remove(roleID)
	}

	return nil
}
