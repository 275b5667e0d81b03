package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/roles"
)

const (
	getOrgQuery          = `SELECT id, name, is_unitary, owner_user_id, created_at, deleted_at FROM organizations WHERE id = $1`
	getOrgForUpdateQuery = `SELECT id, name, is_unitary, owner_user_id, created_at, deleted_at FROM organizations WHERE id = $1 FOR UPDATE`

	insertOrgQuery = `INSERT INTO organizations (name, is_unitary, owner_user_id, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id, created_at`

	renameOrgQuery     = `UPDATE organizations SET name = $2 WHERE id = $1`
	deactivateOrgQuery = `UPDATE organizations SET deleted_at = NOW() WHERE id = $1`
	reactivateOrgQuery = `UPDATE organizations SET deleted_at = NULL WHERE id = $1`

	// Revokes every active membership in the organization except those
	// holding the Administrator role. Administrators keep access to a
	// deactivated organization to service in-flight obligations.
	revokeNonAdminMembershipsQuery = `UPDATE memberships m SET deleted_at = NOW() FROM roles r WHERE r.id = m.role_id AND m.organization_id = $1 AND m.deleted_at IS NULL AND r.name <> $2`

	globalRoleByNameQuery = `SELECT id FROM roles WHERE name = $1 AND organization_id IS NULL`

	insertFoundingMembershipQuery = `INSERT INTO memberships (user_id, organization_id, role_id, created_at) VALUES ($1, $2, $3, NOW())`
)

// Service applies organization lifecycle transitions. Deactivation cascades
// to memberships in the same transaction; reactivation does not restore
// previously revoked memberships.
type Service struct {
	db          *sql.DB
	invalidator authz.Invalidator
	audit       audit.Sink
	logger      *observability.Logger
	metrics     *observability.Metrics
}

func NewService(db *sql.DB, invalidator authz.Invalidator, sink audit.Sink, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if invalidator == nil {
		invalidator = authz.NopInvalidator{}
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		db:          db,
		invalidator: invalidator,
		audit:       sink,
		logger:      logger,
		metrics:     metrics,
	}
}

// Get returns the organization snapshot.
func (s *Service) Get(ctx context.Context, id int64) (*Organization, error) {
	return scanOrganization(s.db.QueryRowContext(ctx, getOrgQuery, id), id)
}

// Create makes a non-unitary organization with the creator as its founding
// Administrator, so the admin-coverage invariant holds from the first row.
func (s *Service) Create(ctx context.Context, creatorUserID int64, name string) (*Organization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning organization create")
	}
	defer tx.Rollback()

	var adminRoleID int64
	err = tx.QueryRowContext(ctx, globalRoleByNameQuery, roles.RoleAdministrator).Scan(&adminRoleID)
	if err != nil {
		return nil, domain.Unknownf(err, "resolving the %s role", roles.RoleAdministrator)
	}

	org := &Organization{Name: name}
	err = tx.QueryRowContext(ctx, insertOrgQuery, name, false, nil).Scan(&org.ID, &org.CreatedAt)
	if err != nil {
		return nil, domain.Unknownf(err, "creating organization %q", name)
	}

	if _, err := tx.ExecContext(ctx, insertFoundingMembershipQuery, creatorUserID, org.ID, adminRoleID); err != nil {
		return nil, domain.Unknownf(err, "creating founding membership for organization %d", org.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing organization create")
	}

	s.invalidator.InvalidateUser(ctx, creatorUserID)
	s.record(ctx, creatorUserID, org.ID, "create", fmt.Sprintf("organization %q created by user %d", name, creatorUserID))
	return org, nil
}

// Apply runs a partial update through the organization state machine and
// returns the post-transition snapshot.
func (s *Service) Apply(ctx context.Context, actorID, id int64, delta Delta) (*Organization, error) {
	org, err := s.apply(ctx, actorID, id, delta)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = domain.KindOf(err).String()
		}
		s.metrics.LifecycleTransitionsTotal.WithLabelValues("organization", actionName(delta), status).Inc()
	}
	return org, err
}

// ApplyBatch applies one delta per organization id. Ids fail independently.
func (s *Service) ApplyBatch(ctx context.Context, actorID int64, deltas map[int64]Delta) map[int64]domain.Outcome[*Organization] {
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	results := domain.RunBatch(ctx, ids, func(ctx context.Context, id int64) (*Organization, error) {
		return s.Apply(ctx, actorID, id, deltas[id])
	})
	if s.metrics != nil {
		for _, outcome := range results {
			label := "ok"
			if outcome.Err != nil {
				label = "error"
			}
			s.metrics.BatchItemsTotal.WithLabelValues("organization", label).Inc()
		}
	}
	return results
}

func (s *Service) apply(ctx context.Context, actorID, id int64, delta Delta) (*Organization, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning organization update %d", id)
	}
	defer tx.Rollback()

	org, err := scanOrganization(tx.QueryRowContext(ctx, getOrgForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}

	targetActive := org.Active()
	if delta.Deleted != nil {
		targetActive = !*delta.Deleted
	}
	rename := delta.Name != nil && *delta.Name != org.Name

	if targetActive == org.Active() && !rename {
		if err := tx.Commit(); err != nil {
			return nil, domain.Unknownf(err, "committing organization update %d", id)
		}
		return org, nil
	}

	if org.IsUnitary && targetActive != org.Active() {
		return nil, domain.InvalidTransitionf("organization %d is unitary and follows its owner's lifecycle", id)
	}

	var action, detail string
	switch {
	case org.Active() && !targetActive:
		if rename {
			return nil, domain.InvalidTransitionf("cannot rename and deactivate organization %d in one update", id)
		}
		result, err := tx.ExecContext(ctx, revokeNonAdminMembershipsQuery, id, roles.RoleAdministrator)
		if err != nil {
			return nil, domain.Unknownf(err, "revoking memberships of organization %d", id)
		}
		revoked, _ := result.RowsAffected()
		if _, err := tx.ExecContext(ctx, deactivateOrgQuery, id); err != nil {
			return nil, domain.Unknownf(err, "deactivating organization %d", id)
		}
		action, detail = "deactivate", fmt.Sprintf("organization %d deactivated, %d non-administrator memberships revoked", id, revoked)

	case !org.Active() && targetActive:
		if rename {
			return nil, domain.InvalidTransitionf("cannot rename and reactivate organization %d in one update", id)
		}
		if _, err := tx.ExecContext(ctx, reactivateOrgQuery, id); err != nil {
			return nil, domain.Unknownf(err, "reactivating organization %d", id)
		}
		action, detail = "reactivate", fmt.Sprintf("organization %d reactivated", id)

	default: // rename
		if !org.Active() {
			return nil, domain.AlreadyTerminal("organization", id)
		}
		if _, err := tx.ExecContext(ctx, renameOrgQuery, id, *delta.Name); err != nil {
			return nil, domain.Unknownf(err, "renaming organization %d", id)
		}
		action, detail = "rename", fmt.Sprintf("organization %d renamed to %q", id, *delta.Name)
	}

	updated, err := scanOrganization(tx.QueryRowContext(ctx, getOrgQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing organization update %d", id)
	}

	if action != "rename" {
		s.invalidator.InvalidateOrg(ctx, id)
	}
	s.record(ctx, actorID, id, action, detail)
	return updated, nil
}

func (s *Service) record(ctx context.Context, actorID, orgID int64, action, detail string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:  actorID,
		Entity:   "organization",
		EntityID: orgID,
		Action:   action,
		Detail:   detail,
	})
	s.logger.WithFields(map[string]interface{}{
		"organization_id": orgID,
		"actor_id":        actorID,
		"action":          action,
	}).Info("organization transition applied")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrganization(row rowScanner, id int64) (*Organization, error) {
	var org Organization
	var owner sql.NullInt64
	var deletedAt sql.NullTime
	err := row.Scan(&org.ID, &org.Name, &org.IsUnitary, &owner, &org.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("organization", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading organization %d", id)
	}
	if owner.Valid {
		org.OwnerUserID = &owner.Int64
	}
	if deletedAt.Valid {
		org.DeletedAt = &deletedAt.Time
	}
	return &org, nil
}

func actionName(delta Delta) string {
	switch {
	case delta.Deleted != nil && *delta.Deleted:
		return "deactivate"
	case delta.Deleted != nil:
		return "reactivate"
	case delta.Name != nil:
		return "rename"
	default:
		return "noop"
	}
}
