package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/members"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/roles"
)

const (
	getUserQuery          = `SELECT id, username, email, unitary_org_id, created_at, deleted_at FROM users WHERE id = $1`
	getUserForUpdateQuery = `SELECT id, username, email, unitary_org_id, created_at, deleted_at FROM users WHERE id = $1 FOR UPDATE`

	insertUserQuery       = `INSERT INTO users (username, email, created_at) VALUES ($1, $2, NOW()) RETURNING id, created_at`
	insertUnitaryOrgQuery = `INSERT INTO organizations (name, is_unitary, owner_user_id, created_at) VALUES ($1, TRUE, $2, NOW()) RETURNING id`
	setUnitaryOrgQuery    = `UPDATE users SET unitary_org_id = $2 WHERE id = $1`

	globalRoleByNameQuery = `SELECT id FROM roles WHERE name = $1 AND organization_id IS NULL`
	insertMembershipQuery = `INSERT INTO memberships (user_id, organization_id, role_id, created_at) VALUES ($1, $2, $3, NOW())`

	updateProfileQuery = `UPDATE users SET username = $2, email = $3 WHERE id = $1`

	// Step one of the deactivation cascade. The user's membership in their
	// unitary organization is left active; the organization itself is
	// deactivated instead.
	revokeNonUnitaryMembershipsQuery = `UPDATE memberships m SET deleted_at = NOW() FROM organizations o WHERE o.id = m.organization_id AND m.user_id = $1 AND m.deleted_at IS NULL AND o.is_unitary = FALSE`

	deactivateUnitaryOrgQuery = `UPDATE organizations SET deleted_at = NOW() WHERE owner_user_id = $1 AND is_unitary = TRUE`
	reactivateUnitaryOrgQuery = `UPDATE organizations SET deleted_at = NULL WHERE owner_user_id = $1 AND is_unitary = TRUE`

	deactivateUserQuery = `UPDATE users SET deleted_at = NOW() WHERE id = $1`
	reactivateUserQuery = `UPDATE users SET deleted_at = NULL WHERE id = $1`
)

const uniqueViolation = "23505"

// Service applies user lifecycle transitions. Deactivation is all or
// nothing: the guard check across every organization the user administers
// runs before the first write.
type Service struct {
	db          *sql.DB
	guard       members.Guard
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

// Get returns the user snapshot.
func (s *Service) Get(ctx context.Context, id int64) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, getUserQuery, id), id)
}

// Create makes a user together with their unitary organization and an
// Administrator membership in it, all in one transaction. The organization
// is named after the user id.
func (s *Service) Create(ctx context.Context, username, email string) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning user create")
	}
	defer tx.Rollback()

	var adminRoleID int64
	err = tx.QueryRowContext(ctx, globalRoleByNameQuery, roles.RoleAdministrator).Scan(&adminRoleID)
	if err != nil {
		return nil, domain.Unknownf(err, "resolving the %s role", roles.RoleAdministrator)
	}

	u := &User{Username: username, Email: email}
	err = tx.QueryRowContext(ctx, insertUserQuery, username, email).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("username or email already in use")
		}
		return nil, domain.Unknownf(err, "creating user %q", username)
	}

	orgName := strconv.FormatInt(u.ID, 10)
	err = tx.QueryRowContext(ctx, insertUnitaryOrgQuery, orgName, u.ID).Scan(&u.UnitaryOrgID)
	if err != nil {
		return nil, domain.Unknownf(err, "creating unitary organization for user %d", u.ID)
	}
	if _, err := tx.ExecContext(ctx, setUnitaryOrgQuery, u.ID, u.UnitaryOrgID); err != nil {
		return nil, domain.Unknownf(err, "linking unitary organization for user %d", u.ID)
	}
	if _, err := tx.ExecContext(ctx, insertMembershipQuery, u.ID, u.UnitaryOrgID, adminRoleID); err != nil {
		return nil, domain.Unknownf(err, "creating unitary membership for user %d", u.ID)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing user create")
	}

	s.record(ctx, u.ID, u.ID, "create", fmt.Sprintf("user %q created with unitary organization %d", username, u.UnitaryOrgID))
	return u, nil
}

// Apply runs a partial update through the user state machine and returns
// the post-transition snapshot.
func (s *Service) Apply(ctx context.Context, actorID, id int64, delta Delta) (*User, error) {
	u, err := s.apply(ctx, actorID, id, delta)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = domain.KindOf(err).String()
		}
		s.metrics.LifecycleTransitionsTotal.WithLabelValues("user", actionName(delta), status).Inc()
	}
	return u, err
}

// ApplyBatch applies one delta per user id. Ids fail independently.
func (s *Service) ApplyBatch(ctx context.Context, actorID int64, deltas map[int64]Delta) map[int64]domain.Outcome[*User] {
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	results := domain.RunBatch(ctx, ids, func(ctx context.Context, id int64) (*User, error) {
		return s.Apply(ctx, actorID, id, deltas[id])
	})
	if s.metrics != nil {
		for _, outcome := range results {
			label := "ok"
			if outcome.Err != nil {
				label = "error"
			}
			s.metrics.BatchItemsTotal.WithLabelValues("user", label).Inc()
		}
	}
	return results
}

func (s *Service) apply(ctx context.Context, actorID, id int64, delta Delta) (*User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning user update %d", id)
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRowContext(ctx, getUserForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}

	targetActive := u.Active()
	if delta.Deleted != nil {
		targetActive = !*delta.Deleted
	}
	profileChange := (delta.Username != nil && *delta.Username != u.Username) ||
		(delta.Email != nil && *delta.Email != u.Email)

	if targetActive == u.Active() && !profileChange {
		if err := tx.Commit(); err != nil {
			return nil, domain.Unknownf(err, "committing user update %d", id)
		}
		return u, nil
	}

	var action, detail string
	switch {
	case u.Active() && !targetActive:
		if profileChange {
			return nil, domain.InvalidTransitionf("cannot edit profile and deactivate user %d in one update", id)
		}
		if err := s.checkAdminCoverage(ctx, tx, id); err != nil {
			return nil, err
		}
		result, err := tx.ExecContext(ctx, revokeNonUnitaryMembershipsQuery, id)
		if err != nil {
			return nil, domain.Unknownf(err, "revoking memberships of user %d", id)
		}
		revoked, _ := result.RowsAffected()
		if _, err := tx.ExecContext(ctx, deactivateUnitaryOrgQuery, id); err != nil {
			return nil, domain.Unknownf(err, "deactivating unitary organization of user %d", id)
		}
		if _, err := tx.ExecContext(ctx, deactivateUserQuery, id); err != nil {
			return nil, domain.Unknownf(err, "deactivating user %d", id)
		}
		action, detail = "deactivate", fmt.Sprintf("user %d deactivated, %d memberships revoked", id, revoked)

	case !u.Active() && targetActive:
		if profileChange {
			return nil, domain.InvalidTransitionf("cannot edit profile and reactivate user %d in one update", id)
		}
		if _, err := tx.ExecContext(ctx, reactivateUnitaryOrgQuery, id); err != nil {
			return nil, domain.Unknownf(err, "reactivating unitary organization of user %d", id)
		}
		if _, err := tx.ExecContext(ctx, reactivateUserQuery, id); err != nil {
			return nil, domain.Unknownf(err, "reactivating user %d", id)
		}
		action, detail = "reactivate", fmt.Sprintf("user %d reactivated", id)

	default: // profile edit
		if !u.Active() {
			return nil, domain.AlreadyTerminal("user", id)
		}
		username, email := u.Username, u.Email
		if delta.Username != nil {
			username = *delta.Username
		}
		if delta.Email != nil {
			email = *delta.Email
		}
		if _, err := tx.ExecContext(ctx, updateProfileQuery, id, username, email); err != nil {
			if isUniqueViolation(err) {
				return nil, domain.ConstraintViolationf("username or email already in use")
			}
			return nil, domain.Unknownf(err, "updating profile of user %d", id)
		}
		action, detail = "update_profile", fmt.Sprintf("user %d profile updated", id)
	}

	updated, err := scanUser(tx.QueryRowContext(ctx, getUserQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing user update %d", id)
	}

	if action != "update_profile" {
		s.invalidator.InvalidateUser(ctx, id)
	}
	s.record(ctx, actorID, id, action, detail)
	return updated, nil
}

// checkAdminCoverage rejects the whole deactivation when any live
// non-unitary organization would lose its last active Administrator. Runs
// before the first write so a rejection leaves no partial cascade behind.
func (s *Service) checkAdminCoverage(ctx context.Context, tx *sql.Tx, userID int64) error {
	orphaned, err := s.guard.OrphanedOrgsByUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if len(orphaned) == 0 {
		return nil
	}
	s.audit.Record(ctx, audit.Event{
		Entity:   "user",
		EntityID: userID,
		Action:   "guard_denied",
		Detail:   fmt.Sprintf("organizations %v would be left without an active Administrator", orphaned),
	})
	return domain.ConstraintViolationf("organizations %v would be left without an active Administrator", orphaned)
}

func (s *Service) record(ctx context.Context, actorID, userID int64, action, detail string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:  actorID,
		Entity:   "user",
		EntityID: userID,
		Action:   action,
		Detail:   detail,
	})
	s.logger.WithFields(map[string]interface{}{
		"user_id":  userID,
		"actor_id": actorID,
		"action":   action,
	}).Info("user transition applied")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner, id int64) (*User, error) {
	var u User
	var unitaryOrg sql.NullInt64
	var deletedAt sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.Email, &unitaryOrg, &u.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("user", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading user %d", id)
	}
	if unitaryOrg.Valid {
		u.UnitaryOrgID = unitaryOrg.Int64
	}
	if deletedAt.Valid {
		u.DeletedAt = &deletedAt.Time
	}
	return &u, nil
}

func actionName(delta Delta) string {
	switch {
	case delta.Deleted != nil && *delta.Deleted:
		return "deactivate"
	case delta.Deleted != nil:
		return "reactivate"
	case delta.Username != nil || delta.Email != nil:
		return "update_profile"
	default:
		return "noop"
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
