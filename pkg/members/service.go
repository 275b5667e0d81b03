package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/roles"
)

const (
	getMembershipQuery = `SELECT m.id, m.user_id, m.organization_id, m.role_id, r.name, m.created_at, m.deleted_at FROM memberships m JOIN roles r ON r.id = m.role_id WHERE m.id = $1`

	// Same row, locked for the duration of the transaction so concurrent
	// deltas against one membership serialize.
	getMembershipForUpdateQuery = `SELECT m.id, m.user_id, m.organization_id, m.role_id, r.name, m.created_at, m.deleted_at FROM memberships m JOIN roles r ON r.id = m.role_id WHERE m.id = $1 FOR UPDATE OF m`

	getOrgStateQuery  = `SELECT is_unitary, deleted_at FROM organizations WHERE id = $1`
	getUserStateQuery = `SELECT deleted_at FROM users WHERE id = $1`

	getRoleForAssignQuery = `SELECT id, organization_id, name FROM roles WHERE id = $1`

	revokeMembershipQuery     = `UPDATE memberships SET deleted_at = NOW() WHERE id = $1`
	reassignMembershipQuery   = `UPDATE memberships SET role_id = $2 WHERE id = $1`
	reactivateMembershipQuery = `UPDATE memberships SET deleted_at = NULL, role_id = $2, created_at = NOW() WHERE id = $1`

	insertMembershipQuery = `INSERT INTO memberships (user_id, organization_id, role_id, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id, created_at`
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on active (user_id, organization_id) pairs.
const uniqueViolation = "23505"

// Service applies membership lifecycle transitions. Every mutation runs in
// one transaction with the guard check, invalidates the actor's cached
// permissions on commit, and records an audit event.
type Service struct {
	db          *sql.DB
	guard       Guard
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

// Get returns the membership snapshot including its role name.
func (s *Service) Get(ctx context.Context, id int64) (*Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, getMembershipQuery, id), id)
}

// Create adds an active membership. The role must be global or scoped to the
// target organization, and both the user and the organization must be live.
// A second active membership for the same (user, organization) pair is a
// constraint violation.
func (s *Service) Create(ctx context.Context, actorID, userID, orgID, roleID int64) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning membership create for user %d", userID)
	}
	defer tx.Rollback()

	userDeleted, err := userState(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if userDeleted {
		return nil, domain.InvalidTransitionf("user %d is deleted", userID)
	}

	org, err := orgState(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}
	if org.deleted {
		return nil, domain.InvalidTransitionf("organization %d is deleted", orgID)
	}

	role, err := roleForAssignment(ctx, tx, roleID, orgID)
	if err != nil {
		return nil, err
	}

	m := &Membership{UserID: userID, OrganizationID: orgID, RoleID: role.id, RoleName: role.name}
	err = tx.QueryRowContext(ctx, insertMembershipQuery, userID, orgID, role.id).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("user %d already has an active membership in organization %d", userID, orgID)
		}
		return nil, domain.Unknownf(err, "creating membership for user %d in organization %d", userID, orgID)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing membership create for user %d", userID)
	}

	s.invalidator.InvalidateUser(ctx, userID)
	s.recordTransition(ctx, actorID, m.ID, "create", fmt.Sprintf("user %d joined organization %d as %s", userID, orgID, m.RoleName))
	return m, nil
}

// Apply runs a partial update through the membership state machine and
// returns the post-transition snapshot. An empty delta, or one matching the
// current state, is an accepted no-op.
func (s *Service) Apply(ctx context.Context, actorID, id int64, delta Delta) (*Membership, error) {
	m, err := s.apply(ctx, actorID, id, delta)
	status := "ok"
	if err != nil {
		status = domain.KindOf(err).String()
	}
	if s.metrics != nil {
		s.metrics.LifecycleTransitionsTotal.WithLabelValues("membership", actionName(delta), status).Inc()
	}
	return m, err
}

// ApplyBatch applies one delta per membership id. Ids fail independently.
func (s *Service) ApplyBatch(ctx context.Context, actorID int64, deltas map[int64]Delta) map[int64]domain.Outcome[*Membership] {
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	results := domain.RunBatch(ctx, ids, func(ctx context.Context, id int64) (*Membership, error) {
		return s.Apply(ctx, actorID, id, deltas[id])
	})
	if s.metrics != nil {
		for _, outcome := range results {
			label := "ok"
			if outcome.Err != nil {
				label = "error"
			}
			s.metrics.BatchItemsTotal.WithLabelValues("membership", label).Inc()
		}
	}
	return results
}

func (s *Service) apply(ctx context.Context, actorID, id int64, delta Delta) (*Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning membership update %d", id)
	}
	defer tx.Rollback()

	m, err := scanMembership(tx.QueryRowContext(ctx, getMembershipForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}

	targetActive := m.Active()
	if delta.Revoked != nil {
		targetActive = !*delta.Revoked
	}
	roleChange := delta.RoleID != nil && *delta.RoleID != m.RoleID

	// Delta matches the current state: accepted, nothing written.
	if targetActive == m.Active() && !roleChange {
		if err := tx.Commit(); err != nil {
			return nil, domain.Unknownf(err, "committing membership update %d", id)
		}
		return m, nil
	}

	var action, detail string
	switch {
	case m.Active() && !targetActive:
		if roleChange {
			return nil, domain.InvalidTransitionf("cannot change role and revoke membership %d in one update", id)
		}
		if err := s.checkGuardForRemoval(ctx, tx, m); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, revokeMembershipQuery, id); err != nil {
			return nil, domain.Unknownf(err, "revoking membership %d", id)
		}
		action, detail = "revoke", fmt.Sprintf("membership of user %d in organization %d revoked", m.UserID, m.OrganizationID)

	case !m.Active() && targetActive:
		targetRoleID := m.RoleID
		if delta.RoleID != nil {
			targetRoleID = *delta.RoleID
		}
		if err := s.checkReactivation(ctx, tx, m, targetRoleID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, reactivateMembershipQuery, id, targetRoleID); err != nil {
			if isUniqueViolation(err) {
				return nil, domain.ConstraintViolationf("user %d already has an active membership in organization %d", m.UserID, m.OrganizationID)
			}
			return nil, domain.Unknownf(err, "reactivating membership %d", id)
		}
		action, detail = "reactivate", fmt.Sprintf("membership of user %d in organization %d reactivated", m.UserID, m.OrganizationID)

	case roleChange && !m.Active():
		return nil, domain.InvalidTransitionf("cannot change role of revoked membership %d", id)

	default: // reassign on an active membership
		role, err := roleForAssignment(ctx, tx, *delta.RoleID, m.OrganizationID)
		if err != nil {
			return nil, err
		}
		// The guard keys off the role currently held, not the target one:
		// demoting the last Administrator orphans the organization just as
		// surely as revoking them.
		if m.RoleName == roles.RoleAdministrator {
			if err := s.checkGuardForRemoval(ctx, tx, m); err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx, reassignMembershipQuery, id, role.id); err != nil {
			return nil, domain.Unknownf(err, "reassigning membership %d", id)
		}
		action, detail = "reassign", fmt.Sprintf("membership of user %d in organization %d moved to role %s", m.UserID, m.OrganizationID, role.name)
	}

	updated, err := scanMembership(tx.QueryRowContext(ctx, getMembershipQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing membership update %d", id)
	}

	s.invalidator.InvalidateUser(ctx, m.UserID)
	s.recordTransition(ctx, actorID, id, action, detail)
	return updated, nil
}

// checkGuardForRemoval rejects removing or demoting the organization's last
// active Administrator. Unitary and already-deleted organizations are exempt.
func (s *Service) checkGuardForRemoval(ctx context.Context, tx *sql.Tx, m *Membership) error {
	if m.RoleName != roles.RoleAdministrator {
		return nil
	}
	org, err := orgState(ctx, tx, m.OrganizationID)
	if err != nil {
		return err
	}
	if org.unitary || org.deleted {
		return nil
	}
	orphaned, err := s.guard.WouldOrphanMembership(ctx, tx, m.OrganizationID, m.ID)
	if err != nil {
		return err
	}
	if orphaned {
		s.audit.Record(ctx, audit.Event{
			Entity:   "membership",
			EntityID: m.ID,
			Action:   "guard_denied",
			Detail:   fmt.Sprintf("organization %d would be left without an active Administrator", m.OrganizationID),
		})
		return domain.ConstraintViolationf("organization %d would be left without an active Administrator", m.OrganizationID)
	}
	return nil
}

func (s *Service) checkReactivation(ctx context.Context, tx *sql.Tx, m *Membership, targetRoleID int64) error {
	if _, err := roleForAssignment(ctx, tx, targetRoleID, m.OrganizationID); err != nil {
		return err
	}
	userDeleted, err := userState(ctx, tx, m.UserID)
	if err != nil {
		return err
	}
	if userDeleted {
		return domain.InvalidTransitionf("user %d is deleted", m.UserID)
	}
	org, err := orgState(ctx, tx, m.OrganizationID)
	if err != nil {
		return err
	}
	if org.deleted {
		return domain.InvalidTransitionf("organization %d is deleted", m.OrganizationID)
	}
	return nil
}

func (s *Service) recordTransition(ctx context.Context, actorID, membershipID int64, action, detail string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:  actorID,
		Entity:   "membership",
		EntityID: membershipID,
		Action:   action,
		Detail:   detail,
	})
	s.logger.WithFields(map[string]interface{}{
		"membership_id": membershipID,
		"actor_id":      actorID,
		"action":        action,
	}).Info("membership transition applied")
}

type assignableRole struct {
	id    int64
	orgID *int64
	name  string
}

// roleForAssignment resolves a role and enforces the scope rule: a
// membership's role is either global or owned by the membership's
// organization.
func roleForAssignment(ctx context.Context, tx *sql.Tx, roleID, orgID int64) (*assignableRole, error) {
	var role assignableRole
	err := tx.QueryRowContext(ctx, getRoleForAssignQuery, roleID).Scan(&role.id, &role.orgID, &role.name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("role", roleID)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading role %d", roleID)
	}
	if role.orgID != nil && *role.orgID != orgID {
		return nil, domain.ConstraintViolationf("role %d belongs to a different organization", roleID)
	}
	return &role, nil
}

type organizationState struct {
	unitary bool
	deleted bool
}

func orgState(ctx context.Context, tx *sql.Tx, orgID int64) (organizationState, error) {
	var state organizationState
	var deletedAt sql.NullTime
	err := tx.QueryRowContext(ctx, getOrgStateQuery, orgID).Scan(&state.unitary, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, domain.NotFound("organization", orgID)
	}
	if err != nil {
		return state, domain.Unknownf(err, "loading organization %d", orgID)
	}
	state.deleted = deletedAt.Valid
	return state, nil
}

func userState(ctx context.Context, tx *sql.Tx, userID int64) (bool, error) {
	var deletedAt sql.NullTime
	err := tx.QueryRowContext(ctx, getUserStateQuery, userID).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.NotFound("user", userID)
	}
	if err != nil {
		return false, domain.Unknownf(err, "loading user %d", userID)
	}
	return deletedAt.Valid, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner, id int64) (*Membership, error) {
	var m Membership
	var deletedAt sql.NullTime
	err := row.Scan(&m.ID, &m.UserID, &m.OrganizationID, &m.RoleID, &m.RoleName, &m.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("membership", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading membership %d", id)
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}

func actionName(delta Delta) string {
	switch {
	case delta.Revoked != nil && *delta.Revoked:
		return "revoke"
	case delta.Revoked != nil:
		return "reactivate"
	case delta.RoleID != nil:
		return "reassign"
	default:
		return "noop"
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
