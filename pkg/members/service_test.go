package members

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/roles"
)

func membershipColumns() []string {
	return []string{"id", "user_id", "organization_id", "role_id", "name", "created_at", "deleted_at"}
}

func activeMembershipRow(id, userID, orgID, roleID int64, roleName string) *sqlmock.Rows {
	return sqlmock.NewRows(membershipColumns()).
		AddRow(id, userID, orgID, roleID, roleName, time.Now(), nil)
}

func revokedMembershipRow(id, userID, orgID, roleID int64, roleName string) *sqlmock.Rows {
	return sqlmock.NewRows(membershipColumns()).
		AddRow(id, userID, orgID, roleID, roleName, time.Now(), time.Now())
}

type recordingInvalidator struct {
	users []int64
	orgs  []int64
}

func (r *recordingInvalidator) InvalidateUser(_ context.Context, id int64) {
	r.users = append(r.users, id)
}

func (r *recordingInvalidator) InvalidateOrg(_ context.Context, id int64) {
	r.orgs = append(r.orgs, id)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *recordingInvalidator) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	inv := &recordingInvalidator{}
	return NewService(db, inv, nil, nil, nil), mock, inv
}

func TestApplyEmptyDeltaIsIdempotent(t *testing.T) {
	svc, mock, inv := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{})
	require.NoError(t, err)
	assert.True(t, m.Active())
	assert.Empty(t, inv.users, "a no-op must not invalidate cached permissions")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeltaMatchingCurrentStateIsNoOp(t *testing.T) {
	svc, mock, _ := newTestService(t)

	revoked := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked})
	require.NoError(t, err)
	assert.False(t, m.Active())
}

func TestApplyMissingMembership(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(membershipColumns()))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 404, Delta{})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestApplyRevokeNonAdmin(t *testing.T) {
	svc, mock, inv := newTestService(t)

	revoked := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectExec(regexp.QuoteMeta(revokeMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked})
	require.NoError(t, err)
	assert.False(t, m.Active())
	assert.Equal(t, []int64{1}, inv.users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRevokeLastAdminRejected(t *testing.T) {
	svc, mock, inv := newTestService(t)

	revoked := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(siblingAdminsQuery)).
		WithArgs(int64(10), roles.RoleAdministrator, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked})
	assert.True(t, domain.IsKind(err, domain.KindConstraintViolation))
	assert.Empty(t, inv.users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRevokeAdminWithSiblingSucceeds(t *testing.T) {
	svc, mock, _ := newTestService(t)

	revoked := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(siblingAdminsQuery)).
		WithArgs(int64(10), roles.RoleAdministrator, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectExec(regexp.QuoteMeta(revokeMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked})
	require.NoError(t, err)
	assert.False(t, m.Active())
}

func TestApplyRevokeLastAdminOfUnitaryOrgAllowed(t *testing.T) {
	svc, mock, _ := newTestService(t)

	revoked := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(true, nil))
	mock.ExpectExec(regexp.QuoteMeta(revokeMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectCommit()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked})
	require.NoError(t, err)
}

func TestApplyReactivate(t *testing.T) {
	svc, mock, inv := newTestService(t)

	active := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(3, nil, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(getUserStateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectExec(regexp.QuoteMeta(reactivateMembershipQuery)).
		WithArgs(int64(5), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &active})
	require.NoError(t, err)
	assert.True(t, m.Active())
	assert.Equal(t, []int64{1}, inv.users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReactivateWithDeletedRole(t *testing.T) {
	svc, mock, _ := newTestService(t)

	active := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, "Reviewers"))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &active})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestApplyReactivateRoleFromOtherOrg(t *testing.T) {
	svc, mock, _ := newTestService(t)

	active := false
	otherOrg := int64(77)
	roleID := int64(44)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, "Reviewers"))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(roleID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(44, otherOrg, "Reviewers"))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &active, RoleID: &roleID})
	assert.True(t, domain.IsKind(err, domain.KindConstraintViolation))
}

func TestApplyReactivateDeletedUser(t *testing.T) {
	svc, mock, _ := newTestService(t)

	active := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(3, nil, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(getUserStateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(time.Now()))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &active})
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestApplyRoleChangeOnRevokedMembership(t *testing.T) {
	svc, mock, _ := newTestService(t)

	roleID := int64(4)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{RoleID: &roleID})
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestApplyRevokeAndRoleChangeRejected(t *testing.T) {
	svc, mock, _ := newTestService(t)

	revoked := true
	roleID := int64(4)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{Revoked: &revoked, RoleID: &roleID})
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestApplyReassignGuardsCurrentAdministratorRole(t *testing.T) {
	svc, mock, _ := newTestService(t)

	// Demote the last Administrator to Publisher: the guard keys on the
	// current role and must reject.
	roleID := int64(4)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 2, roles.RoleAdministrator))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(roleID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(4, nil, roles.RolePublisher))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(siblingAdminsQuery)).
		WithArgs(int64(10), roles.RoleAdministrator, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 5, Delta{RoleID: &roleID})
	assert.True(t, domain.IsKind(err, domain.KindConstraintViolation))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReassignNonAdmin(t *testing.T) {
	svc, mock, inv := newTestService(t)

	roleID := int64(4)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(roleID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(4, nil, roles.RolePublisher))
	mock.ExpectExec(regexp.QuoteMeta(reassignMembershipQuery)).
		WithArgs(int64(5), roleID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 4, roles.RolePublisher))
	mock.ExpectCommit()

	m, err := svc.Apply(context.Background(), 99, 5, Delta{RoleID: &roleID})
	require.NoError(t, err)
	assert.Equal(t, roles.RolePublisher, m.RoleName)
	assert.Equal(t, []int64{1}, inv.users)
}

func TestCreateMembership(t *testing.T) {
	svc, mock, inv := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getUserStateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(3, nil, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(insertMembershipQuery)).
		WithArgs(int64(1), int64(10), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
	mock.ExpectCommit()

	m, err := svc.Create(context.Background(), 99, 1, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.ID)
	assert.Equal(t, roles.RoleUser, m.RoleName)
	assert.Equal(t, []int64{1}, inv.users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateActiveMembership(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getUserStateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"is_unitary", "deleted_at"}).AddRow(false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(getRoleForAssignQuery)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id", "name"}).AddRow(3, nil, roles.RoleUser))
	mock.ExpectQuery(regexp.QuoteMeta(insertMembershipQuery)).
		WithArgs(int64(1), int64(10), int64(3)).
		WillReturnError(&pq.Error{Code: uniqueViolation})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), 99, 1, 10, 3)
	assert.True(t, domain.IsKind(err, domain.KindConstraintViolation))
}

func TestApplyBatchIndependentOutcomes(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.MatchExpectationsInOrder(false)

	revoked := true

	// Membership 5 revokes cleanly.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectExec(regexp.QuoteMeta(revokeMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipQuery)).
		WithArgs(int64(5)).
		WillReturnRows(revokedMembershipRow(5, 1, 10, 3, roles.RoleUser))
	mock.ExpectCommit()

	// Membership 6 does not exist.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getMembershipForUpdateQuery)).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows(membershipColumns()))
	mock.ExpectRollback()

	results := svc.ApplyBatch(context.Background(), 99, map[int64]Delta{
		5: {Revoked: &revoked},
		6: {Revoked: &revoked},
	})

	require.Len(t, results, 2)
	require.NoError(t, results[5].Err)
	assert.False(t, results[5].Value.Active())
	assert.True(t, domain.IsKind(results[6].Err, domain.KindNotFound))
}
