package orgs

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/roles"
)

func orgColumns() []string {
	return []string{"id", "name", "is_unitary", "owner_user_id", "created_at", "deleted_at"}
}

func activeOrgRow(id int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(orgColumns()).AddRow(id, name, false, nil, time.Now(), nil)
}

func deletedOrgRow(id int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(orgColumns()).AddRow(id, name, false, nil, time.Now(), time.Now())
}

func unitaryOrgRow(id, ownerID int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(orgColumns()).AddRow(id, name, true, ownerID, time.Now(), nil)
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

func TestCreateSeedsFoundingAdministrator(t *testing.T) {
	svc, mock, inv := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(globalRoleByNameQuery)).
		WithArgs(roles.RoleAdministrator).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(insertOrgQuery)).
		WithArgs("acme", false, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(10, time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(insertFoundingMembershipQuery)).
		WithArgs(int64(7), int64(10), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	org, err := svc.Create(context.Background(), 7, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(10), org.ID)
	assert.False(t, org.IsUnitary)
	assert.Equal(t, []int64{7}, inv.users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDeactivateRevokesNonAdminMemberships(t *testing.T) {
	svc, mock, inv := newTestService(t)

	deleted := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(activeOrgRow(10, "acme"))
	mock.ExpectExec(regexp.QuoteMeta(revokeNonAdminMembershipsQuery)).
		WithArgs(int64(10), roles.RoleAdministrator).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(deactivateOrgQuery)).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgQuery)).
		WithArgs(int64(10)).
		WillReturnRows(deletedOrgRow(10, "acme"))
	mock.ExpectCommit()

	org, err := svc.Apply(context.Background(), 99, 10, Delta{Deleted: &deleted})
	require.NoError(t, err)
	assert.False(t, org.Active())
	assert.Equal(t, []int64{10}, inv.orgs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReactivateDoesNotRestoreMemberships(t *testing.T) {
	svc, mock, _ := newTestService(t)

	deleted := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(deletedOrgRow(10, "acme"))
	mock.ExpectExec(regexp.QuoteMeta(reactivateOrgQuery)).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgQuery)).
		WithArgs(int64(10)).
		WillReturnRows(activeOrgRow(10, "acme"))
	mock.ExpectCommit()

	org, err := svc.Apply(context.Background(), 99, 10, Delta{Deleted: &deleted})
	require.NoError(t, err)
	assert.True(t, org.Active())
	// Only the org deactivation query runs; membership restoration is not
	// part of reactivation.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUnitaryOrgRejectsLifecycleChange(t *testing.T) {
	svc, mock, _ := newTestService(t)

	deleted := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(11)).
		WillReturnRows(unitaryOrgRow(11, 7, "7"))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 11, Delta{Deleted: &deleted})
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestApplyRename(t *testing.T) {
	svc, mock, inv := newTestService(t)

	name := "acme-labs"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(activeOrgRow(10, "acme"))
	mock.ExpectExec(regexp.QuoteMeta(renameOrgQuery)).
		WithArgs(int64(10), name).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getOrgQuery)).
		WithArgs(int64(10)).
		WillReturnRows(activeOrgRow(10, name))
	mock.ExpectCommit()

	org, err := svc.Apply(context.Background(), 99, 10, Delta{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, org.Name)
	assert.Empty(t, inv.orgs, "a rename must not invalidate cached permissions")
}

func TestApplyRenameDeletedOrg(t *testing.T) {
	svc, mock, _ := newTestService(t)

	name := "acme-labs"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(deletedOrgRow(10, "acme"))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 10, Delta{Name: &name})
	assert.True(t, domain.IsKind(err, domain.KindAlreadyTerminal))
}

func TestApplyEmptyDeltaIsIdempotent(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(activeOrgRow(10, "acme"))
	mock.ExpectCommit()

	org, err := svc.Apply(context.Background(), 99, 10, Delta{})
	require.NoError(t, err)
	assert.True(t, org.Active())
}

func TestApplyMissingOrganization(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getOrgForUpdateQuery)).
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows(orgColumns()))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 404, Delta{})
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}
