package packages

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/storage"
)

func packageColumns() []string {
	return []string{"id", "organization_id", "name", "created_at", "archived_at", "deleted_at"}
}

func versionColumns() []string {
	return []string{"id", "package_id", "version", "artifact_key", "checksum", "size_bytes", "created_at", "archived_at", "deleted_at"}
}

func activePackageRow(id, orgID int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(packageColumns()).AddRow(id, orgID, name, time.Now(), nil, nil)
}

func archivedPackageRow(id, orgID int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(packageColumns()).AddRow(id, orgID, name, time.Now(), time.Now(), nil)
}

func deletedPackageRow(id, orgID int64, name string) *sqlmock.Rows {
	return sqlmock.NewRows(packageColumns()).AddRow(id, orgID, name, time.Now(), nil, time.Now())
}

func activeVersionRow(id, packageID int64, version string) *sqlmock.Rows {
	return sqlmock.NewRows(versionColumns()).
		AddRow(id, packageID, version, "packages/1/"+version, "abc", 64, time.Now(), nil, nil)
}

func archivedVersionRow(id, packageID int64, version string) *sqlmock.Rows {
	return sqlmock.NewRows(versionColumns()).
		AddRow(id, packageID, version, "packages/1/"+version, "abc", 64, time.Now(), time.Now(), nil)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, storage.ArtifactStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return NewService(db, store, nil, nil, nil), mock, store
}

func TestCreatePackage(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(insertPackageQuery)).
		WithArgs(int64(10), "widgets").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	p, err := svc.CreatePackage(context.Background(), 99, 10, "widgets")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)
	assert.True(t, p.Active())
}

func TestCreatePackageInDeletedOrg(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(getOrgStateQuery)).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(time.Now()))

	_, err := svc.CreatePackage(context.Background(), 99, 10, "widgets")
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestCreateVersionStoresArtifact(t *testing.T) {
	svc, mock, store := newTestService(t)

	payload := []byte("artifact bytes")
	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(activePackageRow(1, 10, "widgets"))
	mock.ExpectQuery(regexp.QuoteMeta(insertVersionQuery)).
		WithArgs(int64(1), "1.2.0", "packages/1/1.2.0", sqlmock.AnyArg(), int64(len(payload))).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))

	v, err := svc.CreateVersion(context.Background(), 99, 1, "1.2.0", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.ID)
	assert.Equal(t, int64(len(payload)), v.SizeBytes)

	reader, err := store.Get(context.Background(), v.ArtifactKey)
	require.NoError(t, err)
	defer reader.Close()
	stored, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
}

func TestCreateVersionUnderArchivedPackage(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(archivedPackageRow(1, 10, "widgets"))

	_, err := svc.CreateVersion(context.Background(), 99, 1, "1.2.0", strings.NewReader("x"))
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestCreateVersionUnderDeletedPackage(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(deletedPackageRow(1, 10, "widgets"))

	_, err := svc.CreateVersion(context.Background(), 99, 1, "1.2.0", strings.NewReader("x"))
	assert.True(t, domain.IsKind(err, domain.KindAlreadyTerminal))
}

func TestArchivePackageCascadesToVersions(t *testing.T) {
	svc, mock, _ := newTestService(t)

	archived := true
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getPackageForUpdateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(activePackageRow(1, 10, "widgets"))
	mock.ExpectExec(regexp.QuoteMeta(cascadeArchiveVersionsQuery)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(archivePackageQuery)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(archivedPackageRow(1, 10, "widgets"))
	mock.ExpectCommit()

	p, err := svc.Apply(context.Background(), 99, 1, Delta{Archived: &archived})
	require.NoError(t, err)
	assert.NotNil(t, p.ArchivedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestorePackageLeavesVersionsArchived(t *testing.T) {
	svc, mock, _ := newTestService(t)

	archived := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getPackageForUpdateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(archivedPackageRow(1, 10, "widgets"))
	mock.ExpectExec(regexp.QuoteMeta(unarchivePackageQuery)).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(activePackageRow(1, 10, "widgets"))
	mock.ExpectCommit()

	p, err := svc.Apply(context.Background(), 99, 1, Delta{Archived: &archived})
	require.NoError(t, err)
	assert.True(t, p.Active())
	// No version UPDATE was expected or issued.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletedPackageIsTerminal(t *testing.T) {
	svc, mock, _ := newTestService(t)

	archived := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getPackageForUpdateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(deletedPackageRow(1, 10, "widgets"))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 1, Delta{Archived: &archived})
	assert.True(t, domain.IsKind(err, domain.KindAlreadyTerminal))
}

func TestUndeletePackageRejected(t *testing.T) {
	svc, mock, _ := newTestService(t)

	deleted := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getPackageForUpdateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(deletedPackageRow(1, 10, "widgets"))
	mock.ExpectRollback()

	_, err := svc.Apply(context.Background(), 99, 1, Delta{Deleted: &deleted})
	assert.True(t, domain.IsKind(err, domain.KindAlreadyTerminal))
}

func TestPackageEmptyDeltaIsIdempotent(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getPackageForUpdateQuery)).
		WithArgs(int64(1)).
		WillReturnRows(deletedPackageRow(1, 10, "widgets"))
	mock.ExpectCommit()

	// Even a deleted package accepts a no-op delta.
	p, err := svc.Apply(context.Background(), 99, 1, Delta{})
	require.NoError(t, err)
	assert.True(t, p.Deleted())
}

func TestRestoreVersionRequiresActivePackage(t *testing.T) {
	svc, mock, _ := newTestService(t)

	archived := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getVersionForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(archivedVersionRow(5, 1, "1.2.0"))
	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(archivedPackageRow(1, 10, "widgets"))
	mock.ExpectRollback()

	_, err := svc.ApplyVersion(context.Background(), 99, 5, VersionDelta{Archived: &archived})
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestRestoreVersionUnderActivePackage(t *testing.T) {
	svc, mock, _ := newTestService(t)

	archived := false
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(getVersionForUpdateQuery)).
		WithArgs(int64(5)).
		WillReturnRows(archivedVersionRow(5, 1, "1.2.0"))
	mock.ExpectQuery(regexp.QuoteMeta(getPackageQuery)).
		WithArgs(int64(1)).
		WillReturnRows(activePackageRow(1, 10, "widgets"))
	mock.ExpectExec(regexp.QuoteMeta(unarchiveVersionQuery)).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(getVersionQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeVersionRow(5, 1, "1.2.0"))
	mock.ExpectCommit()

	v, err := svc.ApplyVersion(context.Background(), 99, 5, VersionDelta{Archived: &archived})
	require.NoError(t, err)
	assert.True(t, v.Active())
}

func TestDownloadRecordsEvent(t *testing.T) {
	svc, mock, store := newTestService(t)

	_, _, err := store.Put(context.Background(), "packages/1/1.2.0", strings.NewReader("artifact"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(getVersionQuery)).
		WithArgs(int64(5)).
		WillReturnRows(activeVersionRow(5, 1, "1.2.0"))
	mock.ExpectExec(regexp.QuoteMeta(insertDownloadEventQuery)).
		WithArgs(int64(5), int64(99)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	v, reader, err := svc.Download(context.Background(), 99, 5)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, "1.2.0", v.Version)

	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "artifact", string(data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDownloadArchivedVersionDenied(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(getVersionQuery)).
		WithArgs(int64(5)).
		WillReturnRows(archivedVersionRow(5, 1, "1.2.0"))

	_, _, err := svc.Download(context.Background(), 99, 5)
	assert.True(t, domain.IsKind(err, domain.KindInvalidTransition))
}

func TestDownloadCount(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(regexp.QuoteMeta(countDownloadsQuery)).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	count, err := svc.DownloadCount(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(12), count)
}
