package packages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/lib/pq"

	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/storage"
)

const (
	getPackageQuery          = `SELECT id, organization_id, name, created_at, archived_at, deleted_at FROM packages WHERE id = $1`
	getPackageForUpdateQuery = `SELECT id, organization_id, name, created_at, archived_at, deleted_at FROM packages WHERE id = $1 FOR UPDATE`

	insertPackageQuery = `INSERT INTO packages (organization_id, name, created_at) VALUES ($1, $2, NOW()) RETURNING id, created_at`

	renamePackageQuery    = `UPDATE packages SET name = $2 WHERE id = $1`
	archivePackageQuery   = `UPDATE packages SET archived_at = NOW() WHERE id = $1`
	unarchivePackageQuery = `UPDATE packages SET archived_at = NULL WHERE id = $1`
	deletePackageQuery    = `UPDATE packages SET deleted_at = NOW() WHERE id = $1`

	// Archiving a package pauses publication of everything under it.
	cascadeArchiveVersionsQuery = `UPDATE package_versions SET archived_at = NOW() WHERE package_id = $1 AND archived_at IS NULL AND deleted_at IS NULL`

	getVersionQuery          = `SELECT id, package_id, version, artifact_key, checksum, size_bytes, created_at, archived_at, deleted_at FROM package_versions WHERE id = $1`
	getVersionForUpdateQuery = `SELECT id, package_id, version, artifact_key, checksum, size_bytes, created_at, archived_at, deleted_at FROM package_versions WHERE id = $1 FOR UPDATE`

	insertVersionQuery = `INSERT INTO package_versions (package_id, version, artifact_key, checksum, size_bytes, created_at) VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`

	archiveVersionQuery   = `UPDATE package_versions SET archived_at = NOW() WHERE id = $1`
	unarchiveVersionQuery = `UPDATE package_versions SET archived_at = NULL WHERE id = $1`
	deleteVersionQuery    = `UPDATE package_versions SET deleted_at = NOW() WHERE id = $1`

	getOrgStateQuery = `SELECT deleted_at FROM organizations WHERE id = $1`

	insertDownloadEventQuery = `INSERT INTO download_events (version_id, user_id, created_at) VALUES ($1, $2, NOW())`
	countDownloadsQuery      = `SELECT COUNT(*) FROM download_events WHERE version_id = $1`
)

const uniqueViolation = "23505"

// Service applies package and version lifecycle transitions and owns
// artifact upload, download and download accounting.
type Service struct {
	db        *sql.DB
	artifacts storage.ArtifactStore
	audit     audit.Sink
	logger    *observability.Logger
	metrics   *observability.Metrics
}

func NewService(db *sql.DB, artifacts storage.ArtifactStore, sink audit.Sink, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Service{
		db:        db,
		artifacts: artifacts,
		audit:     sink,
		logger:    logger,
		metrics:   metrics,
	}
}

// GetPackage returns the package snapshot.
func (s *Service) GetPackage(ctx context.Context, id int64) (*Package, error) {
	return scanPackage(s.db.QueryRowContext(ctx, getPackageQuery, id), id)
}

// GetVersion returns the version snapshot.
func (s *Service) GetVersion(ctx context.Context, id int64) (*Version, error) {
	return scanVersion(s.db.QueryRowContext(ctx, getVersionQuery, id), id)
}

// CreatePackage adds a package to a live organization. Package names are
// unique per organization.
func (s *Service) CreatePackage(ctx context.Context, actorID, orgID int64, name string) (*Package, error) {
	var orgDeleted sql.NullTime
	err := s.db.QueryRowContext(ctx, getOrgStateQuery, orgID).Scan(&orgDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("organization", orgID)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading organization %d", orgID)
	}
	if orgDeleted.Valid {
		return nil, domain.InvalidTransitionf("organization %d is deleted", orgID)
	}

	p := &Package{OrganizationID: orgID, Name: name}
	err = s.db.QueryRowContext(ctx, insertPackageQuery, orgID, name).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("package %q already exists in organization %d", name, orgID)
		}
		return nil, domain.Unknownf(err, "creating package %q", name)
	}

	s.record(ctx, actorID, "package", p.ID, "create", fmt.Sprintf("package %q created in organization %d", name, orgID))
	return p, nil
}

// CreateVersion uploads the artifact and publishes a version under an active
// package. The artifact key is derived from the package id and version
// string, so re-publishing a failed version overwrites its blob.
func (s *Service) CreateVersion(ctx context.Context, actorID, packageID int64, version string, artifact io.Reader) (*Version, error) {
	p, err := s.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if p.Deleted() {
		return nil, domain.AlreadyTerminal("package", packageID)
	}
	if p.ArchivedAt != nil {
		return nil, domain.InvalidTransitionf("package %d is archived", packageID)
	}

	key := fmt.Sprintf("packages/%d/%s", packageID, version)
	checksum, size, err := s.artifacts.Put(ctx, key, artifact)
	if err != nil {
		return nil, domain.Unknownf(err, "storing artifact for package %d version %s", packageID, version)
	}

	v := &Version{PackageID: packageID, Version: version, ArtifactKey: key, Checksum: checksum, SizeBytes: size}
	err = s.db.QueryRowContext(ctx, insertVersionQuery, packageID, version, key, checksum, size).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		if delErr := s.artifacts.Delete(ctx, key); delErr != nil {
			s.logger.WithError(delErr).WithField("key", key).Warn("orphaned artifact after failed version insert")
		}
		if isUniqueViolation(err) {
			return nil, domain.ConstraintViolationf("version %q already exists for package %d", version, packageID)
		}
		return nil, domain.Unknownf(err, "creating version %s of package %d", version, packageID)
	}

	s.record(ctx, actorID, "version", v.ID, "create", fmt.Sprintf("version %s of package %d published (%d bytes)", version, packageID, size))
	return v, nil
}

// Download opens the version's artifact and records a download event. Only
// active versions are downloadable.
func (s *Service) Download(ctx context.Context, callerID, versionID int64) (*Version, io.ReadCloser, error) {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		s.countDownload("denied")
		return nil, nil, err
	}
	if v.Deleted() {
		s.countDownload("denied")
		return nil, nil, domain.AlreadyTerminal("version", versionID)
	}
	if v.ArchivedAt != nil {
		s.countDownload("denied")
		return nil, nil, domain.InvalidTransitionf("version %d is archived", versionID)
	}

	reader, err := s.artifacts.Get(ctx, v.ArtifactKey)
	if err != nil {
		s.countDownload("error")
		return nil, nil, domain.Unknownf(err, "opening artifact of version %d", versionID)
	}

	if _, err := s.db.ExecContext(ctx, insertDownloadEventQuery, versionID, callerID); err != nil {
		s.logger.WithError(err).WithField("version_id", versionID).Warn("failed to record download event")
	}
	s.countDownload("ok")
	return v, reader, nil
}

// DownloadCount returns the number of recorded downloads for a version.
func (s *Service) DownloadCount(ctx context.Context, versionID int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, countDownloadsQuery, versionID).Scan(&count); err != nil {
		return 0, domain.Unknownf(err, "counting downloads of version %d", versionID)
	}
	return count, nil
}

// Apply runs a partial update through the package state machine and returns
// the post-transition snapshot.
func (s *Service) Apply(ctx context.Context, actorID, id int64, delta Delta) (*Package, error) {
	p, err := s.applyPackage(ctx, actorID, id, delta)
	s.countTransition("package", packageActionName(delta), err)
	return p, err
}

// ApplyVersion runs a partial update through the version state machine.
func (s *Service) ApplyVersion(ctx context.Context, actorID, id int64, delta VersionDelta) (*Version, error) {
	v, err := s.applyVersion(ctx, actorID, id, delta)
	s.countTransition("version", versionActionName(delta), err)
	return v, err
}

// ApplyBatch applies one delta per package id. Ids fail independently.
func (s *Service) ApplyBatch(ctx context.Context, actorID int64, deltas map[int64]Delta) map[int64]domain.Outcome[*Package] {
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	results := domain.RunBatch(ctx, ids, func(ctx context.Context, id int64) (*Package, error) {
		return s.Apply(ctx, actorID, id, deltas[id])
	})
	s.countBatch("package", results)
	return results
}

// ApplyVersionBatch applies one delta per version id. Ids fail independently.
func (s *Service) ApplyVersionBatch(ctx context.Context, actorID int64, deltas map[int64]VersionDelta) map[int64]domain.Outcome[*Version] {
	ids := make([]int64, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	results := domain.RunBatch(ctx, ids, func(ctx context.Context, id int64) (*Version, error) {
		return s.ApplyVersion(ctx, actorID, id, deltas[id])
	})
	if s.metrics != nil {
		for _, outcome := range results {
			label := "ok"
			if outcome.Err != nil {
				label = "error"
			}
			s.metrics.BatchItemsTotal.WithLabelValues("version", label).Inc()
		}
	}
	return results
}

func (s *Service) applyPackage(ctx context.Context, actorID, id int64, delta Delta) (*Package, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning package update %d", id)
	}
	defer tx.Rollback()

	p, err := scanPackage(tx.QueryRowContext(ctx, getPackageForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}

	archiveChange := delta.Archived != nil && *delta.Archived != (p.ArchivedAt != nil)
	deleteChange := delta.Deleted != nil && *delta.Deleted != p.Deleted()
	rename := delta.Name != nil && *delta.Name != p.Name

	if !archiveChange && !deleteChange && !rename {
		if err := tx.Commit(); err != nil {
			return nil, domain.Unknownf(err, "committing package update %d", id)
		}
		return p, nil
	}
	if p.Deleted() {
		return nil, domain.AlreadyTerminal("package", id)
	}
	if countChanges(archiveChange, deleteChange, rename) > 1 {
		return nil, domain.InvalidTransitionf("package %d accepts one change per update", id)
	}

	var action, detail string
	switch {
	case deleteChange:
		if _, err := tx.ExecContext(ctx, deletePackageQuery, id); err != nil {
			return nil, domain.Unknownf(err, "deleting package %d", id)
		}
		action, detail = "delete", fmt.Sprintf("package %d deleted", id)

	case archiveChange && *delta.Archived:
		result, err := tx.ExecContext(ctx, cascadeArchiveVersionsQuery, id)
		if err != nil {
			return nil, domain.Unknownf(err, "archiving versions of package %d", id)
		}
		archived, _ := result.RowsAffected()
		if _, err := tx.ExecContext(ctx, archivePackageQuery, id); err != nil {
			return nil, domain.Unknownf(err, "archiving package %d", id)
		}
		action, detail = "archive", fmt.Sprintf("package %d archived with %d versions", id, archived)

	case archiveChange:
		// Restoring the package does not restore its versions.
		if _, err := tx.ExecContext(ctx, unarchivePackageQuery, id); err != nil {
			return nil, domain.Unknownf(err, "restoring package %d", id)
		}
		action, detail = "restore", fmt.Sprintf("package %d restored", id)

	default: // rename
		if _, err := tx.ExecContext(ctx, renamePackageQuery, id, *delta.Name); err != nil {
			if isUniqueViolation(err) {
				return nil, domain.ConstraintViolationf("package %q already exists in organization %d", *delta.Name, p.OrganizationID)
			}
			return nil, domain.Unknownf(err, "renaming package %d", id)
		}
		action, detail = "rename", fmt.Sprintf("package %d renamed to %q", id, *delta.Name)
	}

	updated, err := scanPackage(tx.QueryRowContext(ctx, getPackageQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing package update %d", id)
	}

	s.record(ctx, actorID, "package", id, action, detail)
	return updated, nil
}

func (s *Service) applyVersion(ctx context.Context, actorID, id int64, delta VersionDelta) (*Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unknownf(err, "beginning version update %d", id)
	}
	defer tx.Rollback()

	v, err := scanVersion(tx.QueryRowContext(ctx, getVersionForUpdateQuery, id), id)
	if err != nil {
		return nil, err
	}

	archiveChange := delta.Archived != nil && *delta.Archived != (v.ArchivedAt != nil)
	deleteChange := delta.Deleted != nil && *delta.Deleted != v.Deleted()

	if !archiveChange && !deleteChange {
		if err := tx.Commit(); err != nil {
			return nil, domain.Unknownf(err, "committing version update %d", id)
		}
		return v, nil
	}
	if v.Deleted() {
		return nil, domain.AlreadyTerminal("version", id)
	}
	if archiveChange && deleteChange {
		return nil, domain.InvalidTransitionf("version %d accepts one change per update", id)
	}

	var action, detail string
	switch {
	case deleteChange:
		if _, err := tx.ExecContext(ctx, deleteVersionQuery, id); err != nil {
			return nil, domain.Unknownf(err, "deleting version %d", id)
		}
		action, detail = "delete", fmt.Sprintf("version %d deleted", id)

	case *delta.Archived:
		if _, err := tx.ExecContext(ctx, archiveVersionQuery, id); err != nil {
			return nil, domain.Unknownf(err, "archiving version %d", id)
		}
		action, detail = "archive", fmt.Sprintf("version %d archived", id)

	default: // restore
		parent, err := scanPackage(tx.QueryRowContext(ctx, getPackageQuery, v.PackageID), v.PackageID)
		if err != nil {
			return nil, err
		}
		if !parent.Active() {
			return nil, domain.InvalidTransitionf("cannot restore version %d under inactive package %d", id, v.PackageID)
		}
		if _, err := tx.ExecContext(ctx, unarchiveVersionQuery, id); err != nil {
			return nil, domain.Unknownf(err, "restoring version %d", id)
		}
		action, detail = "restore", fmt.Sprintf("version %d restored", id)
	}

	updated, err := scanVersion(tx.QueryRowContext(ctx, getVersionQuery, id), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unknownf(err, "committing version update %d", id)
	}

	s.record(ctx, actorID, "version", id, action, detail)
	return updated, nil
}

func (s *Service) record(ctx context.Context, actorID int64, entity string, entityID int64, action, detail string) {
	s.audit.Record(ctx, audit.Event{
		ActorID:  actorID,
		Entity:   entity,
		EntityID: entityID,
		Action:   action,
		Detail:   detail,
	})
	s.logger.WithFields(map[string]interface{}{
		"entity":    entity,
		"entity_id": entityID,
		"actor_id":  actorID,
		"action":    action,
	}).Info("lifecycle transition applied")
}

func (s *Service) countTransition(entity, action string, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = domain.KindOf(err).String()
	}
	s.metrics.LifecycleTransitionsTotal.WithLabelValues(entity, action, status).Inc()
}

func (s *Service) countBatch(entity string, results map[int64]domain.Outcome[*Package]) {
	if s.metrics == nil {
		return
	}
	for _, outcome := range results {
		label := "ok"
		if outcome.Err != nil {
			label = "error"
		}
		s.metrics.BatchItemsTotal.WithLabelValues(entity, label).Inc()
	}
}

func (s *Service) countDownload(status string) {
	if s.metrics != nil {
		s.metrics.DownloadsTotal.WithLabelValues(status).Inc()
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPackage(row rowScanner, id int64) (*Package, error) {
	var p Package
	var archivedAt, deletedAt sql.NullTime
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.CreatedAt, &archivedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("package", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading package %d", id)
	}
	if archivedAt.Valid {
		p.ArchivedAt = &archivedAt.Time
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return &p, nil
}

func scanVersion(row rowScanner, id int64) (*Version, error) {
	var v Version
	var archivedAt, deletedAt sql.NullTime
	err := row.Scan(&v.ID, &v.PackageID, &v.Version, &v.ArtifactKey, &v.Checksum, &v.SizeBytes, &v.CreatedAt, &archivedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("version", id)
	}
	if err != nil {
		return nil, domain.Unknownf(err, "loading version %d", id)
	}
	if archivedAt.Valid {
		v.ArchivedAt = &archivedAt.Time
	}
	if deletedAt.Valid {
		v.DeletedAt = &deletedAt.Time
	}
	return &v, nil
}

func packageActionName(delta Delta) string {
	switch {
	case delta.Deleted != nil && *delta.Deleted:
		return "delete"
	case delta.Archived != nil && *delta.Archived:
		return "archive"
	case delta.Archived != nil:
		return "restore"
	case delta.Name != nil:
		return "rename"
	default:
		return "noop"
	}
}

func versionActionName(delta VersionDelta) string {
	switch {
	case delta.Deleted != nil && *delta.Deleted:
		return "delete"
	case delta.Archived != nil && *delta.Archived:
		return "archive"
	case delta.Archived != nil:
		return "restore"
	default:
		return "noop"
	}
}

func countChanges(changes ...bool) int {
	n := 0
	for _, c := range changes {
		if c {
			n++
		}
	}
	return n
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
