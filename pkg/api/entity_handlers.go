package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/httputil"
)

// maxArtifactBytes bounds a single uploaded artifact.
const maxArtifactBytes = 512 << 20

// createUser provisions an account with its unitary organization. Operator
// surface: account creation is driven by the identity system, not by other
// users.
func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Username, "username") || !httputil.RequireNonEmpty(w, body.Email, "email") {
		return
	}

	u, err := s.users.Create(r.Context(), body.Username, body.Email)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, u)
}

// createOrg makes a non-unitary organization with the caller as founding
// Administrator.
func (s *Server) createOrg(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Name, "name") {
		return
	}

	org, err := s.orgs.Create(r.Context(), caller.UserID, body.Name)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, org)
}

func (s *Server) createMember(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermWriteMembers}}) {
		return
	}

	var body struct {
		UserID int64 `json:"userId"`
		RoleID int64 `json:"roleId"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequirePositive(w, body.UserID, "userId") || !httputil.RequirePositive(w, body.RoleID, "roleId") {
		return
	}

	m, err := s.members.Create(r.Context(), caller.UserID, body.UserID, orgID, body.RoleID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, m)
}

func (s *Server) createPackage(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermWritePackages}}) {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Name, "name") {
		return
	}

	p, err := s.packages.CreatePackage(r.Context(), caller.UserID, orgID, body.Name)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, p)
}

// createVersion publishes a version. The artifact arrives as a multipart
// form with a "version" field and an "artifact" file.
func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	packageID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	p, err := s.packages.GetPackage(r.Context(), packageID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if !s.require(w, r, caller, p.OrganizationID, authz.Check{AllOf: []authz.Permission{authz.PermWriteVersions}}) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxArtifactBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.WriteValidationError(w, "invalid multipart form")
		return
	}
	version := r.FormValue("version")
	if !httputil.RequireNonEmpty(w, version, "version") {
		return
	}
	file, _, err := r.FormFile("artifact")
	if err != nil {
		httputil.WriteValidationError(w, "artifact file is required")
		return
	}
	defer file.Close()

	v, err := s.packages.CreateVersion(r.Context(), caller.UserID, packageID, version, file)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, v)
}

// downloadArtifact streams the artifact and records a download event.
func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	versionID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	v, err := s.packages.GetVersion(r.Context(), versionID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	p, err := s.packages.GetPackage(r.Context(), v.PackageID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if !s.require(w, r, caller, p.OrganizationID, authz.Check{OneOf: []authz.Permission{authz.PermReadPackages, authz.PermReadVersions}}) {
		return
	}

	v, reader, err := s.packages.Download(r.Context(), caller.UserID, versionID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(v.SizeBytes, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%s", p.Name, v.Version)))
	w.Header().Set("X-Checksum-Sha256", v.Checksum)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.WithError(err).WithField("version_id", versionID).Warn("artifact stream interrupted")
	}
}

func (s *Server) downloadCount(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	versionID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	v, err := s.packages.GetVersion(r.Context(), versionID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	p, err := s.packages.GetPackage(r.Context(), v.PackageID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	if !s.require(w, r, caller, p.OrganizationID, authz.Check{AllOf: []authz.Permission{authz.PermReadDownloads}}) {
		return
	}

	count, err := s.packages.DownloadCount(r.Context(), versionID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"versionId": versionID,
		"downloads": count,
	})
}
