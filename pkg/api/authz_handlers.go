package api

import (
	"net/http"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/httputil"
)

// authorize evaluates a permission check for the caller in an organization.
// 204 on allow; the deny reason distinguishes "no privileges" from missing
// specific tokens.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}

	var check authz.Check
	if !httputil.ParseJSONOrError(w, r, &check) {
		return
	}
	if check.Empty() {
		httputil.WriteValidationError(w, "check requires at least one permission token")
		return
	}

	if err := s.authorizeCheck(r.Context(), caller, orgID, check); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// effectivePermissions lists the caller's resolved permission set for an
// organization. Operators see the full catalog.
func (s *Server) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}

	set, err := s.authorizer.EffectivePermissions(r.Context(), caller, orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"organizationId": orgID,
		"permissions":    set.Tokens(),
	})
}
