package api

import (
	"net/http"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/httputil"
)

// listRoles returns the global roles plus the organization's custom roles.
func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermReadRoles}}) {
		return
	}

	list, err := s.roles.ListForOrg(r.Context(), orgID)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"roles": list})
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermWriteRoles}}) {
		return
	}

	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequireNonEmpty(w, body.Name, "name") {
		return
	}

	role, err := s.roles.Create(r.Context(), orgID, body.Name, body.Description, body.Permissions)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteCreated(w, role)
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermWriteRoles}}) {
		return
	}

	var body struct {
		Name        *string  `json:"name,omitempty"`
		Description *string  `json:"description,omitempty"`
		Permissions []string `json:"permissions,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	role, err := s.roles.Update(r.Context(), orgID, roleID, body.Name, body.Description, body.Permissions)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

func (s *Server) deleteRole(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	orgID, ok := httputil.ParsePathInt64OrError(w, r, "orgID")
	if !ok {
		return
	}
	roleID, ok := httputil.ParsePathInt64OrError(w, r, "roleID")
	if !ok {
		return
	}
	if !s.require(w, r, caller, orgID, authz.Check{AllOf: []authz.Permission{authz.PermWriteRoles}}) {
		return
	}

	if err := s.roles.Delete(r.Context(), orgID, roleID); err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
