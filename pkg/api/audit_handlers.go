package api

import (
	"net/http"

	"github.com/depot-registry/depot/pkg/httputil"
)

// auditEntities is the closed set of entity names services record events
// under.
var auditEntities = map[string]struct{}{
	"user":         {},
	"organization": {},
	"membership":   {},
	"package":      {},
	"version":      {},
}

// listAuditEvents returns the recorded transition history for one entity,
// newest first. Operator-only: audit detail spans organizations.
func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if !s.requireOperator(w, caller) {
		return
	}

	entity, ok := httputil.ParsePathStringOrError(w, r, "entity")
	if !ok {
		return
	}
	if _, known := auditEntities[entity]; !known {
		httputil.WriteValidationError(w, "unknown audit entity: "+entity)
		return
	}
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	events, err := s.audit.ListForEntity(r.Context(), entity, id, limit)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
