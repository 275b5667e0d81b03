package api

import (
	"net/http"

	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/httputil"
	"github.com/depot-registry/depot/pkg/members"
	"github.com/depot-registry/depot/pkg/orgs"
	"github.com/depot-registry/depot/pkg/packages"
	"github.com/depot-registry/depot/pkg/users"
)

// batchItem is the per-id result in a batch response: a snapshot or an
// error, never both.
type batchItem struct {
	Result interface{}                   `json:"result,omitempty"`
	Error  *httputil.DomainErrorResponse `json:"error,omitempty"`
}

func toBatchResponse[T any](results map[int64]domain.Outcome[T]) map[int64]batchItem {
	out := make(map[int64]batchItem, len(results))
	for id, outcome := range results {
		if outcome.Err != nil {
			out[id] = batchItem{Error: httputil.DomainErrorResponseOf(outcome.Err)}
			continue
		}
		out[id] = batchItem{Result: outcome.Value}
	}
	return out
}

// applyMembershipDeltas applies {deltas: {id: {roleId?, revoked?}}} per id.
// Ids fail independently; the response maps every requested id to its
// snapshot or error.
func (s *Server) applyMembershipDeltas(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Deltas map[int64]members.Delta `json:"deltas"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	results := s.members.ApplyBatch(r.Context(), caller.UserID, body.Deltas)
	httputil.WriteSuccess(w, map[string]interface{}{"results": toBatchResponse(results)})
}

func (s *Server) applyOrgDeltas(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Deltas map[int64]orgs.Delta `json:"deltas"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	results := s.orgs.ApplyBatch(r.Context(), caller.UserID, body.Deltas)
	httputil.WriteSuccess(w, map[string]interface{}{"results": toBatchResponse(results)})
}

func (s *Server) applyUserDeltas(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Deltas map[int64]users.Delta `json:"deltas"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	results := s.users.ApplyBatch(r.Context(), caller.UserID, body.Deltas)
	httputil.WriteSuccess(w, map[string]interface{}{"results": toBatchResponse(results)})
}

func (s *Server) applyPackageDeltas(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Deltas map[int64]packages.Delta `json:"deltas"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	results := s.packages.ApplyBatch(r.Context(), caller.UserID, body.Deltas)
	httputil.WriteSuccess(w, map[string]interface{}{"results": toBatchResponse(results)})
}

func (s *Server) applyVersionDeltas(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok || !s.requireOperator(w, caller) {
		return
	}

	var body struct {
		Deltas map[int64]packages.VersionDelta `json:"deltas"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}

	results := s.packages.ApplyVersionBatch(r.Context(), caller.UserID, body.Deltas)
	httputil.WriteSuccess(w, map[string]interface{}{"results": toBatchResponse(results)})
}
