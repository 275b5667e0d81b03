// Package api exposes the HTTP surface: authorization checks, lifecycle
// batch endpoints, role and member management, package publication and
// artifact download.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/depot-registry/depot/pkg/audit"
	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/httputil"
	"github.com/depot-registry/depot/pkg/members"
	"github.com/depot-registry/depot/pkg/middleware"
	"github.com/depot-registry/depot/pkg/observability"
	"github.com/depot-registry/depot/pkg/orgs"
	"github.com/depot-registry/depot/pkg/packages"
	"github.com/depot-registry/depot/pkg/roles"
	"github.com/depot-registry/depot/pkg/users"
)

// AuditLog reads recorded lifecycle transitions.
type AuditLog interface {
	ListForEntity(ctx context.Context, entity string, entityID int64, limit int) ([]audit.Event, error)
}

// Server wires the routers, middleware and services together.
type Server struct {
	router *mux.Router

	authorizer *authz.Authorizer
	roles      *roles.Store
	members    *members.Service
	orgs       *orgs.Service
	users      *users.Service
	packages   *packages.Service
	audit      AuditLog

	sessions middleware.SessionValidator
	health   *observability.HealthChecker
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// Config collects the server's dependencies.
type Config struct {
	Authorizer *authz.Authorizer
	Roles      *roles.Store
	Members    *members.Service
	Orgs       *orgs.Service
	Users      *users.Service
	Packages   *packages.Service
	Audit      AuditLog
	Sessions   middleware.SessionValidator
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Logger     *observability.Logger
}

// NewServer creates the API server and mounts all routes.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	s := &Server{
		router:     mux.NewRouter(),
		authorizer: cfg.Authorizer,
		roles:      cfg.Roles,
		members:    cfg.Members,
		orgs:       cfg.Orgs,
		users:      cfg.Users,
		packages:   cfg.Packages,
		audit:      cfg.Audit,
		sessions:   cfg.Sessions,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
	s.setupRoutes(cfg.Registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	// Unauthenticated operational endpoints.
	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Readiness).Methods("GET")
		s.router.HandleFunc("/healthz/live", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/healthz/ready", s.health.Readiness).Methods("GET")
	}
	if registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(registry)).Methods("GET")
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.RequestID(s.logger))
	if s.metrics != nil {
		v1.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	v1.Use(middleware.NewSessionAuth(s.sessions).Handler)

	// Authorization surface.
	v1.HandleFunc("/orgs/{orgID}/authorize", s.authorize).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/permissions", s.effectivePermissions).Methods("GET")

	// Batch lifecycle deltas.
	v1.HandleFunc("/memberships", s.applyMembershipDeltas).Methods("PATCH")
	v1.HandleFunc("/orgs", s.applyOrgDeltas).Methods("PATCH")
	v1.HandleFunc("/users", s.applyUserDeltas).Methods("PATCH")
	v1.HandleFunc("/packages", s.applyPackageDeltas).Methods("PATCH")
	v1.HandleFunc("/versions", s.applyVersionDeltas).Methods("PATCH")

	// Entity creation.
	v1.HandleFunc("/users", s.createUser).Methods("POST")
	v1.HandleFunc("/orgs", s.createOrg).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/members", s.createMember).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/packages", s.createPackage).Methods("POST")
	v1.HandleFunc("/packages/{id}/versions", s.createVersion).Methods("POST")

	// Role management.
	v1.HandleFunc("/orgs/{orgID}/roles", s.listRoles).Methods("GET")
	v1.HandleFunc("/orgs/{orgID}/roles", s.createRole).Methods("POST")
	v1.HandleFunc("/orgs/{orgID}/roles/{roleID}", s.updateRole).Methods("PATCH")
	v1.HandleFunc("/orgs/{orgID}/roles/{roleID}", s.deleteRole).Methods("DELETE")

	// Artifacts and download accounting.
	v1.HandleFunc("/versions/{id}/artifact", s.downloadArtifact).Methods("GET")
	v1.HandleFunc("/versions/{id}/downloads", s.downloadCount).Methods("GET")

	// Audit history, operator-only.
	if s.audit != nil {
		v1.HandleFunc("/audit/{entity}/{id}", s.listAuditEvents).Methods("GET")
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// caller returns the authenticated caller or writes a 401.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) (authz.Caller, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "missing authentication")
	}
	return caller, ok
}

// authorizeCheck runs the check through the authorizer, recording outcome
// counts and latency. Every authorization decision in the server goes
// through here.
func (s *Server) authorizeCheck(ctx context.Context, caller authz.Caller, orgID int64, check authz.Check) error {
	start := time.Now()
	err := s.authorizer.Authorize(ctx, caller, orgID, check)

	if s.metrics != nil {
		outcome := "allowed"
		switch {
		case domain.IsKind(err, domain.KindInsufficientPrivileges):
			outcome = "denied"
		case err != nil:
			outcome = "error"
		}
		s.metrics.AuthzChecksTotal.WithLabelValues(outcome).Inc()
		s.metrics.AuthzCheckDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
	return err
}

// require authorizes the caller for a check in the organization, writing the
// deny response itself.
func (s *Server) require(w http.ResponseWriter, r *http.Request, caller authz.Caller, orgID int64, check authz.Check) bool {
	if err := s.authorizeCheck(r.Context(), caller, orgID, check); err != nil {
		httputil.WriteDomainError(w, err)
		return false
	}
	return true
}

// requireOperator gates the cross-organization admin surfaces.
func (s *Server) requireOperator(w http.ResponseWriter, caller authz.Caller) bool {
	if !caller.Operator {
		httputil.WriteForbidden(w, "system operator required")
		return false
	}
	return true
}
