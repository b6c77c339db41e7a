package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/log"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/metrics"
)

const (
	// maxBodyBytes bounds request bodies. Definition uploads carry the
	// lab artifact inline, so the limit is generous.
	maxBodyBytes = 8 << 20

	readHeaderTimeout = 5 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is the control-plane HTTP surface: resource endpoints under /v1,
// privileged endpoints under /internal/v1 gated by bearer identities, and
// the event stream. Placement and reconciliation never flow through here;
// they act on the store directly and the API only reflects their results.
type Server struct {
	state   *manager.State
	manager *manager.Manager
	broker  *events.Broker
	logger  zerolog.Logger

	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires the full route table against the given state service.
func NewServer(state *manager.State, mgr *manager.Manager, broker *events.Broker) *Server {
	s := &Server{
		state:   state,
		manager: mgr,
		broker:  broker,
		logger:  log.WithComponent("api"),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Definitions.
	s.handle("POST /v1/definitions", s.createDefinition)
	s.handle("GET /v1/definitions", s.listDefinitions)
	s.handle("GET /v1/definitions/{name}", s.getDefinition)
	s.handle("GET /v1/definitions/{name}/{version}", s.getDefinition)
	s.handle("GET /v1/definitions/{name}/{version}/artifact", s.getArtifact)
	s.handle("POST /v1/definitions/{name}/{version}/sync", s.syncDefinition)
	s.handle("POST /v1/definitions/{name}/{version}/deprecate", s.deprecateDefinition)
	s.handle("DELETE /v1/definitions/{name}/{version}", s.deleteDefinition)

	// Instances.
	s.handle("POST /v1/instances", s.createInstance)
	s.handle("GET /v1/instances", s.listInstances)
	s.handle("GET /v1/instances/{id}", s.getInstance)
	s.handle("POST /v1/instances/{id}/start", s.startInstance)
	s.handle("POST /v1/instances/{id}/stop", s.stopInstance)
	s.handle("POST /v1/instances/{id}/collect", s.collectInstance)
	s.handle("DELETE /v1/instances/{id}", s.deleteInstance)

	// Workers. Mutation happens through the reconciler; the public
	// surface reads capacity and port state and registers imports.
	s.handle("POST /v1/workers", s.importWorker)
	s.handle("GET /v1/workers", s.listWorkers)
	s.handle("GET /v1/workers/{id}", s.getWorker)
	s.handle("GET /v1/workers/{id}/capacity", s.workerCapacity)
	s.handle("GET /v1/workers/{id}/ports", s.workerPorts)

	// Worker templates, seeded from configuration.
	s.handle("GET /v1/templates", s.listTemplates)
	s.handle("GET /v1/templates/{name}", s.getTemplate)

	// Cluster status.
	s.handle("GET /v1/cluster", s.clusterStatus)

	// Event stream and the assessment ingress. The stream is long-lived
	// and skips the duration histogram.
	s.mux.HandleFunc("GET /v1/events", s.streamEvents)
	s.handle("POST /v1/hooks/assessment", s.assessmentHook)

	// Internal surface. Scheduler and controller identities only; these
	// exist for out-of-process components and operational tooling, the
	// in-process loops call the state service directly.
	s.internal("POST /internal/v1/instances/{id}/schedule", s.scheduleInstance,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/instances/{id}/transition", s.transitionInstance,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/workers/{id}/transition", s.transitionWorker,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/workers/{id}/ports", s.allocatePorts,
		manager.RoleScheduler, manager.RoleController)
	s.internal("DELETE /internal/v1/workers/{id}/ports/{instance}", s.releasePorts,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/workers/{id}/drain", s.drainWorker,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/scale-up", s.scaleUp,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/tokens", s.issueToken,
		manager.RoleScheduler, manager.RoleController)
	s.internal("POST /internal/v1/cluster/join", s.joinCluster,
		manager.RoleReplica, manager.RoleController)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.instrument(pattern, h))
}

func (s *Server) internal(pattern string, h http.HandlerFunc, roles ...string) {
	s.mux.Handle(pattern, s.instrument(pattern, s.requireRole(h, roles...)))
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests. Event stream subscribers are closed
// by the broker's shutdown sentinel, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for tests and for embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ---------------------------------------------------------------------------
// Middleware

// statusRecorder captures the response code for instrumentation. It
// forwards Flush so the event stream stays flushable when wrapped.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(pattern string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(pattern, fmt.Sprint(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		s.logger.Debug().
			Str("route", pattern).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

type roleContextKey struct{}

// requireRole admits requests carrying a bearer credential whose role is
// in the allow list. The validated role rides the request context so
// handlers can attribute state changes to the calling identity.
func (s *Server) requireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := bearerToken(r)
		if secret == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "bearer token required"})
			return
		}
		role, err := s.manager.Tokens().Validate(secret)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}
		if !lo.Contains(roles, role) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error: fmt.Sprintf("role %s may not call this endpoint", role),
			})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), roleContextKey{}, role)))
	}
}

// callerRole returns the authenticated identity's role, empty on the
// public surface.
func callerRole(ctx context.Context) string {
	role, _ := ctx.Value(roleContextKey{}).(string)
	return role
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
