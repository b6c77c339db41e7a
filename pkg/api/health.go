package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/metrics"
	"github.com/billetlabs/billet/pkg/storage"
)

// Version is stamped at build time.
var Version = "dev"

// HealthServer is the operational surface, served on its own listener so
// probes and scrapes stay reachable while the resource API drains.
type HealthServer struct {
	state   *manager.State
	manager *manager.Manager
	broker  *events.Broker
	mux     *http.ServeMux
	http    *http.Server
}

// NewHealthServer wires /healthz, /readyz and /metrics. Nil collaborators
// are tolerated and reported as not ready.
func NewHealthServer(state *manager.State, mgr *manager.Manager, broker *events.Broker) *HealthServer {
	hs := &HealthServer{
		state:   state,
		manager: mgr,
		broker:  broker,
		mux:     http.NewServeMux(),
	}
	hs.mux.HandleFunc("GET /healthz", hs.healthHandler)
	hs.mux.HandleFunc("GET /readyz", hs.readyHandler)
	hs.mux.Handle("GET /metrics", metrics.Handler())
	return hs
}

// Start serves until the listener fails or Shutdown is called.
func (hs *HealthServer) Start(addr string) error {
	hs.http = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := hs.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops listen on %s: %w", addr, err)
	}
	return nil
}

// Shutdown stops the operational listener.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.http == nil {
		return nil
	}
	return hs.http.Shutdown(ctx)
}

// Handler exposes the ops mux for embedding and tests.
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// HealthResponse is the liveness probe body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the readiness probe body, one entry per checked
// collaborator.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler reports process liveness only.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

// readyHandler reports whether this replica can serve traffic: the
// coordination store answers reads, the raft layer knows a leader, and
// the event broker is distributing.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if hs.manager != nil {
		if hs.manager.IsLeader() {
			checks["raft"] = "leader"
		} else if addr := hs.manager.LeaderAddr(); addr != "" {
			checks["raft"] = fmt.Sprintf("follower (leader: %s)", addr)
		} else {
			checks["raft"] = "no leader elected"
			ready = false
			message = "waiting for leader election"
		}
	} else {
		checks["raft"] = "not initialized"
		ready = false
		message = "manager not initialized"
	}

	if hs.state != nil {
		if _, err := hs.state.ListDefinitions(r.Context(), storage.DefinitionFilter{}); err != nil {
			checks["storage"] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = "document store not accessible"
			}
		} else {
			checks["storage"] = "ok"
		}
	} else {
		checks["storage"] = "not initialized"
		ready = false
	}

	if hs.broker != nil {
		checks["events"] = fmt.Sprintf("%d subscribers", hs.broker.SubscriberCount())
	} else {
		checks["events"] = "not initialized"
		ready = false
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
