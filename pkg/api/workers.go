package api

import (
	"net/http"
	"time"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

type workerList struct {
	Workers  []*types.Worker `json:"workers"`
	Revision uint64          `json:"revision"`
}

// workerCapacity is the free/used accounting view of one worker.
type workerCapacityView struct {
	WorkerID       string             `json:"worker_id"`
	Status         types.WorkerStatus `json:"status"`
	Capacity       types.Resources    `json:"capacity"`
	Allocated      types.Resources    `json:"allocated"`
	Available      types.Resources    `json:"available"`
	MaxNodes       int                `json:"max_nodes"`
	AllocatedNodes int                `json:"allocated_nodes"`
	Instances      int                `json:"instances"`
}

type workerPortsView struct {
	WorkerID    string                 `json:"worker_id"`
	Range       types.PortRange        `json:"range"`
	Free        int                    `json:"free"`
	Allocations []types.PortAllocation `json:"allocations"`
}

type templateList struct {
	Templates []*types.WorkerTemplate `json:"templates"`
}

type statusBody struct {
	Status string `json:"status"`
}

// importWorker registers a worker record. With a cloud instance id this is
// an import of a pre-existing machine the controller then observes; without
// one the controller provisions a machine on its next pass.
func (s *Server) importWorker(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	req.Actor = events.SourceAPI
	worker, err := s.state.CreateWorker(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, rev, err := s.state.ListWorkers(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, workerList{Workers: workers, Revision: rev})
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.state.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) workerCapacity(w http.ResponseWriter, r *http.Request) {
	worker, err := s.state.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, workerCapacityView{
		WorkerID:       worker.ID,
		Status:         worker.Status,
		Capacity:       worker.Capacity,
		Allocated:      worker.Allocated,
		Available:      worker.Available(),
		MaxNodes:       worker.MaxNodes,
		AllocatedNodes: worker.AllocatedNodes,
		Instances:      len(worker.InstanceIDs),
	})
}

func (s *Server) workerPorts(w http.ResponseWriter, r *http.Request) {
	worker, err := s.state.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, workerPortsView{
		WorkerID:    worker.ID,
		Range:       worker.PortRange,
		Free:        worker.AvailablePorts(),
		Allocations: worker.PortAllocations,
	})
}

// Templates are read-only over HTTP; they enter the system from
// configuration at process start.
func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.state.WorkerTemplates(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, templateList{Templates: templates})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.state.WorkerTemplate(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// ---------------------------------------------------------------------------
// Internal surface

type allocatePortsRequest struct {
	InstanceID string `json:"instance_id"`
}

type portsResponse struct {
	Ports map[string]int `json:"ports"`
}

type drainRequest struct {
	Deadline time.Time `json:"deadline,omitzero"`
	Reason   string    `json:"reason,omitempty"`
}

type scaleUpRequestBody struct {
	Template   string `json:"template"`
	Reason     string `json:"reason,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type scaleUpResponse struct {
	// Raised is false when an equivalent demand was already outstanding
	// and this one was absorbed into it.
	Raised bool `json:"raised"`
}

func (s *Server) transitionWorker(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	worker, err := s.state.TransitionWorker(r.Context(), r.PathValue("id"),
		types.WorkerStatus(req.To), callerRole(r.Context()), req.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) allocatePorts(w http.ResponseWriter, r *http.Request) {
	var req allocatePortsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.InstanceID == "" {
		writeError(w, s.logger, &types.ValidationError{Field: "instance_id", Reason: "must be set"})
		return
	}
	leased, err := s.state.AllocatePorts(r.Context(), r.PathValue("id"), req.InstanceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, portsResponse{Ports: leased})
}

func (s *Server) releasePorts(w http.ResponseWriter, r *http.Request) {
	if err := s.state.ReleasePorts(r.Context(), r.PathValue("id"), r.PathValue("instance")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// drainWorker is the scale-down entry point: the worker stops accepting
// placements and is stopped once empty or once the deadline passes. An
// absent deadline falls back to the worker's template drain timeout.
func (s *Server) drainWorker(w http.ResponseWriter, r *http.Request) {
	var req drainRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual drain"
	}
	if req.Deadline.IsZero() {
		deadline, err := s.defaultDrainDeadline(r)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		req.Deadline = deadline
	}
	worker, err := s.state.DrainWorker(r.Context(), r.PathValue("id"), req.Deadline, req.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) defaultDrainDeadline(r *http.Request) (time.Time, error) {
	worker, err := s.state.GetWorker(r.Context(), r.PathValue("id"))
	if err != nil {
		return time.Time{}, err
	}
	timeout := 4 * time.Hour
	if tmpl, err := s.state.WorkerTemplate(r.Context(), worker.TemplateName); err == nil && tmpl.DrainTimeout > 0 {
		timeout = tmpl.DrainTimeout
	} else if err != nil && !storage.IsNotFound(err) {
		return time.Time{}, err
	}
	return time.Now().Add(timeout), nil
}

func (s *Server) scaleUp(w http.ResponseWriter, r *http.Request) {
	var req scaleUpRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Template == "" {
		writeError(w, s.logger, &types.ValidationError{Field: "template", Reason: "must be set"})
		return
	}
	if req.Reason == "" {
		req.Reason = manager.ScaleReasonCapacity
	}
	raised, err := s.state.RequestScaleUp(r.Context(), req.Template, req.Reason, req.InstanceID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scaleUpResponse{Raised: raised})
}

// ---------------------------------------------------------------------------
// Cluster surface

type clusterServerView struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage"`
}

type clusterStatusView struct {
	Leader     bool                   `json:"leader"`
	LeaderAddr string                 `json:"leader_addr,omitempty"`
	Servers    []clusterServerView    `json:"servers,omitempty"`
	Raft       map[string]interface{} `json:"raft"`
}

type joinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

type issueTokenRequest struct {
	Role string `json:"role"`
	TTL  string `json:"ttl,omitempty"`
}

type tokenResponse struct {
	Secret    string    `json:"secret"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	view := clusterStatusView{
		Leader:     s.manager.IsLeader(),
		LeaderAddr: s.manager.LeaderAddr(),
		Raft:       s.manager.Stats(),
	}
	if s.manager.Replicated() {
		if servers, err := s.manager.Servers(); err == nil {
			for _, srv := range servers {
				view.Servers = append(view.Servers, clusterServerView{
					ID:       string(srv.ID),
					Address:  string(srv.Address),
					Suffrage: srv.Suffrage.String(),
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) joinCluster(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		writeError(w, s.logger, &types.ValidationError{Field: "node_id", Reason: "node_id and raft_addr must be set"})
		return
	}
	if err := s.manager.AddVoter(req.NodeID, req.RaftAddr); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "joined"})
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	switch req.Role {
	case manager.RoleScheduler, manager.RoleController, manager.RoleReplica:
	default:
		writeError(w, s.logger, &types.ValidationError{Field: "role", Reason: "unknown role"})
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, s.logger, &types.ValidationError{Field: "ttl", Reason: err.Error()})
			return
		}
		ttl = parsed
	}
	token, err := s.manager.Tokens().Issue(req.Role, ttl)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Secret:    token.Secret,
		Role:      token.Role,
		ExpiresAt: token.ExpiresAt,
	})
}
