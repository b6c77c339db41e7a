package api

import (
	"encoding/json"
	"net/http"

	"github.com/samber/lo"

	"github.com/billetlabs/billet/pkg/events"
	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/types"
)

type instanceList struct {
	Instances []*types.Instance `json:"instances"`
	Revision  uint64            `json:"revision"`
}

// transitionRequest moves an entity along its lifecycle. Used by the
// internal surface; the actor is the caller's authenticated role.
type transitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type stopRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateInstanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	inst, err := s.state.CreateInstance(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	insts, rev, err := s.state.ListInstances(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	q := r.URL.Query()
	if state := q.Get("state"); state != "" {
		insts = lo.Filter(insts, func(i *types.Instance, _ int) bool {
			return string(i.State) == state
		})
	}
	if owner := q.Get("owner"); owner != "" {
		insts = lo.Filter(insts, func(i *types.Instance, _ int) bool {
			return i.Owner == owner
		})
	}
	if def := q.Get("definition"); def != "" {
		insts = lo.Filter(insts, func(i *types.Instance, _ int) bool {
			return i.DefinitionName == def
		})
	}
	writeJSON(w, http.StatusOK, instanceList{Instances: insts, Revision: rev})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.state.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// startInstance begins instantiation ahead of the scheduler's lead time.
// Only placed instances can start; anything else is a guard violation.
func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.state.TransitionInstance(r.Context(), r.PathValue("id"),
		types.InstanceInstantiating, events.SourceAPI, "user requested start")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "user requested"
	}
	inst, err := s.state.TransitionInstance(r.Context(), r.PathValue("id"),
		types.InstanceStopping, events.SourceAPI, req.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// collectInstance hands a running lab to the assessment collaborator. The
// instance idles in collecting until collection.completed arrives.
func (s *Server) collectInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.state.TransitionInstance(r.Context(), r.PathValue("id"),
		types.InstanceCollecting, events.SourceAPI, "user requested")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteInstance(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Internal surface

type scheduleRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) scheduleInstance(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	inst, err := s.state.ScheduleInstance(r.Context(), manager.Placement{
		InstanceID: r.PathValue("id"),
		WorkerID:   req.WorkerID,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) transitionInstance(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	inst, err := s.state.TransitionInstance(r.Context(), r.PathValue("id"),
		types.InstanceState(req.To), callerRole(r.Context()), req.Reason)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// ---------------------------------------------------------------------------
// Assessment ingress

// assessmentHook ingests events from the assessment collaborator. The body
// is an event envelope; only the two inbound catalog types are accepted.
func (s *Server) assessmentHook(w http.ResponseWriter, r *http.Request) {
	var e events.Event
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, s.logger, err)
		return
	}

	switch e.Type {
	case events.TypeCollectionCompleted:
		var data events.CollectionCompletedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			writeError(w, s.logger, &types.ValidationError{Field: "data", Reason: err.Error()})
			return
		}
		if data.InstanceID == "" {
			writeError(w, s.logger, &types.ValidationError{Field: "data.instance_id", Reason: "must be set"})
			return
		}
		if _, err := s.state.RecordCollection(r.Context(), data.InstanceID, data.ArtifactsURI); err != nil {
			writeError(w, s.logger, err)
			return
		}
	case events.TypeGradingCompleted:
		var data events.GradingCompletedData
		if err := json.Unmarshal(e.Data, &data); err != nil {
			writeError(w, s.logger, &types.ValidationError{Field: "data", Reason: err.Error()})
			return
		}
		if data.InstanceID == "" {
			writeError(w, s.logger, &types.ValidationError{Field: "data.instance_id", Reason: "must be set"})
			return
		}
		if _, err := s.state.RecordGrading(r.Context(), data.InstanceID, data.Score); err != nil {
			writeError(w, s.logger, err)
			return
		}
	default:
		writeError(w, s.logger, &types.ValidationError{
			Field:  "type",
			Reason: "expected collection.completed or grading.completed",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, pendingBody{Status: "accepted"})
}
