package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/ports"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// errorBody is the JSON shape of every non-2xx response. AuditID is set
// only for 5xx responses so operators can pair a client report with the
// server-side log line.
type errorBody struct {
	Error   string `json:"error"`
	AuditID string `json:"audit_id,omitempty"`
}

// pendingBody is returned with 202 Accepted when an operation could not
// complete for lack of capacity. The request is not lost: the demand is
// recorded and the entity stays pending until the fleet grows.
type pendingBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps a domain error onto the HTTP surface:
//
//	validation / invalid transition  -> 422
//	not found                        -> 404
//	revision conflict / in use       -> 409
//	capacity exhausted               -> 202 with a pending body
//	not the raft leader              -> 503 with the leader address
//	anything else                    -> 500 with an audit id
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case types.IsValidation(err) || types.IsInvalidTransition(err):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case storage.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case storage.IsConflict(err) || errors.Is(err, manager.ErrDefinitionInUse):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, ports.ErrRangeExhausted):
		writeJSON(w, http.StatusAccepted, pendingBody{Status: "pending", Reason: err.Error()})
	case errors.Is(err, manager.ErrNotLeader):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	default:
		auditID := uuid.New().String()
		logger.Error().Err(err).Str("audit_id", auditID).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:   "internal error",
			AuditID: auditID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into v. Oversized or malformed bodies
// surface as validation errors so the caller gets a 422, not a 500.
func decodeJSON(r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &types.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
