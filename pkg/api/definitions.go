package api

import (
	"net/http"

	"github.com/billetlabs/billet/pkg/manager"
	"github.com/billetlabs/billet/pkg/storage"
	"github.com/billetlabs/billet/pkg/types"
)

// createDefinitionRequest registers a new definition version. The artifact
// may be inlined (base64 in JSON); without it the server fetches the body
// from the declared artifact URI and verifies the content hash.
type createDefinitionRequest struct {
	Definition types.Definition `json:"definition"`
	Artifact   []byte           `json:"artifact,omitempty"`
}

type definitionList struct {
	Definitions []*types.Definition `json:"definitions"`
}

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	var req createDefinitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	def, err := s.state.CreateDefinition(r.Context(), manager.CreateDefinitionRequest{
		Definition: req.Definition,
		Artifact:   req.Artifact,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	defs, err := s.state.ListDefinitions(r.Context(), storage.DefinitionFilter{
		Name:              q.Get("name"),
		Owner:             q.Get("owner"),
		IncludeDeprecated: q.Get("include_deprecated") == "true",
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, definitionList{Definitions: defs})
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.state.GetDefinition(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// getArtifact serves the cached lab topology body. Lab daemons pull this
// through the control plane so workers never need object-store access.
func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	body, err := s.state.Artifact(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) syncDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.state.SyncDefinition(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deprecateDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.state.DeprecateDefinition(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.state.DeleteDefinition(r.Context(), r.PathValue("name"), r.PathValue("version")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
