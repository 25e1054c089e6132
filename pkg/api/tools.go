package api

import (
	"encoding/json"
	"net/http"

	"github.com/omniplexity/substrate/pkg/model"
)

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.store.ListTools(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": manifests})
}

func (s *Server) handleInstallTool(w http.ResponseWriter, r *http.Request) {
	var m model.ToolManifest
	if !decodeBody(w, r, &m) {
		return
	}
	if m.ToolID == "" || m.Version == "" {
		WriteBadRequest(w, r, "tool_id and version are required")
		return
	}
	m.InstalledAt = s.clock.Now()
	if err := s.registry.Install(r.Context(), &m); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	toolID := r.PathValue("toolID")
	version := r.URL.Query().Get("version")
	projectID := r.URL.Query().Get("project_id")
	m, err := s.registry.Resolve(r.Context(), projectID, toolID, version)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePinTool(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	toolID := r.PathValue("toolID")
	var req struct {
		Version string `json:"version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.PinTool(r.Context(), projectID, toolID, req.Version); err != nil {
		WriteFault(w, r, err)
		return
	}
	s.recordActivity(r.Context(), projectID, "tool_pinned", "tool", toolID, userID(r))
	writeJSON(w, http.StatusOK, map[string]string{
		"project_id": projectID, "tool_id": toolID, "version": req.Version,
	})
}

func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	toolID := r.PathValue("toolID")
	var req struct {
		Version       string          `json:"version,omitempty"`
		Inputs        json.RawMessage `json:"inputs"`
		CorrelationID string          `json:"correlation_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.executor.Invoke(r.Context(), rc.Run.RunID, toolID, req.Version,
		req.Inputs, userID(r), req.CorrelationID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordToolInvocation(r.Context(), toolID, string(result.Status))
	}
	s.recordActivity(r.Context(), rc.ProjectID, "tool_invoked", "tool", toolID, userID(r))
	writeJSON(w, http.StatusOK, result)
}
