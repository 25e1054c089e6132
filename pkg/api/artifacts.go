package api

import (
	"encoding/json"
	"net/http"

	"github.com/omniplexity/substrate/pkg/model"
)

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content   []byte `json:"content"` // base64 on the wire
		Kind      string `json:"kind"`
		MediaType string `json:"media_type"`
		Title     string `json:"title,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" || req.MediaType == "" {
		WriteBadRequest(w, r, "kind and media_type are required")
		return
	}
	a, err := s.artifacts.Create(r.Context(), req.Content, req.Kind, req.MediaType, req.Title, userID(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := r.PathValue("artifactID")
	if r.URL.Query().Get("content") == "true" {
		a, body, err := s.artifacts.Get(r.Context(), artifactID)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		w.Header().Set("Content-Type", a.MediaType)
		w.Header().Set("ETag", `"`+a.ContentHash+`"`)
		_, _ = w.Write(body)
		return
	}
	a, err := s.store.GetArtifact(r.Context(), artifactID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	rows, err := s.artifacts.ListForRun(r.Context(), rc.Run.RunID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": rows})
}

// handleLinkRunArtifact appends an artifact_ref event; the append transaction
// persists the artifact_links row and invalidates the provenance cache.
func (s *Server) handleLinkRunArtifact(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	artifactID := r.PathValue("artifactID")
	if _, err := s.store.GetArtifact(r.Context(), artifactID); err != nil {
		WriteFault(w, r, err)
		return
	}
	var req struct {
		Purpose       string `json:"purpose,omitempty"`
		SourceEventID string `json:"source_event_id,omitempty"`
		CorrelationID string `json:"correlation_id,omitempty"`
		ToolID        string `json:"tool_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"artifact_id":     artifactID,
		"purpose":         req.Purpose,
		"source_event_id": req.SourceEventID,
		"correlation_id":  req.CorrelationID,
		"tool_id":         req.ToolID,
	})
	event, err := s.log.Append(r.Context(), model.EventIntent{
		RunID:         rc.Run.RunID,
		Kind:          "artifact_ref",
		Payload:       payload,
		Actor:         model.ActorUser,
		CorrelationID: req.CorrelationID,
	}, userID(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind          string `json:"kind"`
		MediaType     string `json:"media_type"`
		Title         string `json:"title,omitempty"`
		DeclaredBytes int64  `json:"declared_bytes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := s.artifacts.InitUpload(r.Context(), userID(r), req.Kind, req.MediaType, req.Title, req.DeclaredBytes)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handlePutPart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Part []byte `json:"part"` // base64 on the wire
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, err := s.artifacts.PutPart(r.Context(), r.PathValue("uploadID"), req.Part)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContentHash string `json:"content_hash,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := s.artifacts.FinalizeUpload(r.Context(), r.PathValue("uploadID"), req.ContentHash)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.artifacts.AbortUpload(r.Context(), r.PathValue("uploadID")); err != nil {
		WriteFault(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
