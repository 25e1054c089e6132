package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
)

// decodeBody reads and unmarshals a JSON body under the shared size cap.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

// accessRun resolves the run's ownership chain and checks the caller may see
// it: run creator, owner of a user-owned thread, or project member.
func (s *Server) accessRun(ctx context.Context, uid, runID string) (*model.RunContext, error) {
	rc, err := s.store.RunContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rc.Run.CreatedByUserID == uid {
		return rc, nil
	}
	if rc.ProjectID == "" {
		t, err := s.store.GetThread(ctx, rc.ThreadID)
		if err != nil {
			return nil, err
		}
		if t.OwnerUserID == uid {
			return rc, nil
		}
		return nil, fault.New(fault.KindForbidden, "run %s is not accessible", runID)
	}
	members, err := s.store.ProjectMembers(ctx, rc.ProjectID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m == uid {
			return rc, nil
		}
	}
	return nil, fault.New(fault.KindForbidden, "run %s is not accessible", runID)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, r, "name is required")
		return
	}
	p := &model.Project{ProjectID: ids.New(), Name: req.Name, CreatedAt: s.clock.Now()}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.store.AddProjectMember(r.Context(), p.ProjectID, userID(r), "owner"); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	var req struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, r, "user_id is required")
		return
	}
	if req.Role == "" {
		req.Role = "member"
	}
	if err := s.store.AddProjectMember(r.Context(), projectID, req.UserID, req.Role); err != nil {
		WriteFault(w, r, err)
		return
	}
	s.recordActivity(r.Context(), projectID, "member_added", "user", req.UserID, userID(r))
	writeJSON(w, http.StatusCreated, map[string]string{
		"project_id": projectID, "user_id": req.UserID, "role": req.Role,
	})
}

func (s *Server) handleGrantScope(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	var req struct {
		Scope     string `json:"scope"`
		Condition string `json:"condition,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Scope == "" {
		WriteBadRequest(w, r, "scope is required")
		return
	}
	g := &model.ScopeGrant{
		ProjectID: projectID,
		Scope:     req.Scope,
		GrantedBy: userID(r),
		GrantedAt: s.clock.Now(),
		Condition: req.Condition,
	}
	if err := s.store.GrantScope(r.Context(), g); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID string `json:"project_id,omitempty"`
		Title     string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t := &model.Thread{
		ThreadID:  ids.New(),
		ProjectID: req.ProjectID,
		Title:     req.Title,
		CreatedAt: s.clock.Now(),
	}
	if req.ProjectID == "" {
		t.OwnerUserID = userID(r)
	}
	if err := s.store.CreateThread(r.Context(), t); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	var req struct {
		Pins json.RawMessage `json:"pins,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := s.store.GetThread(r.Context(), threadID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	run := &model.Run{
		RunID:           ids.New(),
		ThreadID:        threadID,
		Status:          model.RunStatusRunning,
		CreatedByUserID: userID(r),
		Pins:            req.Pins,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.store.CreateRun(r.Context(), run); err != nil {
		WriteFault(w, r, err)
		return
	}
	s.recordActivity(r.Context(), t.ProjectID, "run_created", "run", run.RunID, userID(r))
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("threadID")
	limit := queryInt(r, "limit", 100)
	runs, err := s.store.ListRunsInThread(r.Context(), threadID, limit)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc.Run)
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	metrics, err := s.store.RunMetrics(r.Context(), rc.Run.RunID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": rc.Run, "metrics": metrics})
}

func (s *Server) handleUpdateRunStatus(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	var req struct {
		Status model.RunStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Status {
	case model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusCancelled,
		model.RunStatusFailed, model.RunStatusWaitingApproval:
	default:
		WriteBadRequest(w, r, "unknown run status")
		return
	}

	payload, _ := json.Marshal(map[string]string{"status": string(req.Status)})
	event, err := s.log.Append(r.Context(), model.EventIntent{
		RunID:   rc.Run.RunID,
		Kind:    "run_status",
		Payload: payload,
		Actor:   model.ActorSystem,
	}, userID(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := s.store.UpdateRunStatus(r.Context(), rc.Run.RunID, req.Status); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": rc.Run.RunID, "status": req.Status, "event": event})
}

// queryInt parses an integer query parameter, falling back on def.
func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// queryInt64 parses an int64 query parameter, falling back on def.
func queryInt64(r *http.Request, name string, def int64) int64 {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
