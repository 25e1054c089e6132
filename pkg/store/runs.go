package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
)

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, name, created_at) VALUES ($1, $2, $3)`,
		p.ProjectID, p.Name, fmtTime(p.CreatedAt))
	return err
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, name, created_at FROM projects WHERE project_id = $1`,
		projectID).Scan(&p.ProjectID, &p.Name, &createdAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindForbidden, "project %s not found", projectID))
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

// AddProjectMember upserts a membership row.
func (s *Store) AddProjectMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = $3`,
		projectID, userID, role)
	return err
}

// ProjectMembers returns all member user ids of a project.
func (s *Store) ProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	return s.memberIDs(ctx,
		`SELECT user_id FROM project_members WHERE project_id = $1 ORDER BY user_id`, projectID)
}

// ProjectOwners returns the user ids holding the owner role.
func (s *Store) ProjectOwners(ctx context.Context, projectID string) ([]string, error) {
	return s.memberIDs(ctx,
		`SELECT user_id FROM project_members WHERE project_id = $1 AND role = 'owner' ORDER BY user_id`, projectID)
}

func (s *Store) memberIDs(ctx context.Context, query, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GrantScope upserts a scope grant for a project.
func (s *Store) GrantScope(ctx context.Context, g *model.ScopeGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scope_grants (project_id, scope, granted_by, granted_at, condition)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, scope) DO UPDATE SET granted_by = $3, granted_at = $4, condition = $5`,
		g.ProjectID, g.Scope, g.GrantedBy, fmtTime(g.GrantedAt), g.Condition)
	return err
}

// ScopeGrants returns all grants held by a project.
func (s *Store) ScopeGrants(ctx context.Context, projectID string) ([]model.ScopeGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, scope, granted_by, granted_at, condition
		FROM scope_grants WHERE project_id = $1 ORDER BY scope`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var grants []model.ScopeGrant
	for rows.Next() {
		var g model.ScopeGrant
		var grantedAt string
		if err := rows.Scan(&g.ProjectID, &g.Scope, &g.GrantedBy, &grantedAt, &g.Condition); err != nil {
			return nil, err
		}
		g.GrantedAt = parseTime(grantedAt)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// CreateThread inserts a thread. Either ProjectID or OwnerUserID is set.
func (s *Store) CreateThread(ctx context.Context, t *model.Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (thread_id, project_id, owner_user_id, title, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ThreadID, nullStr(t.ProjectID), nullStr(t.OwnerUserID), t.Title, fmtTime(t.CreatedAt))
	return err
}

// GetThread retrieves a thread by id.
func (s *Store) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	var t model.Thread
	var projectID, owner sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT thread_id, project_id, owner_user_id, title, created_at
		FROM threads WHERE thread_id = $1`, threadID).
		Scan(&t.ThreadID, &projectID, &owner, &t.Title, &createdAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindRunNotFound, "thread %s not found", threadID))
	}
	t.ProjectID = projectID.String
	t.OwnerUserID = owner.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// CreateRun inserts a run and its zeroed metrics row.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) error {
	pins := string(r.Pins)
	if pins == "" {
		pins = "{}"
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, thread_id, status, created_by_user_id, pins, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			r.RunID, r.ThreadID, string(r.Status), r.CreatedByUserID, pins, fmtTime(r.CreatedAt)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_metrics (run_id) VALUES ($1)`, r.RunID)
		return err
	})
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var status, pins, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, thread_id, status, created_by_user_id, pins, created_at
		FROM runs WHERE run_id = $1`, runID).
		Scan(&r.RunID, &r.ThreadID, &status, &r.CreatedByUserID, &pins, &createdAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindRunNotFound, "run %s not found", runID))
	}
	r.Status = model.RunStatus(status)
	r.Pins = json.RawMessage(pins)
	r.CreatedAt = parseTime(createdAt)
	return &r, nil
}

// RunContext resolves the run's ownership chain (thread, project).
func (s *Store) RunContext(ctx context.Context, runID string) (*model.RunContext, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	thread, err := s.GetThread(ctx, run.ThreadID)
	if err != nil {
		return nil, err
	}
	return &model.RunContext{Run: *run, ThreadID: thread.ThreadID, ProjectID: thread.ProjectID}, nil
}

// txRunContext resolves the run context inside a transaction, so the append
// path sees a consistent view.
func txRunContext(ctx context.Context, tx *sql.Tx, runID string) (*model.RunContext, error) {
	var rc model.RunContext
	var status, pins, createdAt string
	var projectID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT r.run_id, r.thread_id, r.status, r.created_by_user_id, r.pins, r.created_at, t.project_id
		FROM runs r JOIN threads t ON t.thread_id = r.thread_id
		WHERE r.run_id = $1`, runID).
		Scan(&rc.Run.RunID, &rc.Run.ThreadID, &status, &rc.Run.CreatedByUserID, &pins, &createdAt, &projectID)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindRunNotFound, "run %s not found", runID))
	}
	rc.Run.Status = model.RunStatus(status)
	rc.Run.Pins = json.RawMessage(pins)
	rc.Run.CreatedAt = parseTime(createdAt)
	rc.ThreadID = rc.Run.ThreadID
	rc.ProjectID = projectID.String
	return &rc, nil
}

// ListRunsInThread returns runs in a thread, newest first.
func (s *Store) ListRunsInThread(ctx context.Context, threadID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, thread_id, status, created_by_user_id, pins, created_at
		FROM runs WHERE thread_id = $1 ORDER BY created_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status, pins, createdAt string
		if err := rows.Scan(&r.RunID, &r.ThreadID, &status, &r.CreatedByUserID, &pins, &createdAt); err != nil {
			return nil, err
		}
		r.Status = model.RunStatus(status)
		r.Pins = json.RawMessage(pins)
		r.CreatedAt = parseTime(createdAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus sets the run status.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $1 WHERE run_id = $2`, string(status), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.New(fault.KindRunNotFound, "run %s not found", runID)
	}
	return nil
}

// RunMetrics returns the per-run aggregates.
func (s *Store) RunMetrics(ctx context.Context, runID string) (*model.RunMetrics, error) {
	var m model.RunMetrics
	var completedAt sql.NullString
	var durationMS sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, event_count, tool_calls, tool_errors, artifacts_count, bytes_in, bytes_out, completed_at, duration_ms
		FROM run_metrics WHERE run_id = $1`, runID).
		Scan(&m.RunID, &m.EventCount, &m.ToolCalls, &m.ToolErrors, &m.ArtifactsCount,
			&m.BytesIn, &m.BytesOut, &completedAt, &durationMS)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindRunNotFound, "run %s not found", runID))
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		m.CompletedAt = &t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		m.DurationMS = &v
	}
	return &m, nil
}

// LatestAccessibleRun returns the most recent run created by the user, used
// for best-effort audit events on pre-call validation failures.
func (s *Store) LatestAccessibleRun(ctx context.Context, userID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM runs WHERE created_by_user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID).Scan(&runID)
	if err != nil {
		return "", notFound(err, fault.New(fault.KindRunNotFound, "no runs for user"))
	}
	return runID, nil
}

// DeleteRun removes a run; the schema cascades to events, correlations,
// artifact links, and approvals.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	return err
}
