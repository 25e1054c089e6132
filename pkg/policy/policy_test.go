package policy

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

func newEngine(t *testing.T, allowRemote bool) (*Engine, *store.Store, *model.RunContext) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.CreateProject(ctx, &model.Project{ProjectID: "p1", Name: "p", CreatedAt: now}))
	require.NoError(t, st.CreateThread(ctx, &model.Thread{ThreadID: "t1", ProjectID: "p1", Title: "t", CreatedAt: now}))
	require.NoError(t, st.CreateRun(ctx, &model.Run{
		RunID: "r1", ThreadID: "t1", Status: model.RunStatusRunning,
		CreatedByUserID: "alice", CreatedAt: now,
	}))
	rc, err := st.RunContext(ctx, "r1")
	require.NoError(t, err)

	conditions, err := NewConditionEvaluator()
	require.NoError(t, err)
	return NewEngine(st, conditions, allowRemote, nil), st, rc
}

func grant(t *testing.T, st *store.Store, scope, condition string) {
	t.Helper()
	require.NoError(t, st.GrantScope(context.Background(), &model.ScopeGrant{
		ProjectID: "p1", Scope: scope, GrantedBy: "alice",
		GrantedAt: time.Now(), Condition: condition,
	}))
}

func manifest(binding model.BindingType, entrypoint string, risk model.ToolRisk) *model.ToolManifest {
	return &model.ToolManifest{
		ToolID: "web.fetch", Version: "1.0.0",
		Binding: model.ToolBinding{Type: binding, Entrypoint: entrypoint},
		Risk:    risk,
	}
}

func TestMissingScopeDenies(t *testing.T) {
	e, _, rc := newEngine(t, false)
	m := manifest(model.BindingInprocSafe, "workspace.read_file",
		model.ToolRisk{ScopesRequired: []string{"read_web"}})

	d, err := e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, "missing scope: read_web", d.Reason)
}

func TestGrantedScopeAllows(t *testing.T) {
	e, st, rc := newEngine(t, false)
	grant(t, st, "read_web", "")
	m := manifest(model.BindingInprocSafe, "workspace.read_file",
		model.ToolRisk{ScopesRequired: []string{"read_web"}})

	d, err := e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestConditionalGrantFiltersOnInputs(t *testing.T) {
	e, st, rc := newEngine(t, false)
	grant(t, st, "write_files", `inputs.path.startsWith("docs/")`)
	m := manifest(model.BindingInprocSafe, "workspace.write_file",
		model.ToolRisk{ScopesRequired: []string{"write_files"}})

	d, err := e.Evaluate(context.Background(), rc, m, map[string]any{"path": "docs/readme.md"}, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)

	d, err = e.Evaluate(context.Background(), rc, m, map[string]any{"path": "/etc/passwd"}, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestConditionErrorFailsClosed(t *testing.T) {
	e, st, rc := newEngine(t, false)
	grant(t, st, "read_web", `inputs.nonexistent.field > 3`)
	m := manifest(model.BindingInprocSafe, "x",
		model.ToolRisk{ScopesRequired: []string{"read_web"}})

	// The condition errors at runtime; the grant is not applied.
	d, err := e.Evaluate(context.Background(), rc, m, map[string]any{}, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
}

func TestExternalWriteRequiresApproval(t *testing.T) {
	e, st, rc := newEngine(t, false)
	m := manifest(model.BindingSandboxJob, "./deploy", model.ToolRisk{ExternalWrite: true})

	d, err := e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprovalRequired, d.Verdict)

	// A recorded approval for this (run, tool, version) unlocks it.
	_, err = st.CreateApproval(context.Background(), &model.Approval{
		ApprovalID: ids.New(), RunID: "r1", CorrelationID: "c1",
		ToolID: m.ToolID, ToolVersion: m.Version, Inputs: json.RawMessage(`{}`),
		Status: model.ApprovalPending, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	rows, err := st.ListApprovals(context.Background(), "r1")
	require.NoError(t, err)
	_, err = st.DecideApproval(context.Background(), rows[0].ApprovalID, model.ApprovalApproved, "alice", time.Now())
	require.NoError(t, err)

	d, err = e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestRemoteBindingRules(t *testing.T) {
	e, st, rc := newEngine(t, false)
	m := manifest(model.BindingMCPRemote, "http://tools.example.com/rpc", model.ToolRisk{})

	d, err := e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, "missing scope: mcp_call", d.Reason)

	grant(t, st, "mcp_call", "")
	d, err = e.Evaluate(context.Background(), rc, m, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictDeny, d.Verdict)
	assert.Equal(t, "remote endpoints disabled", d.Reason)

	loop := manifest(model.BindingMCPRemote, "http://127.0.0.1:9000/rpc", model.ToolRisk{})
	d, err = e.Evaluate(context.Background(), rc, loop, nil, false)
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, isLoopback("http://localhost:8080/x"))
	assert.True(t, isLoopback("http://127.0.0.1/x"))
	assert.True(t, isLoopback("http://[::1]:4000/x"))
	assert.False(t, isLoopback("http://10.0.0.5/x"))
	assert.False(t, isLoopback("https://api.example.com/x"))
	assert.False(t, isLoopback("not a url"))
}
