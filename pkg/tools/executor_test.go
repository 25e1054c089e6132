package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/approvals"
	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/policy"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

type executorFixture struct {
	store    *store.Store
	log      *eventlog.Log
	registry *Registry
	ledger   *approvals.Ledger
	exec     *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.CreateProject(ctx, &model.Project{ProjectID: "p1", Name: "p", CreatedAt: now}))
	require.NoError(t, st.AddProjectMember(ctx, "p1", "alice", "owner"))
	require.NoError(t, st.CreateThread(ctx, &model.Thread{ThreadID: "t1", ProjectID: "p1", Title: "t", CreatedAt: now}))
	require.NoError(t, st.CreateRun(ctx, &model.Run{
		RunID: "r1", ThreadID: "t1", Status: model.RunStatusRunning,
		CreatedByUserID: "alice", CreatedAt: now,
	}))

	reg, err := eventlog.NewRegistry()
	require.NoError(t, err)
	clock := ids.NewMonotonicClock()
	log := eventlog.New(st, reg, quota.Guard{}, clock, nil, nil)

	conditions, err := policy.NewConditionEvaluator()
	require.NoError(t, err)
	engine := policy.NewEngine(st, conditions, false, nil)
	ledger := approvals.NewLedger(st, log, clock, nil)

	toolReg := NewRegistry(st)
	exec := NewExecutor(st, log, toolReg, engine, ledger, clock, ExecutorOptions{
		WorkspaceRoot: t.TempDir(),
	})
	return &executorFixture{store: st, log: log, registry: toolReg, ledger: ledger, exec: exec}
}

func (f *executorFixture) install(t *testing.T, m *model.ToolManifest) {
	t.Helper()
	require.NoError(t, f.registry.Install(context.Background(), m))
}

func (f *executorFixture) grant(t *testing.T, scope string) {
	t.Helper()
	require.NoError(t, f.store.GrantScope(context.Background(), &model.ScopeGrant{
		ProjectID: "p1", Scope: scope, GrantedBy: "alice", GrantedAt: time.Now(),
	}))
}

func (f *executorFixture) events(t *testing.T, kinds ...string) []model.Event {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), "r1", store.EventFilter{Kinds: kinds})
	require.NoError(t, err)
	return events
}

func writeFileManifest(risk model.ToolRisk) *model.ToolManifest {
	return &model.ToolManifest{
		ToolID:  "workspace.write_file",
		Version: "1.0.0",
		InputsSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}, "content": {"type": "string"}},
			"required": ["path"]
		}`),
		Binding:     model.ToolBinding{Type: model.BindingInprocSafe, Entrypoint: "workspace.write_file"},
		Risk:        risk,
		InstalledAt: time.Now().UTC(),
	}
}

func TestInvokeCompletes(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{ScopesRequired: []string{"write_files"}}))
	f.grant(t, "write_files")

	res, err := f.exec.Invoke(context.Background(), "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt","content":"done"}`), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.CorrelationID)
	assert.NotEmpty(t, res.CallEventID)

	events := f.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "tool_call", events[0].Kind)
	assert.Equal(t, "tool_result", events[1].Kind)
	assert.Equal(t, res.CorrelationID, events[0].CorrelationID)
	assert.Equal(t, res.CorrelationID, events[1].CorrelationID)
	assert.Equal(t, events[0].EventID, events[1].ParentEventID)
}

func TestInvokeUnknownToolIsPreEventError(t *testing.T) {
	f := newExecutorFixture(t)

	_, err := f.exec.Invoke(context.Background(), "r1", "no.such.tool", "", nil, "alice", "")
	assert.True(t, fault.IsKind(err, fault.KindToolNotFound))
	assert.Empty(t, f.events(t))
}

func TestInvokeBadInputsIsPreEventError(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{}))

	_, err := f.exec.Invoke(context.Background(), "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":7}`), "alice", "")
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
	assert.Empty(t, f.events(t))
}

func TestInvokeDeniedRecordsAuditTrail(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{ScopesRequired: []string{"write_files"}}))
	// No grant: the call is recorded, then denied.

	res, err := f.exec.Invoke(context.Background(), "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt"}`), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, res.Status)
	assert.Equal(t, "POLICY_DENIED", res.ErrorCode)

	events := f.events(t)
	require.Len(t, events, 3)
	assert.Equal(t, "tool_call", events[0].Kind)
	assert.Equal(t, "system_event", events[1].Kind)
	assert.Equal(t, "tool_error", events[2].Kind)
	for _, e := range events {
		assert.Equal(t, res.CorrelationID, e.CorrelationID)
	}

	var sys struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(events[1].Payload, &sys))
	assert.Equal(t, "policy_denied", sys.Code)

	var toolErr struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(events[2].Payload, &toolErr))
	assert.Equal(t, "POLICY_DENIED", toolErr.ErrorCode)
}

func TestInvokeApprovalGateThenResume(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{
		ScopesRequired: []string{"write_files"},
		ExternalWrite:  true,
	}))
	f.grant(t, "write_files")
	ctx := context.Background()

	res, err := f.exec.Invoke(ctx, "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt","content":"gated"}`), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, res.Status)
	require.NotEmpty(t, res.ApprovalID)

	events := f.events(t)
	require.Len(t, events, 2)
	assert.Equal(t, "tool_call", events[0].Kind)
	assert.Equal(t, "system_event", events[1].Kind)
	var sys struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(events[1].Payload, &sys))
	assert.Equal(t, "approval_required", sys.Code)

	_, err = f.ledger.Approve(ctx, res.ApprovalID, "alice")
	require.NoError(t, err)

	// Resume with the original correlation; the approved call now runs.
	resumed, err := f.exec.Invoke(ctx, "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt","content":"gated"}`), "alice", res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, res.CorrelationID, resumed.CorrelationID)

	results := f.events(t, "tool_result")
	require.Len(t, results, 1)
	assert.Equal(t, res.CorrelationID, results[0].CorrelationID)
}

func TestInvokeDeniedApprovalStaysGated(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{ExternalWrite: true}))
	ctx := context.Background()

	res, err := f.exec.Invoke(ctx, "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt"}`), "alice", "")
	require.NoError(t, err)
	require.Equal(t, StatusWaitingApproval, res.Status)

	_, err = f.ledger.Deny(ctx, res.ApprovalID, "alice")
	require.NoError(t, err)

	again, err := f.exec.Invoke(ctx, "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"out.txt"}`), "alice", res.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, again.Status)
}

func TestInvokeDispatchErrorMapsCode(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{}))

	res, err := f.exec.Invoke(context.Background(), "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"../escape.txt","content":"x"}`), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, res.Status)
	assert.Equal(t, "UNSAFE_PATH", res.ErrorCode)

	errs := f.events(t, "tool_error")
	require.Len(t, errs, 1)
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(errs[0].Payload, &body))
	assert.Equal(t, "UNSAFE_PATH", body.ErrorCode)
}

func TestRegisterInprocOverridesBuiltin(t *testing.T) {
	f := newExecutorFixture(t)
	f.install(t, writeFileManifest(model.ToolRisk{}))
	f.exec.RegisterInproc("workspace.write_file", func(_ context.Context, _ string, _ map[string]any) (map[string]any, error) {
		return map[string]any{"stubbed": true}, nil
	})

	res, err := f.exec.Invoke(context.Background(), "r1", "workspace.write_file", "",
		json.RawMessage(`{"path":"ignored"}`), "alice", "")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	assert.JSONEq(t, `{"stubbed":true}`, string(res.Outputs))
}
