package notify

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

func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.CreateProject(ctx, &model.Project{ProjectID: "p1", Name: "p", CreatedAt: now}))
	require.NoError(t, st.AddProjectMember(ctx, "p1", "alice", "owner"))
	require.NoError(t, st.AddProjectMember(ctx, "p1", "bob", "member"))
	require.NoError(t, st.CreateThread(ctx, &model.Thread{ThreadID: "t1", ProjectID: "p1", Title: "t", CreatedAt: now}))
	require.NoError(t, st.CreateRun(ctx, &model.Run{
		RunID: "r1", ThreadID: "t1", Status: model.RunStatusRunning,
		CreatedByUserID: "alice", CreatedAt: now,
	}))
	return st
}

func quotaEvent() *model.Event {
	return &model.Event{
		EventID: ids.New(), RunID: "r1", ProjectID: "p1", Seq: 1,
		Kind:    "quota_exceeded",
		Payload: json.RawMessage(`{"scope":"events_per_run"}`),
	}
}

func toolErrorEvent(code, correlationID string) *model.Event {
	payload, _ := json.Marshal(map[string]any{
		"tool_id": "web.fetch", "error_code": code, "correlation_id": correlationID,
	})
	return &model.Event{
		EventID: ids.New(), RunID: "r1", ProjectID: "p1", Seq: 2,
		Kind: "tool_error", Payload: payload,
	}
}

func unread(t *testing.T, st *store.Store, userID string) []model.Notification {
	t.Helper()
	rows, err := st.ListNotifications(context.Background(), userID, true, 0, 0)
	require.NoError(t, err)
	return rows
}

func TestQuotaExceededNotifiesRunCreator(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	// The system tripped the quota, not alice, so alice is notified.
	r.EventCommitted(context.Background(), quotaEvent(), "")

	rows := unread(t, st, "alice")
	require.Len(t, rows, 1)
	assert.Equal(t, "run_quota_exceeded", rows[0].Kind)
	assert.Empty(t, unread(t, st, "bob"))
}

func TestActorSelfSuppression(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	r.EventCommitted(context.Background(), quotaEvent(), "alice")
	assert.Empty(t, unread(t, st, "alice"))
}

func TestApprovalRequiredNotifiesCreatorAndOwnersOnce(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	payload, _ := json.Marshal(map[string]any{
		"code": "approval_required", "details": map[string]any{"approval_id": "ap1"},
	})
	e := &model.Event{
		EventID: ids.New(), RunID: "r1", ProjectID: "p1", Seq: 3,
		Kind: "system_event", Payload: payload,
	}
	r.EventCommitted(context.Background(), e, "bob")

	// alice is both run creator and project owner; the insert dedupes.
	rows := unread(t, st, "alice")
	require.Len(t, rows, 1)
	assert.Equal(t, "run_approval_required", rows[0].Kind)
}

func TestOtherSystemEventCodesAreIgnored(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	e := &model.Event{
		EventID: ids.New(), RunID: "r1", ProjectID: "p1", Seq: 3,
		Kind: "system_event", Payload: json.RawMessage(`{"code":"policy_denied"}`),
	}
	r.EventCommitted(context.Background(), e, "bob")
	assert.Empty(t, unread(t, st, "alice"))
}

func TestToolErrorsOffByDefault(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	r.EventCommitted(context.Background(), toolErrorEvent("TIMEOUT", ""), "")
	assert.Empty(t, unread(t, st, "alice"))
}

func TestToolErrorCodeAllowlist(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{
		ToolErrors:          true,
		ToolErrorsOnlyCodes: []string{"TIMEOUT", "MCP_ERROR"},
	})
	ctx := context.Background()

	r.EventCommitted(ctx, toolErrorEvent("SCHEMA_VIOLATION", ""), "")
	assert.Empty(t, unread(t, st, "alice"))

	r.EventCommitted(ctx, toolErrorEvent("TIMEOUT", ""), "")
	rows := unread(t, st, "alice")
	require.Len(t, rows, 1)
	assert.Equal(t, "run_tool_error", rows[0].Kind)
}

func TestToolErrorMaxPerRun(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{
		ToolErrors:          true,
		ToolErrorsMaxPerRun: 2,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.EventCommitted(ctx, toolErrorEvent("EXECUTION_FAILED", ""), "")
	}
	assert.Len(t, unread(t, st, "alice"), 2)
}

func TestToolErrorBindingAllowlistWithoutCorrelationSkips(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{
		ToolErrors:             true,
		ToolErrorsOnlyBindings: []string{"mcp_remote"},
	})

	// No correlated tool_call to recover a binding from, so the gate holds.
	r.EventCommitted(context.Background(), toolErrorEvent("MCP_ERROR", "c-missing"), "")
	assert.Empty(t, unread(t, st, "alice"))
}

func TestMembershipActivityNotifiesNewMember(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	a := &model.Activity{
		ProjectID: "p1", ActivitySeq: 1,
		Kind: "member_added", RefType: "user", RefID: "carol",
		CreatedAt: time.Now().UTC(),
	}
	r.ActivityCommitted(context.Background(), a, "alice")

	rows := unread(t, st, "carol")
	require.Len(t, rows, 1)
	assert.Equal(t, "project_membership", rows[0].Kind)
}

func TestCommentActivityFansOutToMembers(t *testing.T) {
	st := newStore(t)
	r := NewRouter(st, ids.NewMonotonicClock(), Options{})

	a := &model.Activity{
		ProjectID: "p1", ActivitySeq: 2,
		Kind: "comment_created", RefType: "thread", RefID: "t1",
		CreatedAt: time.Now().UTC(),
	}
	r.ActivityCommitted(context.Background(), a, "alice")

	// The commenting member is suppressed; everyone else gets one.
	assert.Empty(t, unread(t, st, "alice"))
	rows := unread(t, st, "bob")
	require.Len(t, rows, 1)
	assert.Equal(t, "project_comment", rows[0].Kind)
}
