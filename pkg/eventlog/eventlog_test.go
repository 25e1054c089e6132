package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

func newFixture(t *testing.T, guard quota.Guard) (*Log, *store.Store) {
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

	reg, err := NewRegistry()
	require.NoError(t, err)
	return New(st, reg, guard, ids.NewMonotonicClock(), nil, nil), st
}

func TestAppendAssignsSeqAndCanonicalisesPayload(t *testing.T) {
	log, _ := newFixture(t, quota.Guard{})
	ctx := context.Background()

	e, err := log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"text": "hi",  "z": 1, "a": 2}`),
		Actor:   model.ActorUser,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)
	assert.NotEmpty(t, e.EventID)
	// JCS form: keys sorted, whitespace stripped.
	assert.Equal(t, `{"a":2,"text":"hi","z":1}`, string(e.Payload))
}

func TestAppendRejectsContractViolation(t *testing.T) {
	log, _ := newFixture(t, quota.Guard{})
	_, err := log.Append(context.Background(), model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"no_text":true}`),
		Actor:   model.ActorUser,
	}, "alice")
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
}

func TestAppendAllowsUnknownKinds(t *testing.T) {
	log, _ := newFixture(t, quota.Guard{})
	e, err := log.Append(context.Background(), model.EventIntent{
		RunID: "r1", Kind: "surface_custom_event",
		Payload: json.RawMessage(`{"anything":"goes"}`),
		Actor:   model.ActorUser,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, "surface_custom_event", e.Kind)
}

func TestEventQuotaRace(t *testing.T) {
	log, st := newFixture(t, quota.Guard{MaxEventsPerRun: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = log.Append(ctx, model.EventIntent{
				RunID: "r1", Kind: "user_message",
				Payload: json.RawMessage(`{"text":"race"}`),
				Actor:   model.ActorUser,
			}, "alice")
		}(i)
	}
	wg.Wait()

	var ok, quotaErrs int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case fault.IsKind(err, fault.KindQuotaExceeded):
			quotaErrs++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 3, quotaErrs)

	events, err := st.ListEvents(ctx, "r1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestByteQuotaEmitsAuditEvent(t *testing.T) {
	log, st := newFixture(t, quota.Guard{MaxBytesPerRun: 300})
	ctx := context.Background()

	_, err := log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"text":"short"}`),
		Actor:   model.ActorUser,
	}, "alice")
	require.NoError(t, err)

	big, err := json.Marshal(map[string]string{"text": strings.Repeat("x", 400)})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: big,
		Actor:   model.ActorUser,
	}, "alice")
	require.True(t, fault.IsKind(err, fault.KindQuotaExceeded))

	events, err := st.ListEvents(ctx, "r1", store.EventFilter{Kinds: []string{"quota_exceeded"}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	var body struct {
		Scope string `json:"scope"`
	}
	require.NoError(t, json.Unmarshal(events[0].Payload, &body))
	assert.Equal(t, "bytes_per_run", body.Scope)
}

func TestTerminalRunStatusEmitsMetricsComputed(t *testing.T) {
	log, st := newFixture(t, quota.Guard{})
	ctx := context.Background()

	_, err := log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"text":"work"}`), Actor: model.ActorUser,
	}, "alice")
	require.NoError(t, err)

	_, err = log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "run_status",
		Payload: json.RawMessage(`{"status":"completed"}`), Actor: model.ActorSystem,
	}, "alice")
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, "r1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	last := events[2]
	assert.Equal(t, "metrics_computed", last.Kind)

	var body struct {
		EventCount int64 `json:"event_count"`
	}
	require.NoError(t, json.Unmarshal(last.Payload, &body))
	// The trailing event reports the aggregates as of the terminal commit.
	assert.Equal(t, int64(2), body.EventCount)

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestTerminalRunStatusMovesRunsRow(t *testing.T) {
	cases := []struct {
		payload string
		want    model.RunStatus
	}{
		{`{"status":"completed"}`, model.RunStatusCompleted},
		{`{"status":"complete"}`, model.RunStatusCompleted},
		{`{"status":"failed"}`, model.RunStatusFailed},
		{`{"status":"denied"}`, model.RunStatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.payload, func(t *testing.T) {
			log, st := newFixture(t, quota.Guard{})
			ctx := context.Background()

			_, err := log.Append(ctx, model.EventIntent{
				RunID: "r1", Kind: "run_status",
				Payload: json.RawMessage(tc.payload), Actor: model.ActorSystem,
			}, "alice")
			require.NoError(t, err)

			run, err := st.GetRun(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, run.Status)

			m, err := st.RunMetrics(ctx, "r1")
			require.NoError(t, err)
			require.NotNil(t, m.CompletedAt)
		})
	}
}

func TestNonTerminalRunStatusLeavesRunsRow(t *testing.T) {
	log, st := newFixture(t, quota.Guard{})
	ctx := context.Background()

	_, err := log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "run_status",
		Payload: json.RawMessage(`{"status":"waiting_approval"}`), Actor: model.ActorSystem,
	}, "alice")
	require.NoError(t, err)

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, run.Status)
}

func TestMetricsComputedBypassesEventCeiling(t *testing.T) {
	log, st := newFixture(t, quota.Guard{MaxEventsPerRun: 2})
	ctx := context.Background()

	_, err := log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"text":"a"}`), Actor: model.ActorUser,
	}, "alice")
	require.NoError(t, err)

	// Terminal event fills the ceiling; metrics_computed still lands.
	_, err = log.Append(ctx, model.EventIntent{
		RunID: "r1", Kind: "run_status",
		Payload: json.RawMessage(`{"status":"completed"}`), Actor: model.ActorSystem,
	}, "alice")
	require.NoError(t, err)

	events, err := st.ListEvents(ctx, "r1", store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "metrics_computed", events[2].Kind)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotifier) EventCommitted(_ context.Context, e *model.Event, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e.Kind)
}

func TestNotifierSeesCommittedEvents(t *testing.T) {
	log, _ := newFixture(t, quota.Guard{})
	n := &captureNotifier{}
	log.SetNotifier(n)

	_, err := log.Append(context.Background(), model.EventIntent{
		RunID: "r1", Kind: "user_message",
		Payload: json.RawMessage(`{"text":"hello"}`), Actor: model.ActorUser,
	}, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"user_message"}, n.events)
}

func TestProvenanceAffectingSet(t *testing.T) {
	assert.True(t, IsProvenanceAffecting("artifact_ref"))
	assert.True(t, IsProvenanceAffecting("tool_call"))
	assert.True(t, IsProvenanceAffecting("workflow_node_completed"))
	assert.False(t, IsProvenanceAffecting("user_message"))
	assert.False(t, IsProvenanceAffecting("run_status"))
}
