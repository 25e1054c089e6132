package provenance

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

type fixture struct {
	store *store.Store
	log   *eventlog.Log
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
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

	reg, err := eventlog.NewRegistry()
	require.NoError(t, err)
	clock := ids.NewMonotonicClock()
	return &fixture{
		store: st,
		log:   eventlog.New(st, reg, quota.Guard{}, clock, nil, nil),
		svc:   NewService(st, clock, nil),
	}
}

func (f *fixture) append(t *testing.T, kind string, payload map[string]any, correlationID string) *model.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	e, err := f.log.Append(context.Background(), model.EventIntent{
		RunID: "r1", Kind: kind, Payload: raw,
		Actor: model.ActorTool, CorrelationID: correlationID,
	}, "alice")
	require.NoError(t, err)
	return e
}

// seedToolChain records a tool_call/tool_result pair plus an artifact_ref
// produced by the same correlation.
func (f *fixture) seedToolChain(t *testing.T) (call, result, ref *model.Event) {
	t.Helper()
	call = f.append(t, "tool_call", map[string]any{
		"tool_id": "report.render", "correlation_id": "c1",
	}, "c1")
	result = f.append(t, "tool_result", map[string]any{
		"correlation_id": "c1",
	}, "c1")
	ref = f.append(t, "artifact_ref", map[string]any{
		"artifact_id": "a1", "correlation_id": "c1",
	}, "c1")
	return call, result, ref
}

func nodeIDs(g *Graph) map[string]NodeType {
	out := make(map[string]NodeType, len(g.Nodes))
	for _, n := range g.Nodes {
		out[n.ID] = n.Type
	}
	return out
}

func hasEdge(g *Graph, from, to string, kind EdgeKind) bool {
	for _, e := range g.Edges {
		if e.From == from && e.To == to && e.Kind == kind {
			return true
		}
	}
	return false
}

func TestGraphLinksToolChainToArtifact(t *testing.T) {
	f := newFixture(t)
	call, result, ref := f.seedToolChain(t)

	g, err := f.svc.Graph(context.Background(), "r1", Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), g.LastSeq)

	nodes := nodeIDs(g)
	assert.Equal(t, NodeArtifact, nodes["artifact:a1"])
	assert.Equal(t, NodeEvent, nodes[eventNodeID(call.EventID)])

	assert.True(t, hasEdge(g, eventNodeID(call.EventID), eventNodeID(result.EventID), EdgeToolOutcome))
	assert.True(t, hasEdge(g, eventNodeID(ref.EventID), "artifact:a1", EdgeArtifactRef))
	assert.True(t, hasEdge(g, eventNodeID(call.EventID), "artifact:a1", EdgeCorrelationArtifact))
}

func TestGraphUnknownRun(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Graph(context.Background(), "nope", Params{})
	assert.True(t, fault.IsKind(err, fault.KindRunNotFound))
}

func TestGraphCacheHitMissRecompute(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)
	ctx := context.Background()

	_, err := f.svc.Graph(ctx, "r1", Params{})
	require.NoError(t, err)
	_, err = f.svc.Graph(ctx, "r1", Params{})
	require.NoError(t, err)

	counters, err := f.store.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["provenance_cache.miss_count"])
	assert.Equal(t, int64(1), counters["provenance_cache.recompute_count"])
	assert.Equal(t, int64(1), counters["provenance_cache.hit_count"])

	// A provenance-affecting append invalidates; the next query recomputes.
	f.append(t, "artifact_ref", map[string]any{"artifact_id": "a2"}, "")
	g, err := f.svc.Graph(ctx, "r1", Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(4), g.LastSeq)

	counters, err = f.store.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["provenance_cache.miss_count"])
	assert.Equal(t, int64(2), counters["provenance_cache.recompute_count"])
}

func TestNonDefaultParamsBypassCache(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)
	ctx := context.Background()

	_, err := f.svc.Graph(ctx, "r1", Params{MaxDepth: 2, NodeCap: 10, EdgeCap: 10})
	require.NoError(t, err)

	counters, err := f.store.Counters(ctx)
	require.NoError(t, err)
	assert.Zero(t, counters["provenance_cache.miss_count"])
	assert.Zero(t, counters["provenance_cache.recompute_count"])
}

func TestGraphCapsTruncate(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)

	g, err := f.svc.Graph(context.Background(), "r1", Params{MaxDepth: 6, NodeCap: 2, EdgeCap: 1})
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2)
	assert.True(t, g.NodesTruncated)
	assert.Len(t, g.Edges, 1)
	assert.True(t, g.EdgesTruncated)
}

func TestGraphDeterministicOrdering(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)
	ctx := context.Background()

	a, err := f.svc.Graph(ctx, "r1", Params{MaxDepth: 3, NodeCap: 100, EdgeCap: 100})
	require.NoError(t, err)
	b, err := f.svc.Graph(ctx, "r1", Params{MaxDepth: 3, NodeCap: 100, EdgeCap: 100})
	require.NoError(t, err)
	assert.Equal(t, a.Nodes, b.Nodes)
	assert.Equal(t, a.Edges, b.Edges)
}

func TestWorkflowOutputsBecomeArtifacts(t *testing.T) {
	f := newFixture(t)
	e := f.append(t, "workflow_node_completed", map[string]any{
		"node_id": "render", "outputs_ref": "a9",
	}, "")

	g, err := f.svc.Graph(context.Background(), "r1", Params{})
	require.NoError(t, err)
	nodes := nodeIDs(g)
	assert.Equal(t, NodeWorkflow, nodes["workflow_node:render"])
	assert.Equal(t, NodeArtifact, nodes["artifact:a9"])
	assert.True(t, hasEdge(g, eventNodeID(e.EventID), "workflow_node:render", EdgeWorkflowEvent))
	assert.True(t, hasEdge(g, "workflow_node:render", "artifact:a9", EdgeOutputsRef))
}

func TestSummaryCounts(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)

	sum, err := f.svc.Summary(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", sum.RunID)
	assert.Equal(t, []string{"a1"}, sum.ArtifactIDs)
	assert.Equal(t, 1, sum.NodesByType[NodeArtifact])
	assert.Equal(t, 1, sum.EdgesByKind[EdgeArtifactRef])
}

func TestWhyPathsTerminatesAtEvents(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)

	paths, err := f.svc.WhyPaths(context.Background(), "r1", "a1", 10, 6)
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	for _, p := range paths {
		// Cause-first: the path ends at the artifact being explained.
		assert.Equal(t, "artifact:a1", p.Nodes[len(p.Nodes)-1])
	}

	again, err := f.svc.WhyPaths(context.Background(), "r1", "a1", 10, 6)
	require.NoError(t, err)
	assert.Equal(t, paths, again)
}

func TestWhyPathsUnknownArtifact(t *testing.T) {
	f := newFixture(t)
	f.seedToolChain(t)

	_, err := f.svc.WhyPaths(context.Background(), "r1", "missing", 10, 6)
	assert.True(t, fault.IsKind(err, fault.KindArtifactNotFound))
}
