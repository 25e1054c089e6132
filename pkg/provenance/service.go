package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Service computes and caches run provenance graphs.
type Service struct {
	store    *store.Store
	clock    ids.Clock
	defaults Params
	logger   *slog.Logger
}

// NewService constructs the provenance service.
func NewService(st *store.Store, clock ids.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		clock:    clock,
		defaults: DefaultParams,
		logger:   logger.With("component", "provenance"),
	}
}

// Graph returns the run graph. Default-parameter queries are served from the
// cache when its last_seq matches the run's current high-water-mark;
// otherwise the graph is recomputed (and, for default parameters, stored).
func (s *Service) Graph(ctx context.Context, runID string, p Params) (*Graph, error) {
	if p.MaxDepth <= 0 {
		p.MaxDepth = s.defaults.MaxDepth
	}
	if p.NodeCap <= 0 {
		p.NodeCap = s.defaults.NodeCap
	}
	if p.EdgeCap <= 0 {
		p.EdgeCap = s.defaults.EdgeCap
	}
	cacheable := p == s.defaults

	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	lastSeq, err := s.store.MaxSeq(ctx, runID)
	if err != nil {
		return nil, err
	}

	if cacheable {
		row, ok, err := s.store.GetProvenanceCache(ctx, runID)
		if err != nil {
			return nil, err
		}
		if ok && row.LastSeq == lastSeq {
			var g Graph
			if err := json.Unmarshal(row.GraphBlob, &g); err == nil {
				s.bump(ctx, "provenance_cache.hit_count")
				return &g, nil
			}
			s.logger.Warn("cached graph blob unreadable, recomputing", "run_id", runID)
		}
		s.bump(ctx, "provenance_cache.miss_count")
	}

	started := time.Now()
	g, err := s.build(ctx, runID, lastSeq, p)
	if err != nil {
		return nil, err
	}

	if cacheable {
		s.bump(ctx, "provenance_cache.recompute_count")
		if err := s.store.SetGauge(ctx, "provenance_cache.last_recompute_ms",
			float64(time.Since(started).Milliseconds())); err != nil {
			s.logger.Warn("gauge update failed", "error", err)
		}
		blob, err := json.Marshal(g)
		if err == nil {
			err = s.store.PutProvenanceCache(ctx, &store.ProvenanceCacheRow{
				RunID:      runID,
				LastSeq:    lastSeq,
				GraphBlob:  blob,
				ComputedAt: g.ComputedAt,
			})
		}
		if err != nil {
			s.logger.Warn("cache write failed", "run_id", runID, "error", err)
		}
	}
	return g, nil
}

// Summary aggregates the default graph.
func (s *Service) Summary(ctx context.Context, runID string) (*Summary, error) {
	g, err := s.Graph(ctx, runID, s.defaults)
	if err != nil {
		return nil, err
	}
	sum := &Summary{
		RunID:       g.RunID,
		LastSeq:     g.LastSeq,
		NodesByType: make(map[NodeType]int),
		EdgesByKind: make(map[EdgeKind]int),
		ComputedAt:  g.ComputedAt,
	}
	for _, n := range g.Nodes {
		sum.NodesByType[n.Type]++
		switch n.Type {
		case NodeArtifact:
			sum.ArtifactIDs = append(sum.ArtifactIDs, n.Label)
		case NodeResearchSource:
			sum.SourceCount++
		case NodeEvent:
			sum.EventCount++
		}
	}
	for _, e := range g.Edges {
		sum.EdgesByKind[e.Kind]++
	}
	sort.Strings(sum.ArtifactIDs)
	return sum, nil
}

// build runs the graph algorithm over the run's committed state.
func (s *Service) build(ctx context.Context, runID string, lastSeq int64, p Params) (*Graph, error) {
	events, err := s.store.ListEvents(ctx, runID, store.EventFilter{Limit: int(lastSeq) + 1})
	if err != nil {
		return nil, err
	}

	b := newBuilder(runID, lastSeq)

	// Index tool calls (first wins) and outcomes (last wins) by correlation.
	calls := make(map[string]*model.Event)
	outcomes := make(map[string]*model.Event)
	for i := range events {
		e := &events[i]
		switch e.Kind {
		case "tool_call":
			if _, ok := calls[e.CorrelationID]; !ok && e.CorrelationID != "" {
				calls[e.CorrelationID] = e
			}
		case "tool_result", "tool_error":
			if e.CorrelationID != "" {
				outcomes[e.CorrelationID] = e
			}
		}
	}

	for i := range events {
		e := &events[i]
		b.addNode(Node{ID: eventNodeID(e.EventID), Type: NodeEvent, Label: e.Kind,
			Meta: map[string]any{"seq": e.Seq}})
	}
	for corr, outcome := range outcomes {
		if call, ok := calls[corr]; ok {
			b.addEdge(Edge{From: eventNodeID(call.EventID), To: eventNodeID(outcome.EventID),
				Kind: EdgeToolOutcome, Meta: map[string]any{"correlation_id": corr}})
		}
	}

	if err := s.addArtifacts(ctx, runID, events, calls, b); err != nil {
		return nil, err
	}
	if err := s.addResearchSources(ctx, runID, calls, b); err != nil {
		return nil, err
	}
	addWorkflowNodes(events, b)
	addCitations(events, b)

	g := b.finish(p, s.clock.Now())
	return g, nil
}

// addArtifacts prefers persisted artifact_links; a run with none falls back
// to scanning artifact_ref events, counted for eventual retirement.
func (s *Service) addArtifacts(ctx context.Context, runID string, events []model.Event, calls map[string]*model.Event, b *builder) error {
	links, err := s.store.ArtifactLinks(ctx, runID)
	if err != nil {
		return err
	}
	if len(links) == 0 {
		s.bump(ctx, "provenance.legacy_scan_count")
		links = legacyScanLinks(events)
	}
	for _, l := range links {
		aid := artifactNodeID(l.ArtifactID)
		b.addNode(Node{ID: aid, Type: NodeArtifact, Label: l.ArtifactID})
		b.addEdge(Edge{From: eventNodeID(l.EventID), To: aid, Kind: EdgeArtifactRef})
		if l.SourceEventID != "" {
			b.addEdge(Edge{From: eventNodeID(l.SourceEventID), To: aid, Kind: EdgeSourceEventArtifact})
		}
		if l.CorrelationID != "" {
			if call, ok := calls[l.CorrelationID]; ok {
				b.addEdge(Edge{From: eventNodeID(call.EventID), To: aid, Kind: EdgeCorrelationArtifact,
					Meta: map[string]any{"correlation_id": l.CorrelationID}})
			}
		}
	}
	return nil
}

// legacyScanLinks reconstructs links from artifact_ref payloads.
func legacyScanLinks(events []model.Event) []model.ArtifactLink {
	var links []model.ArtifactLink
	for i := range events {
		e := &events[i]
		if e.Kind != "artifact_ref" {
			continue
		}
		var body struct {
			ArtifactID    string `json:"artifact_id"`
			SourceEventID string `json:"source_event_id"`
			CorrelationID string `json:"correlation_id"`
		}
		if json.Unmarshal(e.Payload, &body) != nil || body.ArtifactID == "" {
			continue
		}
		corr := body.CorrelationID
		if corr == "" {
			corr = e.CorrelationID
		}
		links = append(links, model.ArtifactLink{
			RunID:         e.RunID,
			EventID:       e.EventID,
			ArtifactID:    body.ArtifactID,
			SourceEventID: body.SourceEventID,
			CorrelationID: corr,
		})
	}
	return links
}

func (s *Service) addResearchSources(ctx context.Context, runID string, calls map[string]*model.Event, b *builder) error {
	sources, err := s.store.ResearchSources(ctx, runID)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}
	links, err := s.store.ResearchSourceLinks(ctx, runID)
	if err != nil {
		return err
	}
	linkedSources := make(map[string]bool)
	for _, src := range sources {
		b.addNode(Node{ID: sourceNodeID(src.SourceID), Type: NodeResearchSource, Label: src.URL})
	}
	for _, l := range links {
		b.addEdge(Edge{From: eventNodeID(l.EventID), To: sourceNodeID(l.SourceID),
			Kind: EdgeResearchSourceFromTool})
		linkedSources[l.SourceID] = true
	}
	// Sources with no persisted link fall back to their correlation's call.
	for _, src := range sources {
		if linkedSources[src.SourceID] || src.CorrelationID == "" {
			continue
		}
		if call, ok := calls[src.CorrelationID]; ok {
			b.addEdge(Edge{From: eventNodeID(call.EventID), To: sourceNodeID(src.SourceID),
				Kind: EdgeResearchSourceFromTool, Meta: map[string]any{"correlation_id": src.CorrelationID}})
		}
	}
	return nil
}

func addWorkflowNodes(events []model.Event, b *builder) {
	for i := range events {
		e := &events[i]
		if !strings.HasPrefix(e.Kind, "workflow_") {
			continue
		}
		var body struct {
			NodeID     string `json:"node_id"`
			OutputsRef string `json:"outputs_ref"`
		}
		if json.Unmarshal(e.Payload, &body) != nil || body.NodeID == "" {
			continue
		}
		wid := workflowNodeID(body.NodeID)
		b.addNode(Node{ID: wid, Type: NodeWorkflow, Label: body.NodeID})
		b.addEdge(Edge{From: eventNodeID(e.EventID), To: wid, Kind: EdgeWorkflowEvent})
		if e.Kind == "workflow_node_completed" && body.OutputsRef != "" {
			aid := artifactNodeID(body.OutputsRef)
			b.addNode(Node{ID: aid, Type: NodeArtifact, Label: body.OutputsRef})
			b.addEdge(Edge{From: wid, To: aid, Kind: EdgeOutputsRef})
		}
	}
}

func addCitations(events []model.Event, b *builder) {
	for i := range events {
		e := &events[i]
		if e.Kind != "research_report_created" {
			continue
		}
		var body struct {
			Citations []struct {
				SourceID string `json:"source_id"`
			} `json:"citations"`
		}
		if json.Unmarshal(e.Payload, &body) != nil {
			continue
		}
		for _, c := range body.Citations {
			if c.SourceID == "" {
				continue
			}
			b.addEdge(Edge{From: sourceNodeID(c.SourceID), To: eventNodeID(e.EventID), Kind: EdgeCitation})
		}
	}
}

func (s *Service) bump(ctx context.Context, name string) {
	if err := s.store.IncrCounter(ctx, name, 1); err != nil {
		s.logger.Warn("counter update failed", "counter", name, "error", err)
	}
}

// builder accumulates nodes and edges with de-duplication.
type builder struct {
	runID   string
	lastSeq int64
	nodes   map[string]Node
	edges   map[string]Edge
}

func newBuilder(runID string, lastSeq int64) *builder {
	return &builder{runID: runID, lastSeq: lastSeq, nodes: make(map[string]Node), edges: make(map[string]Edge)}
}

func (b *builder) addNode(n Node) {
	if _, ok := b.nodes[n.ID]; !ok {
		b.nodes[n.ID] = n
	}
}

func (b *builder) addEdge(e Edge) {
	b.edges[edgeSignature(e)] = e
}

func edgeSignature(e Edge) string {
	meta := ""
	if len(e.Meta) > 0 {
		if canon, err := canonicalize.JCS(e.Meta); err == nil {
			meta = string(canon)
		}
	}
	return fmt.Sprintf("%s|%s|%s|%s", e.From, e.To, e.Kind, meta)
}

// finish applies the depth limit rooted at artifact nodes, the caps, and the
// canonical ordering. A graph with no artifact nodes keeps everything: there
// is no root to limit from.
func (b *builder) finish(p Params, now time.Time) *Graph {
	kept := b.depthLimit(p.MaxDepth)

	nodes := make([]Node, 0, len(kept))
	for id := range kept {
		nodes = append(nodes, b.nodes[id])
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Type != nodes[j].Type {
			return nodes[i].Type < nodes[j].Type
		}
		return nodes[i].ID < nodes[j].ID
	})

	var edges []Edge
	for _, e := range b.edges {
		if kept[e.From] && kept[e.To] {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return edgeSignature(edges[i]) < edgeSignature(edges[j])
	})

	g := &Graph{RunID: b.runID, LastSeq: b.lastSeq, ComputedAt: now}
	if len(nodes) > p.NodeCap {
		nodes = nodes[:p.NodeCap]
		g.NodesTruncated = true
	}
	g.Nodes = nodes
	if len(edges) > p.EdgeCap {
		edges = edges[:p.EdgeCap]
		g.EdgesTruncated = true
	}
	g.Edges = edges
	return g
}

// depthLimit runs a bidirectional BFS from every artifact node and returns
// the reached node ids.
func (b *builder) depthLimit(maxDepth int) map[string]bool {
	kept := make(map[string]bool, len(b.nodes))

	var roots []string
	for id, n := range b.nodes {
		if n.Type == NodeArtifact {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		for id := range b.nodes {
			kept[id] = true
		}
		return kept
	}

	neighbors := make(map[string][]string)
	for _, e := range b.edges {
		neighbors[e.From] = append(neighbors[e.From], e.To)
		neighbors[e.To] = append(neighbors[e.To], e.From)
	}

	frontier := roots
	for _, id := range roots {
		kept[id] = true
	}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, n := range neighbors[id] {
				if !kept[n] {
					kept[n] = true
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return kept
}
