package provenance

import (
	"context"
	"sort"
	"strings"

	"github.com/omniplexity/substrate/pkg/fault"
)

// WhyPaths explains an artifact: reverse BFS from its node along incoming
// edges, stopping at event, research_source, or workflow_node nodes, or at
// maxDepth. Up to maxPaths paths are returned, deterministically ordered by
// (path length, node-id sequence, edge signature).
func (s *Service) WhyPaths(ctx context.Context, runID, artifactID string, maxPaths, maxDepth int) ([]Path, error) {
	if maxPaths <= 0 {
		maxPaths = 10
	}
	if maxDepth <= 0 {
		maxDepth = s.defaults.MaxDepth
	}

	g, err := s.Graph(ctx, runID, s.defaults)
	if err != nil {
		return nil, err
	}

	root := artifactNodeID(artifactID)
	nodeTypes := make(map[string]NodeType, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeTypes[n.ID] = n.Type
	}
	if _, ok := nodeTypes[root]; !ok {
		return nil, fault.New(fault.KindArtifactNotFound, "artifact %s not in run %s graph", artifactID, runID)
	}

	// Incoming edges per node, sorted for deterministic expansion.
	incoming := make(map[string][]Edge)
	for _, e := range g.Edges {
		incoming[e.To] = append(incoming[e.To], e)
	}
	for id := range incoming {
		es := incoming[id]
		sort.Slice(es, func(i, j int) bool { return edgeSignature(es[i]) < edgeSignature(es[j]) })
	}

	type state struct {
		node  string
		nodes []string // artifact-first; reversed on emit
		edges []Edge
	}
	var paths []Path
	queue := []state{{node: root, nodes: []string{root}}}

	for len(queue) > 0 && len(paths) < maxPaths {
		cur := queue[0]
		queue = queue[1:]

		terminal := false
		switch nodeTypes[cur.node] {
		case NodeEvent, NodeResearchSource, NodeWorkflow:
			terminal = cur.node != root
		}
		depth := len(cur.nodes) - 1
		if terminal || (depth >= maxDepth && depth > 0) || (len(incoming[cur.node]) == 0 && depth > 0) {
			paths = append(paths, emitPath(cur.nodes, cur.edges))
			continue
		}
		if depth >= maxDepth {
			continue
		}
		for _, e := range incoming[cur.node] {
			if containsNode(cur.nodes, e.From) {
				continue
			}
			next := state{
				node:  e.From,
				nodes: append(append([]string{}, cur.nodes...), e.From),
				edges: append(append([]Edge{}, cur.edges...), e),
			}
			queue = append(queue, next)
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i].Nodes) != len(paths[j].Nodes) {
			return len(paths[i].Nodes) < len(paths[j].Nodes)
		}
		a, b := strings.Join(paths[i].Nodes, "|"), strings.Join(paths[j].Nodes, "|")
		if a != b {
			return a < b
		}
		return pathEdgeSignature(paths[i]) < pathEdgeSignature(paths[j])
	})
	return paths, nil
}

// emitPath reverses the collected artifact-first walk into cause-first order.
func emitPath(nodes []string, edges []Edge) Path {
	rn := make([]string, len(nodes))
	for i, n := range nodes {
		rn[len(nodes)-1-i] = n
	}
	re := make([]Edge, len(edges))
	for i, e := range edges {
		re[len(edges)-1-i] = e
	}
	return Path{Nodes: rn, Edges: re}
}

func pathEdgeSignature(p Path) string {
	sigs := make([]string, len(p.Edges))
	for i, e := range p.Edges {
		sigs[i] = edgeSignature(e)
	}
	return strings.Join(sigs, "||")
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}
