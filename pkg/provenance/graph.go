// Package provenance derives the typed node/edge graph of a run: which
// events produced which artifacts, through which tool calls, citing which
// sources. Graphs computed with default parameters are cached per run, valid
// while the run's event high-water-mark is unchanged.
package provenance

import (
	"time"
)

// NodeType enumerates graph node types.
type NodeType string

const (
	NodeEvent          NodeType = "event"
	NodeArtifact       NodeType = "artifact"
	NodeResearchSource NodeType = "research_source"
	NodeWorkflow       NodeType = "workflow_node"
)

// EdgeKind enumerates graph edge kinds.
type EdgeKind string

const (
	EdgeToolOutcome            EdgeKind = "tool_outcome"
	EdgeArtifactRef            EdgeKind = "artifact_ref"
	EdgeSourceEventArtifact    EdgeKind = "source_event_artifact"
	EdgeCorrelationArtifact    EdgeKind = "correlation_artifact"
	EdgeResearchSourceFromTool EdgeKind = "research_source_from_tool"
	EdgeCitation               EdgeKind = "citation"
	EdgeWorkflowEvent          EdgeKind = "workflow_event"
	EdgeOutputsRef             EdgeKind = "outputs_ref"
)

// Node is one graph vertex. ID is globally unique within the graph and
// prefixed by type ("event:", "artifact:", ...).
type Node struct {
	ID    string         `json:"id"`
	Type  NodeType       `json:"type"`
	Label string         `json:"label,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Edge is one directed graph edge.
type Edge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind EdgeKind       `json:"kind"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Graph is the canonicalised output: nodes sorted by (type, id), edges by
// (from, to, kind, canonical meta).
type Graph struct {
	RunID          string    `json:"run_id"`
	LastSeq        int64     `json:"last_seq"`
	Nodes          []Node    `json:"nodes"`
	Edges          []Edge    `json:"edges"`
	NodesTruncated bool      `json:"nodes_truncated,omitempty"`
	EdgesTruncated bool      `json:"edges_truncated,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Params bound graph computation. The zero value takes the service defaults.
type Params struct {
	MaxDepth int `json:"max_depth"`
	NodeCap  int `json:"node_cap"`
	EdgeCap  int `json:"edge_cap"`
}

// DefaultParams are the cacheable parameters.
var DefaultParams = Params{MaxDepth: 6, NodeCap: 500, EdgeCap: 1000}

// Summary is the aggregate view for provenance_summary.
type Summary struct {
	RunID        string           `json:"run_id"`
	LastSeq      int64            `json:"last_seq"`
	NodesByType  map[NodeType]int `json:"nodes_by_type"`
	EdgesByKind  map[EdgeKind]int `json:"edges_by_kind"`
	ArtifactIDs  []string         `json:"artifact_ids"`
	SourceCount  int              `json:"source_count"`
	EventCount   int              `json:"event_count"`
	ComputedAt   time.Time        `json:"computed_at"`
}

// Path is one why-path: the node id sequence from a root cause to the
// artifact, with the edges traversed.
type Path struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

func eventNodeID(eventID string) string { return "event:" + eventID }

func artifactNodeID(artifactID string) string { return "artifact:" + artifactID }

func sourceNodeID(sourceID string) string { return "research_source:" + sourceID }

func workflowNodeID(nodeID string) string { return "workflow_node:" + nodeID }
