// Package model defines the persistent entities of the run event substrate.
// The Store owns every entity here; other components hold short-lived views.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusCancelled       RunStatus = "cancelled"
	RunStatusFailed          RunStatus = "failed"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
)

// Actor enumerates event authorship.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorTool      Actor = "tool"
	ActorSystem    Actor = "system"
)

// Project owns threads and a set of scope grants.
type Project struct {
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectMember is a user's membership in a project.
type ProjectMember struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"` // "owner" | "member"
}

// Thread is either project-owned or user-owned (uncategorised).
type Thread struct {
	ThreadID    string    `json:"thread_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// Run is the atomic unit of append-only history and quota accounting.
type Run struct {
	RunID           string          `json:"run_id"`
	ThreadID        string          `json:"thread_id"`
	Status          RunStatus       `json:"status"`
	CreatedByUserID string          `json:"created_by_user_id"`
	Pins            json.RawMessage `json:"pins,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RunContext is the resolved ownership chain for a run.
type RunContext struct {
	Run       Run
	ThreadID  string
	ProjectID string // empty for user-owned threads
}

// RunMetrics are the per-run aggregates maintained on every event insert.
type RunMetrics struct {
	RunID          string     `json:"run_id"`
	EventCount     int64      `json:"event_count"`
	ToolCalls      int64      `json:"tool_calls"`
	ToolErrors     int64      `json:"tool_errors"`
	ArtifactsCount int64      `json:"artifacts_count"`
	BytesIn        int64      `json:"bytes_in"`
	BytesOut       int64      `json:"bytes_out"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DurationMS     *int64     `json:"duration_ms,omitempty"`
}

// EventIntent is what callers hand to the EventLog.
type EventIntent struct {
	RunID         string          `json:"run_id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Actor         Actor           `json:"actor"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Privacy       string          `json:"privacy,omitempty"`
	Pins          json.RawMessage `json:"pins,omitempty"`
	// EventID is caller-assignable for idempotent assistant streaming.
	// Never used as an ordering key.
	EventID string `json:"event_id,omitempty"`
	// TS overrides the clock when non-zero.
	TS time.Time `json:"ts,omitempty"`
}

// Event is the canonical stored envelope returned by the EventLog.
type Event struct {
	EventID       string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	ThreadID      string          `json:"thread_id"`
	ProjectID     string          `json:"project_id,omitempty"`
	Seq           int64           `json:"seq"`
	TS            time.Time       `json:"ts"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Actor         Actor           `json:"actor"`
	ParentEventID string          `json:"parent_event_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Privacy       string          `json:"privacy,omitempty"`
	Pins          json.RawMessage `json:"pins,omitempty"`
}

// Artifact is content-addressed: ArtifactID equals the content hash.
type Artifact struct {
	ArtifactID  string    `json:"artifact_id"`
	Kind        string    `json:"kind"`
	MediaType   string    `json:"media_type"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	StorageRef  string    `json:"storage_ref"`
	Title       string    `json:"title,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// ArtifactLink is persisted structured provenance between an event and an
// artifact. The legacy scan of artifact_ref events is a fallback only.
type ArtifactLink struct {
	RunID         string `json:"run_id"`
	EventID       string `json:"event_id"`
	ArtifactID    string `json:"artifact_id"`
	SourceEventID string `json:"source_event_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ToolID        string `json:"tool_id,omitempty"`
	Purpose       string `json:"purpose,omitempty"`
}

// ToolCorrelation links a tool_call to its eventual outcome event.
type ToolCorrelation struct {
	RunID              string `json:"run_id"`
	CorrelationID      string `json:"correlation_id"`
	ToolCallEventID    string `json:"tool_call_event_id,omitempty"`
	ToolOutcomeEventID string `json:"tool_outcome_event_id,omitempty"`
	LatencyMS          *int64 `json:"latency_ms,omitempty"`
}

// BindingType enumerates how a tool executes.
type BindingType string

const (
	BindingInprocSafe   BindingType = "inproc_safe"
	BindingSandboxJob   BindingType = "sandbox_job"
	BindingMCPRemote    BindingType = "mcp_remote"
	BindingOpenAPIProxy BindingType = "openapi_proxy"
	BindingWasmModule   BindingType = "wasm_module"
)

// ToolBinding describes a tool's execution entrypoint.
type ToolBinding struct {
	Type       BindingType `json:"type"`
	Entrypoint string      `json:"entrypoint"`
}

// ToolRisk carries the risk flags consulted by the policy engine.
type ToolRisk struct {
	ScopesRequired []string `json:"scopes_required,omitempty"`
	ExternalWrite  bool     `json:"external_write,omitempty"`
	NetworkEgress  bool     `json:"network_egress,omitempty"`
}

// ToolManifest is immutable once installed.
type ToolManifest struct {
	ToolID        string          `json:"tool_id"`
	Version       string          `json:"version"`
	InputsSchema  json.RawMessage `json:"inputs_schema"`
	OutputsSchema json.RawMessage `json:"outputs_schema"`
	Binding       ToolBinding     `json:"binding"`
	Risk          ToolRisk        `json:"risk"`
	InstalledAt   time.Time       `json:"installed_at"`
}

// ScopeGrant is a named capability held by a project. Condition, when set, is
// a CEL expression over the tool inputs that must evaluate true for the grant
// to apply.
type ScopeGrant struct {
	ProjectID string    `json:"project_id"`
	Scope     string    `json:"scope"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
	Condition string    `json:"condition,omitempty"`
}

// ApprovalStatus enumerates approval decisions.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Approval is a human-authorised unblock of a policy-gated tool call, scoped
// to a single correlation.
type Approval struct {
	ApprovalID      string          `json:"approval_id"`
	RunID           string          `json:"run_id"`
	CorrelationID   string          `json:"correlation_id"`
	ToolID          string          `json:"tool_id"`
	ToolVersion     string          `json:"tool_version"`
	ToolCallEventID string          `json:"tool_call_event_id,omitempty"`
	Inputs          json.RawMessage `json:"inputs"`
	Status          ApprovalStatus  `json:"status"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
}

// Notification is delivered per-user with a strictly increasing seq.
type Notification struct {
	NotificationID  string          `json:"notification_id"`
	UserID          string          `json:"user_id"`
	NotificationSeq int64           `json:"notification_seq"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	ProjectID       string          `json:"project_id,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	ReadAt          *time.Time      `json:"read_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Activity is a project-scoped audit row for UI feeds.
type Activity struct {
	ProjectID   string    `json:"project_id"`
	ActivitySeq int64     `json:"activity_seq"`
	Kind        string    `json:"kind"`
	RefType     string    `json:"ref_type,omitempty"`
	RefID       string    `json:"ref_id,omitempty"`
	ActorID     string    `json:"actor_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResearchSource is an external source captured during a run.
type ResearchSource struct {
	SourceID      string    `json:"source_id"`
	RunID         string    `json:"run_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	URL           string    `json:"url"`
	Title         string    `json:"title,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ResearchSourceLink persists source-to-event provenance.
type ResearchSourceLink struct {
	RunID    string `json:"run_id"`
	SourceID string `json:"source_id"`
	EventID  string `json:"event_id"`
}

// Upload is a staged multipart artifact upload session.
type Upload struct {
	UploadID      string    `json:"upload_id"`
	UserID        string    `json:"user_id"`
	Kind          string    `json:"kind"`
	MediaType     string    `json:"media_type"`
	Title         string    `json:"title,omitempty"`
	DeclaredBytes int64     `json:"declared_bytes"`
	ReceivedBytes int64     `json:"received_bytes"`
	Parts         int       `json:"parts"`
	CreatedAt     time.Time `json:"created_at"`
}
