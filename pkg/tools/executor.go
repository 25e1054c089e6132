package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/omniplexity/substrate/pkg/approvals"
	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/policy"
	"github.com/omniplexity/substrate/pkg/store"
)

// ExecutorVersion is stamped onto every tool_call and tool_result event.
const ExecutorVersion = "substrate-executor/1"

// CallStatus is the terminal state of one invocation attempt.
type CallStatus string

const (
	StatusCompleted       CallStatus = "completed"
	StatusDenied          CallStatus = "denied"
	StatusWaitingApproval CallStatus = "waiting_approval"
	StatusErrored         CallStatus = "errored"
)

// Result describes the outcome of Invoke. Outputs is set only on completed.
type Result struct {
	Status        CallStatus      `json:"status"`
	CorrelationID string          `json:"correlation_id"`
	CallEventID   string          `json:"call_event_id"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
}

// Executor runs the full invocation pipeline: resolve → validate → record →
// policy → dispatch → validate → record.
type Executor struct {
	store     *store.Store
	log       *eventlog.Log
	registry  *Registry
	policy    *policy.Engine
	approvals *approvals.Ledger
	clock     ids.Clock
	logger    *slog.Logger

	workspaceRoot string
	timeout       time.Duration
	outputCap     int64

	inproc map[string]InprocFunc
	client *http.Client
	wasm   *WasmRunner
}

// ExecutorOptions carries the operational knobs.
type ExecutorOptions struct {
	WorkspaceRoot string
	Timeout       time.Duration
	OutputCap     int64
	HTTPClient    *http.Client
	Wasm          *WasmRunner
	Logger        *slog.Logger
}

// NewExecutor constructs the executor with the built-in in-process tools.
func NewExecutor(st *store.Store, log *eventlog.Log, reg *Registry, pe *policy.Engine, al *approvals.Ledger, clock ids.Clock, opts ExecutorOptions) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.OutputCap <= 0 {
		opts.OutputCap = 1 << 20
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		store:         st,
		log:           log,
		registry:      reg,
		policy:        pe,
		approvals:     al,
		clock:         clock,
		logger:        opts.Logger.With("component", "executor"),
		workspaceRoot: opts.WorkspaceRoot,
		timeout:       opts.Timeout,
		outputCap:     opts.OutputCap,
		inproc:        builtinInprocFuncs(),
		client:        opts.HTTPClient,
		wasm:          opts.Wasm,
	}
}

// RegisterInproc installs an in-process tool implementation under name.
func (x *Executor) RegisterInproc(name string, fn InprocFunc) {
	x.inproc[name] = fn
}

// Invoke runs one tool call for a run. correlationID may be supplied to
// resume an approved call with its original correlation; when empty a fresh
// one is allocated. Pre-event failures (unknown tool, bad inputs) return an
// error; everything after the tool_call event is recorded as events and
// reported through Result.
func (x *Executor) Invoke(ctx context.Context, runID, toolID, version string, inputs json.RawMessage, actorUserID, correlationID string) (*Result, error) {
	rc, err := x.store.RunContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	manifest, err := x.registry.Resolve(ctx, rc.ProjectID, toolID, version)
	if err != nil {
		return nil, err
	}
	if err := x.registry.ValidateInputs(manifest, inputs); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		inputs = json.RawMessage("{}")
	}
	var inputsMap map[string]any
	if err := json.Unmarshal(inputs, &inputsMap); err != nil {
		return nil, fault.New(fault.KindSchemaViolation, "inputs must be a JSON object: %v", err)
	}

	if correlationID == "" {
		correlationID = ids.New()
	}
	res := &Result{CorrelationID: correlationID}

	callPayload, _ := json.Marshal(map[string]any{
		"tool_id":          manifest.ToolID,
		"version":          manifest.Version,
		"inputs":           inputsMap,
		"binding_type":     string(manifest.Binding.Type),
		"correlation_id":   correlationID,
		"executor_version": ExecutorVersion,
	})
	callEvent, err := x.log.Append(ctx, model.EventIntent{
		RunID:         runID,
		Kind:          "tool_call",
		Payload:       callPayload,
		Actor:         model.ActorAssistant,
		CorrelationID: correlationID,
	}, actorUserID)
	if err != nil {
		return nil, err
	}
	res.CallEventID = callEvent.EventID

	decision, err := x.policy.Evaluate(ctx, rc, manifest, inputsMap, false)
	if err != nil {
		return nil, err
	}
	switch decision.Verdict {
	case policy.VerdictDeny:
		x.appendSystemEvent(ctx, runID, correlationID, "policy_denied",
			map[string]any{"reason": decision.Reason, "tool_id": manifest.ToolID}, actorUserID)
		x.appendToolError(ctx, runID, manifest, correlationID, callEvent.EventID, "POLICY_DENIED", decision.Reason, actorUserID)
		res.Status = StatusDenied
		res.ErrorCode = "POLICY_DENIED"
		return res, nil

	case policy.VerdictApprovalRequired:
		approval, err := x.approvals.CreatePending(ctx, runID, correlationID,
			manifest.ToolID, manifest.Version, callEvent.EventID, inputs)
		if err != nil {
			return nil, err
		}
		x.appendSystemEvent(ctx, runID, correlationID, "approval_required",
			map[string]any{"approval_id": approval.ApprovalID, "tool_id": manifest.ToolID}, actorUserID)
		res.Status = StatusWaitingApproval
		res.ApprovalID = approval.ApprovalID
		return res, nil
	}

	outputs, runErr := x.dispatch(ctx, rc, manifest, inputs, inputsMap)
	if runErr == nil {
		runErr = x.registry.ValidateOutputs(manifest, outputs)
	}
	if runErr != nil {
		code := errorCode(runErr)
		x.appendToolError(ctx, runID, manifest, correlationID, callEvent.EventID, code, runErr.Error(), actorUserID)
		res.Status = StatusErrored
		res.ErrorCode = code
		return res, nil
	}

	resultPayload, _ := json.Marshal(map[string]any{
		"tool_id":          manifest.ToolID,
		"outputs":          json.RawMessage(outputs),
		"correlation_id":   correlationID,
		"executor_version": ExecutorVersion,
	})
	if _, err := x.log.Append(ctx, model.EventIntent{
		RunID:         runID,
		Kind:          "tool_result",
		Payload:       resultPayload,
		Actor:         model.ActorTool,
		CorrelationID: correlationID,
		ParentEventID: callEvent.EventID,
	}, actorUserID); err != nil {
		return nil, err
	}
	res.Status = StatusCompleted
	res.Outputs = outputs
	return res, nil
}

func (x *Executor) dispatch(ctx context.Context, rc *model.RunContext, m *model.ToolManifest, inputs json.RawMessage, inputsMap map[string]any) (json.RawMessage, error) {
	switch m.Binding.Type {
	case model.BindingInprocSafe:
		workspace := filepath.Join(x.workspaceRoot, workspaceKey(rc))
		return runInproc(ctx, x.inproc, m.Binding.Entrypoint, workspace, inputsMap)
	case model.BindingSandboxJob:
		return runSandboxJob(ctx, m.Binding.Entrypoint, inputs, x.timeout, x.outputCap)
	case model.BindingMCPRemote, model.BindingOpenAPIProxy:
		return runRemote(ctx, x.client, m.Binding.Entrypoint, inputs, x.timeout, x.outputCap)
	case model.BindingWasmModule:
		if x.wasm == nil {
			return nil, fault.New(fault.KindExecutionFailed, "wasm runtime not configured")
		}
		return x.wasm.Run(ctx, m.Binding.Entrypoint, inputs, x.timeout, x.outputCap)
	}
	return nil, fault.New(fault.KindExecutionFailed, "unknown binding type %q", m.Binding.Type)
}

// workspaceKey scopes the workspace to the project, or to the run for
// user-owned threads.
func workspaceKey(rc *model.RunContext) string {
	if rc.ProjectID != "" {
		return rc.ProjectID
	}
	return "run-" + rc.Run.RunID
}

func (x *Executor) appendSystemEvent(ctx context.Context, runID, correlationID, code string, details map[string]any, actorUserID string) {
	payload, _ := json.Marshal(map[string]any{"code": code, "details": details})
	if _, err := x.log.Append(ctx, model.EventIntent{
		RunID:         runID,
		Kind:          "system_event",
		Payload:       payload,
		Actor:         model.ActorSystem,
		CorrelationID: correlationID,
	}, actorUserID); err != nil {
		x.logger.Warn("system_event append failed", "run_id", runID, "code", code, "error", err)
	}
}

func (x *Executor) appendToolError(ctx context.Context, runID string, m *model.ToolManifest, correlationID, parentEventID, code, message string, actorUserID string) {
	payload, _ := json.Marshal(map[string]any{
		"tool_id":        m.ToolID,
		"error_code":     code,
		"message":        message,
		"correlation_id": correlationID,
	})
	if _, err := x.log.Append(ctx, model.EventIntent{
		RunID:         runID,
		Kind:          "tool_error",
		Payload:       payload,
		Actor:         model.ActorTool,
		CorrelationID: correlationID,
		ParentEventID: parentEventID,
	}, actorUserID); err != nil {
		x.logger.Warn("tool_error append failed", "run_id", runID, "code", code, "error", err)
	}
}

// errorCode maps a dispatch failure to the stable error_code vocabulary on
// tool_error events.
func errorCode(err error) string {
	var f *fault.Fault
	if !errors.As(err, &f) {
		return "EXECUTION_FAILED"
	}
	switch f.Kind {
	case fault.KindTimeout:
		return "TIMEOUT"
	case fault.KindMCPError:
		return "MCP_ERROR"
	case fault.KindUnsafePath:
		return "UNSAFE_PATH"
	case fault.KindRestrictedPath:
		return "RESTRICTED_PATH"
	case fault.KindSchemaViolation:
		return "SCHEMA_VIOLATION"
	default:
		return "EXECUTION_FAILED"
	}
}
