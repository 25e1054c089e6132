// Package approvals tracks human decisions on policy-gated tool calls. A
// decision never executes anything itself; it authorises the original
// invocation to resume (approved) or records its termination (denied).
package approvals

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Ledger owns the pending/approved/denied lifecycle.
type Ledger struct {
	store  *store.Store
	log    *eventlog.Log
	clock  ids.Clock
	logger *slog.Logger
}

// NewLedger constructs the approval ledger.
func NewLedger(st *store.Store, log *eventlog.Log, clock ids.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, log: log, clock: clock, logger: logger.With("component", "approvals")}
}

// CreatePending records a pending approval for a gated tool call and parks
// the run in waiting_approval. At most one pending approval exists per
// correlation; repeats return the existing one.
func (l *Ledger) CreatePending(ctx context.Context, runID, correlationID, toolID, toolVersion, toolCallEventID string, inputs json.RawMessage) (*model.Approval, error) {
	a := &model.Approval{
		ApprovalID:      ids.New(),
		RunID:           runID,
		CorrelationID:   correlationID,
		ToolID:          toolID,
		ToolVersion:     toolVersion,
		ToolCallEventID: toolCallEventID,
		Inputs:          inputs,
		Status:          model.ApprovalPending,
		CreatedAt:       l.clock.Now(),
	}
	stored, err := l.store.CreateApproval(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := l.store.UpdateRunStatus(ctx, runID, model.RunStatusWaitingApproval); err != nil {
		return nil, err
	}
	return stored, nil
}

// Get returns one approval.
func (l *Ledger) Get(ctx context.Context, approvalID string) (*model.Approval, error) {
	return l.store.GetApproval(ctx, approvalID)
}

// List returns a run's approvals, newest first.
func (l *Ledger) List(ctx context.Context, runID string) ([]model.Approval, error) {
	return l.store.ListApprovals(ctx, runID)
}

// Approve transitions pending → approved and unblocks the run. The caller
// re-invokes the tool with the frozen inputs; the executor bypasses the
// approval gate for this correlation.
func (l *Ledger) Approve(ctx context.Context, approvalID, decidedBy string) (*model.Approval, error) {
	a, err := l.store.DecideApproval(ctx, approvalID, model.ApprovalApproved, decidedBy, l.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := l.store.UpdateRunStatus(ctx, a.RunID, model.RunStatusRunning); err != nil {
		return nil, err
	}
	l.appendDecisionEvent(ctx, a, "approved", decidedBy)
	return a, nil
}

// Deny transitions pending → denied and records the terminal tool_error for
// the gated correlation.
func (l *Ledger) Deny(ctx context.Context, approvalID, decidedBy string) (*model.Approval, error) {
	a, err := l.store.DecideApproval(ctx, approvalID, model.ApprovalDenied, decidedBy, l.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := l.store.UpdateRunStatus(ctx, a.RunID, model.RunStatusRunning); err != nil {
		return nil, err
	}
	l.appendDecisionEvent(ctx, a, "denied", decidedBy)

	payload, _ := json.Marshal(map[string]any{
		"tool_id":        a.ToolID,
		"error_code":     "APPROVAL_DENIED",
		"message":        "approval denied by " + decidedBy,
		"correlation_id": a.CorrelationID,
	})
	if _, err := l.log.Append(ctx, model.EventIntent{
		RunID:         a.RunID,
		Kind:          "tool_error",
		Payload:       payload,
		Actor:         model.ActorSystem,
		CorrelationID: a.CorrelationID,
		ParentEventID: a.ToolCallEventID,
	}, decidedBy); err != nil {
		l.logger.Warn("denied tool_error append failed", "approval_id", approvalID, "error", err)
	}
	return a, nil
}

func (l *Ledger) appendDecisionEvent(ctx context.Context, a *model.Approval, decision, decidedBy string) {
	payload, _ := json.Marshal(map[string]any{
		"code": "approval_decided",
		"details": map[string]any{
			"approval_id": a.ApprovalID,
			"decision":    decision,
			"tool_id":     a.ToolID,
		},
	})
	if _, err := l.log.Append(ctx, model.EventIntent{
		RunID:         a.RunID,
		Kind:          "system_event",
		Payload:       payload,
		Actor:         model.ActorSystem,
		CorrelationID: a.CorrelationID,
	}, decidedBy); err != nil {
		l.logger.Warn("approval decision event append failed", "approval_id", a.ApprovalID, "error", err)
	}
}
