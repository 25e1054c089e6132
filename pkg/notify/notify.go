// Package notify derives notification recipients from committed events and
// activity rows and writes per-user sequenced notifications. Delivery is
// best-effort: a routing failure never fails the write that triggered it.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"

	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Options are the tool-error routing knobs plus write pacing.
type Options struct {
	ToolErrors             bool
	ToolErrorsOnlyCodes    []string
	ToolErrorsOnlyBindings []string
	ToolErrorsMaxPerRun    int

	// WritesPerSec paces notification inserts; zero disables pacing.
	WritesPerSec float64
	Logger       *slog.Logger
}

// Router computes recipients and stores notifications.
type Router struct {
	store   *store.Store
	clock   ids.Clock
	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRouter constructs the router.
func NewRouter(st *store.Store, clock ids.Clock, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	var limiter *rate.Limiter
	if opts.WritesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.WritesPerSec), int(opts.WritesPerSec)+1)
	}
	return &Router{
		store:   st,
		clock:   clock,
		opts:    opts,
		limiter: limiter,
		logger:  opts.Logger.With("component", "notify"),
	}
}

// EventCommitted routes one committed run event. Implements the event log's
// post-commit observer.
func (r *Router) EventCommitted(ctx context.Context, e *model.Event, actorUserID string) {
	switch e.Kind {
	case "quota_exceeded":
		r.routeToCreator(ctx, e, "run_quota_exceeded", "run quota exceeded", actorUserID)

	case "system_event":
		var body struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		}
		if err := json.Unmarshal(e.Payload, &body); err != nil || body.Code != "approval_required" {
			return
		}
		recipients := r.creatorAndOwners(ctx, e)
		r.deliver(ctx, recipients, "run_approval_required", e, "tool call awaiting approval", actorUserID)

	case "tool_error":
		r.routeToolError(ctx, e, actorUserID)
	}
}

// ActivityCommitted routes one committed activity row.
func (r *Router) ActivityCommitted(ctx context.Context, a *model.Activity, actorUserID string) {
	var recipients []string
	var kind, summary string
	switch a.Kind {
	case "comment_created":
		members, err := r.store.ProjectMembers(ctx, a.ProjectID)
		if err != nil {
			r.logger.Warn("member lookup failed", "project_id", a.ProjectID, "error", err)
			return
		}
		recipients, kind, summary = members, "project_comment", "new comment"
	case "member_added", "member_role_changed":
		recipients, kind, summary = []string{a.RefID}, "project_membership", "project membership changed"
	default:
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"project_id":    a.ProjectID,
		"activity_seq":  a.ActivitySeq,
		"summary":       summary,
		"actor_user_id": actorUserID,
	})
	r.insert(ctx, recipients, kind, payload, a.ProjectID, "", actorUserID)
}

func (r *Router) routeToCreator(ctx context.Context, e *model.Event, kind, summary, actorUserID string) {
	run, err := r.store.GetRun(ctx, e.RunID)
	if err != nil {
		r.logger.Warn("run lookup failed", "run_id", e.RunID, "error", err)
		return
	}
	r.deliver(ctx, []string{run.CreatedByUserID}, kind, e, summary, actorUserID)
}

func (r *Router) creatorAndOwners(ctx context.Context, e *model.Event) []string {
	var recipients []string
	if run, err := r.store.GetRun(ctx, e.RunID); err == nil && run.CreatedByUserID != "" {
		recipients = append(recipients, run.CreatedByUserID)
	}
	if e.ProjectID != "" {
		if owners, err := r.store.ProjectOwners(ctx, e.ProjectID); err == nil {
			recipients = append(recipients, owners...)
		}
	}
	return recipients
}

// routeToolError applies the operator gates before notifying: the master
// switch, the code and binding allowlists, and the per-run cap.
func (r *Router) routeToolError(ctx context.Context, e *model.Event, actorUserID string) {
	if !r.opts.ToolErrors {
		return
	}
	var body struct {
		ToolID        string `json:"tool_id"`
		ErrorCode     string `json:"error_code"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(e.Payload, &body); err != nil {
		return
	}
	if len(r.opts.ToolErrorsOnlyCodes) > 0 && !slices.Contains(r.opts.ToolErrorsOnlyCodes, body.ErrorCode) {
		return
	}
	if len(r.opts.ToolErrorsOnlyBindings) > 0 {
		binding := r.bindingForCorrelation(ctx, e.RunID, body.CorrelationID)
		if binding == "" || !slices.Contains(r.opts.ToolErrorsOnlyBindings, binding) {
			return
		}
	}
	if r.opts.ToolErrorsMaxPerRun > 0 {
		emitted, err := r.store.CountNotificationsForRun(ctx, e.RunID, "run_tool_error")
		if err != nil {
			r.logger.Warn("notification count failed", "run_id", e.RunID, "error", err)
			return
		}
		if emitted >= int64(r.opts.ToolErrorsMaxPerRun) {
			return
		}
	}

	var recipients []string
	if run, err := r.store.GetRun(ctx, e.RunID); err == nil && run.CreatedByUserID != "" {
		recipients = []string{run.CreatedByUserID}
	} else if e.ProjectID != "" {
		if owners, err := r.store.ProjectOwners(ctx, e.ProjectID); err == nil {
			recipients = owners
		}
	}
	r.deliver(ctx, recipients, "run_tool_error", e, "tool failed: "+body.ErrorCode, actorUserID)
}

// bindingForCorrelation recovers the binding type from the correlated
// tool_call event's payload.
func (r *Router) bindingForCorrelation(ctx context.Context, runID, correlationID string) string {
	if correlationID == "" {
		return ""
	}
	correlations, err := r.store.ToolCorrelations(ctx, runID)
	if err != nil {
		return ""
	}
	for _, c := range correlations {
		if c.CorrelationID != correlationID || c.ToolCallEventID == "" {
			continue
		}
		call, err := r.store.GetEvent(ctx, c.ToolCallEventID)
		if err != nil {
			return ""
		}
		var body struct {
			BindingType string `json:"binding_type"`
		}
		if json.Unmarshal(call.Payload, &body) == nil {
			return body.BindingType
		}
	}
	return ""
}

func (r *Router) deliver(ctx context.Context, recipients []string, kind string, e *model.Event, summary, actorUserID string) {
	payload, _ := json.Marshal(map[string]any{
		"project_id":    e.ProjectID,
		"run_id":        e.RunID,
		"event_id":      e.EventID,
		"summary":       summary,
		"actor_user_id": actorUserID,
	})
	r.insert(ctx, recipients, kind, payload, e.ProjectID, e.RunID, actorUserID)
}

// insert writes one notification per distinct recipient, suppressing the
// actor's own.
func (r *Router) insert(ctx context.Context, recipients []string, kind string, payload json.RawMessage, projectID, runID, actorUserID string) {
	seen := make(map[string]bool, len(recipients))
	for _, userID := range recipients {
		if userID == "" || userID == actorUserID || seen[userID] {
			continue
		}
		seen[userID] = true

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
		}
		n := &model.Notification{
			NotificationID: ids.New(),
			UserID:         userID,
			Kind:           kind,
			Payload:        payload,
			ProjectID:      projectID,
			RunID:          runID,
			CreatedAt:      r.clock.Now(),
		}
		if _, err := r.store.InsertNotification(ctx, n); err != nil {
			r.logger.Warn("notification insert failed", "user_id", userID, "kind", kind, "error", err)
		}
	}
}
