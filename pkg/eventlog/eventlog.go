// Package eventlog is the only write path for run events. It validates the
// payload contract, enforces quotas, assigns the per-run monotonic seq inside
// a serialisable transaction, and fans the committed event out to the
// notification router.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/quota"
	"github.com/omniplexity/substrate/pkg/store"
)

// Notifier receives every committed event, synchronously, after its
// transaction commits. actorUserID is the human behind the write when known.
type Notifier interface {
	EventCommitted(ctx context.Context, e *model.Event, actorUserID string)
}

// Log coordinates the append path.
type Log struct {
	store    *store.Store
	registry *Registry
	guard    quota.Guard
	clock    ids.Clock
	notifier Notifier
	logger   *slog.Logger
}

// New builds the event log. notifier may be nil.
func New(st *store.Store, reg *Registry, guard quota.Guard, clock ids.Clock, notifier Notifier, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:    st,
		registry: reg,
		guard:    guard,
		clock:    clock,
		notifier: notifier,
		logger:   logger.With("component", "eventlog"),
	}
}

// SetNotifier installs the post-commit observer. Used at wiring time when the
// router is constructed after the log.
func (l *Log) SetNotifier(n Notifier) { l.notifier = n }

// Append validates and commits one event, returning the stored envelope.
// Terminal kinds trigger a trailing metrics_computed event; a byte-quota
// rejection triggers a best-effort quota_exceeded audit event. Both follow-ups
// go through the same transactional path.
func (l *Log) Append(ctx context.Context, intent model.EventIntent, actorUserID string) (*model.Event, error) {
	stored, metrics, err := l.append(ctx, intent, actorUserID, false)
	if err != nil {
		if f := quotaFault(err); f != nil && f.Meta["scope"] == string(fault.QuotaScopeBytes) {
			l.auditQuota(ctx, intent.RunID, f)
		}
		return nil, err
	}

	if terminalStatus(stored.Kind, stored.Payload) != "" && stored.Kind != "metrics_computed" {
		l.emitMetricsComputed(ctx, stored, metrics, actorUserID)
	}
	return stored, nil
}

// append is the single-event path. bytesOnlyQuota relaxes the event-count
// ceiling for trailing metrics events.
func (l *Log) append(ctx context.Context, intent model.EventIntent, actorUserID string, bytesOnlyQuota bool) (*model.Event, *model.RunMetrics, error) {
	if intent.RunID == "" {
		return nil, nil, fault.New(fault.KindRunNotFound, "empty run id")
	}
	if intent.Kind == "" {
		return nil, nil, fault.New(fault.KindSchemaViolation, "empty event kind")
	}
	if err := l.registry.Validate(intent.Kind, intent.Payload); err != nil {
		return nil, nil, err
	}

	payload := intent.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	canon, err := canonicalize.Bytes(payload)
	if err != nil {
		return nil, nil, fault.New(fault.KindSchemaViolation, "kind %s: payload is not valid JSON: %v", intent.Kind, err)
	}

	e := &model.Event{
		EventID:       intent.EventID,
		RunID:         intent.RunID,
		TS:            intent.TS,
		Kind:          intent.Kind,
		Payload:       canon,
		Actor:         intent.Actor,
		ParentEventID: intent.ParentEventID,
		CorrelationID: intent.CorrelationID,
		Privacy:       intent.Privacy,
		Pins:          intent.Pins,
	}
	if e.EventID == "" {
		e.EventID = ids.New()
	}
	if e.TS.IsZero() {
		e.TS = l.clock.Now()
	}
	if e.Actor == "" {
		e.Actor = model.ActorSystem
	}

	req := &store.AppendRequest{
		Event:               e,
		PayloadBytes:        int64(len(canon)),
		TerminalStatus:      terminalStatus(e.Kind, canon),
		ProvenanceAffecting: IsProvenanceAffecting(e.Kind),
	}
	if bytesOnlyQuota {
		req.QuotaCheck = func(_, totalBytes int64) error {
			return l.guard.CheckBytesOnly(totalBytes, req.PayloadBytes)
		}
	} else {
		req.QuotaCheck = func(eventCount, totalBytes int64) error {
			return l.guard.Check(eventCount, totalBytes, req.PayloadBytes)
		}
	}
	deriveSideEffects(e, canon, req)

	stored, metrics, err := l.store.AppendEvent(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	l.logger.Debug("event committed",
		"run_id", stored.RunID, "seq", stored.Seq, "kind", stored.Kind, "actor", string(stored.Actor))
	if l.notifier != nil {
		l.notifier.EventCommitted(ctx, stored, actorUserID)
	}
	return stored, metrics, nil
}

// auditQuota best-effort appends a quota_exceeded audit event. It is subject
// to the event-count budget and its own failure is swallowed after logging.
func (l *Log) auditQuota(ctx context.Context, runID string, f *fault.Fault) {
	payload, err := json.Marshal(map[string]any{
		"scope":    f.Meta["scope"],
		"limit":    f.Meta["limit"],
		"observed": f.Meta["observed"],
		"detail":   f.Detail,
	})
	if err != nil {
		return
	}
	_, _, err = l.append(ctx, model.EventIntent{
		RunID:   runID,
		Kind:    "quota_exceeded",
		Payload: payload,
		Actor:   model.ActorSystem,
	}, "", false)
	if err != nil {
		l.logger.Warn("quota audit append failed", "run_id", runID, "error", err)
		if cerr := l.store.IncrCounter(ctx, "quota.audit_failures_total", 1); cerr != nil {
			l.logger.Warn("counter update failed", "error", cerr)
		}
	}
}

// emitMetricsComputed appends the trailing aggregates event after a terminal
// kind. It bypasses the event-count ceiling so the final numbers always land;
// failure is logged and swallowed.
func (l *Log) emitMetricsComputed(ctx context.Context, terminal *model.Event, m *model.RunMetrics, actorUserID string) {
	body := map[string]any{
		"event_count":     m.EventCount,
		"tool_calls":      m.ToolCalls,
		"tool_errors":     m.ToolErrors,
		"artifacts_count": m.ArtifactsCount,
		"bytes_in":        m.BytesIn,
		"bytes_out":       m.BytesOut,
	}
	if m.DurationMS != nil {
		body["duration_ms"] = *m.DurationMS
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	_, _, err = l.append(ctx, model.EventIntent{
		RunID:         terminal.RunID,
		Kind:          "metrics_computed",
		Payload:       payload,
		Actor:         model.ActorSystem,
		ParentEventID: terminal.EventID,
	}, actorUserID, true)
	if err != nil {
		l.logger.Warn("metrics_computed append failed", "run_id", terminal.RunID, "error", err)
	}
}

// IsProvenanceAffecting reports whether appending an event of this kind
// changes the derived run graph and therefore invalidates its cache.
func IsProvenanceAffecting(kind string) bool {
	switch kind {
	case "artifact_ref", "tool_call", "tool_result", "tool_error",
		"research_source_created", "research_report_created":
		return true
	}
	return strings.HasPrefix(kind, "workflow_")
}

// terminalStatus maps a run-terminal event to the status the runs row moves
// to. Empty means the event does not terminate the run.
func terminalStatus(kind string, payload json.RawMessage) model.RunStatus {
	if kind == "workflow_run_completed" {
		return model.RunStatusCompleted
	}
	if kind != "run_status" {
		return ""
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	switch body.Status {
	case "complete", "completed":
		return model.RunStatusCompleted
	case "denied":
		return model.RunStatusCancelled
	case "failed":
		return model.RunStatusFailed
	}
	return ""
}

// deriveSideEffects parses the payload of structurally significant kinds into
// the rows the append transaction persists alongside the event.
func deriveSideEffects(e *model.Event, payload json.RawMessage, req *store.AppendRequest) {
	switch e.Kind {
	case "tool_call", "tool_result", "tool_error":
		var body struct {
			ToolID        string `json:"tool_id"`
			ErrorCode     string `json:"error_code"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return
		}
		req.ToolID = body.ToolID
		req.IsToolError = e.Kind == "tool_error"
		if e.CorrelationID == "" {
			e.CorrelationID = body.CorrelationID
		}
	case "artifact_ref":
		var body struct {
			ArtifactID    string `json:"artifact_id"`
			SourceEventID string `json:"source_event_id"`
			CorrelationID string `json:"correlation_id"`
			ToolID        string `json:"tool_id"`
			Purpose       string `json:"purpose"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.ArtifactID == "" {
			return
		}
		corr := body.CorrelationID
		if corr == "" {
			corr = e.CorrelationID
		}
		req.ArtifactLink = &model.ArtifactLink{
			ArtifactID:    body.ArtifactID,
			SourceEventID: body.SourceEventID,
			CorrelationID: corr,
			ToolID:        body.ToolID,
			Purpose:       body.Purpose,
		}
	case "research_source_created":
		var body struct {
			SourceID      string `json:"source_id"`
			URL           string `json:"url"`
			Title         string `json:"title"`
			CorrelationID string `json:"correlation_id"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.SourceID == "" {
			return
		}
		corr := body.CorrelationID
		if corr == "" {
			corr = e.CorrelationID
		}
		req.ResearchSource = &model.ResearchSource{
			SourceID:      body.SourceID,
			CorrelationID: corr,
			URL:           body.URL,
			Title:         body.Title,
		}
		req.SourceLinks = []model.ResearchSourceLink{{SourceID: body.SourceID}}
	case "research_report_created":
		var body struct {
			Citations []struct {
				SourceID string `json:"source_id"`
				EventID  string `json:"event_id"`
			} `json:"citations"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return
		}
		for _, c := range body.Citations {
			if c.SourceID == "" {
				continue
			}
			req.SourceLinks = append(req.SourceLinks, model.ResearchSourceLink{
				SourceID: c.SourceID,
				EventID:  c.EventID,
			})
		}
	}
}

func quotaFault(err error) *fault.Fault {
	var f *fault.Fault
	if errors.As(err, &f) && f.Kind == fault.KindQuotaExceeded {
		return f
	}
	return nil
}
