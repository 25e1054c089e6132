package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
)

const eventColumns = `event_id, run_id, seq, ts, kind, payload, actor, parent_event_id, correlation_id, privacy, pins`

func scanEvent(scan func(dest ...any) error) (*model.Event, error) {
	var e model.Event
	var ts, payload, actor, pins string
	var parent, corr, privacy sql.NullString
	if err := scan(&e.EventID, &e.RunID, &e.Seq, &ts, &e.Kind, &payload, &actor,
		&parent, &corr, &privacy, &pins); err != nil {
		return nil, err
	}
	e.TS = parseTime(ts)
	e.Payload = json.RawMessage(payload)
	e.Actor = model.Actor(actor)
	e.ParentEventID = parent.String
	e.CorrelationID = corr.String
	e.Privacy = privacy.String
	e.Pins = json.RawMessage(pins)
	return &e, nil
}

// txMaxSeq returns the current high-water-mark seq for a run.
func txMaxSeq(ctx context.Context, tx *sql.Tx, runID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = $1`, runID).Scan(&seq)
	return seq, err
}

// txRunMetrics reads the aggregates row for update.
func txRunMetrics(ctx context.Context, tx *sql.Tx, runID string) (*model.RunMetrics, error) {
	var m model.RunMetrics
	var completedAt sql.NullString
	var durationMS sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT run_id, event_count, tool_calls, tool_errors, artifacts_count, bytes_in, bytes_out, completed_at, duration_ms
		FROM run_metrics WHERE run_id = $1`, runID).
		Scan(&m.RunID, &m.EventCount, &m.ToolCalls, &m.ToolErrors, &m.ArtifactsCount,
			&m.BytesIn, &m.BytesOut, &completedAt, &durationMS)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindRunNotFound, "run %s not found", runID))
	}
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		m.CompletedAt = &t
	}
	if durationMS.Valid {
		v := durationMS.Int64
		m.DurationMS = &v
	}
	return &m, nil
}

// txInsertEvent writes the event row.
func txInsertEvent(ctx context.Context, tx *sql.Tx, e *model.Event) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	pins := string(e.Pins)
	if pins == "" {
		pins = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, seq, ts, kind, payload, actor, parent_event_id, correlation_id, privacy, pins)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.EventID, e.RunID, e.Seq, fmtTime(e.TS), e.Kind, payload, string(e.Actor),
		nullStr(e.ParentEventID), nullStr(e.CorrelationID), e.Privacy, pins)
	return err
}

// txUpdateRunAggregates applies the per-event aggregate deltas.
func txUpdateRunAggregates(ctx context.Context, tx *sql.Tx, runID string, e *model.Event, payloadBytes int64) error {
	toolCall, toolError, artifactRef := 0, 0, 0
	switch e.Kind {
	case "tool_call":
		toolCall = 1
	case "tool_error":
		toolError = 1
	case "artifact_ref":
		artifactRef = 1
	}
	bytesIn, bytesOut := int64(0), payloadBytes
	if e.Actor == model.ActorUser {
		bytesIn, bytesOut = payloadBytes, 0
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE run_metrics SET
			event_count = event_count + 1,
			tool_calls = tool_calls + $1,
			tool_errors = tool_errors + $2,
			artifacts_count = artifacts_count + $3,
			bytes_in = bytes_in + $4,
			bytes_out = bytes_out + $5
		WHERE run_id = $6`,
		toolCall, toolError, artifactRef, bytesIn, bytesOut, runID)
	return err
}

// txMarkRunCompleted sets completed_at and duration_ms idempotently: existing
// values are never overwritten.
func txMarkRunCompleted(ctx context.Context, tx *sql.Tx, runID string, at time.Time, runCreatedAt time.Time) error {
	duration := at.Sub(runCreatedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE run_metrics SET
			completed_at = COALESCE(completed_at, $1),
			duration_ms = COALESCE(duration_ms, $2)
		WHERE run_id = $3`,
		fmtTime(at), duration, runID)
	return err
}

// txSetRunStatus moves the runs row to a terminal status inside the append
// transaction, so GetRun agrees with the committed terminal event.
func txSetRunStatus(ctx context.Context, tx *sql.Tx, runID string, status model.RunStatus) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = $1 WHERE run_id = $2`, string(status), runID)
	return err
}

// txUpsertToolCorrelation records the call or outcome side of a correlation.
// The outcome side computes latency when the matching call is present; the
// returned NullInt64 is valid only in that case.
func txUpsertToolCorrelation(ctx context.Context, tx *sql.Tx, e *model.Event) (sql.NullInt64, error) {
	var latency sql.NullInt64
	switch e.Kind {
	case "tool_call":
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tool_correlations (run_id, correlation_id, tool_call_event_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (run_id, correlation_id) DO UPDATE SET tool_call_event_id = $3`,
			e.RunID, e.CorrelationID, e.EventID)
		return latency, err
	case "tool_result", "tool_error":
		var callTS string
		err := tx.QueryRowContext(ctx, `
			SELECT ev.ts FROM tool_correlations tc
			JOIN events ev ON ev.event_id = tc.tool_call_event_id
			WHERE tc.run_id = $1 AND tc.correlation_id = $2`,
			e.RunID, e.CorrelationID).Scan(&callTS)
		switch {
		case err == nil:
			ms := e.TS.Sub(parseTime(callTS)).Milliseconds()
			if ms < 0 {
				ms = 0
			}
			latency = sql.NullInt64{Int64: ms, Valid: true}
		case errors.Is(err, sql.ErrNoRows):
			// Outcome without a recorded call; correlation row is still kept.
		default:
			return latency, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tool_correlations (run_id, correlation_id, tool_outcome_event_id, latency_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, correlation_id) DO UPDATE SET tool_outcome_event_id = $3, latency_ms = $4`,
			e.RunID, e.CorrelationID, e.EventID, latency)
		return latency, err
	}
	return latency, nil
}

// txUpdateToolMetrics bumps per-tool counters from a tool event payload.
func txUpdateToolMetrics(ctx context.Context, tx *sql.Tx, toolID string, isError bool, latencyMS int64) error {
	if toolID == "" {
		return nil
	}
	errDelta := 0
	if isError {
		errDelta = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_metrics (tool_id, calls, errors, total_latency_ms)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (tool_id) DO UPDATE SET
			calls = tool_metrics.calls + 1,
			errors = tool_metrics.errors + $2,
			total_latency_ms = tool_metrics.total_latency_ms + $3`,
		toolID, errDelta, latencyMS)
	return err
}

// txInsertArtifactLink persists structured provenance for artifact_ref events.
func txInsertArtifactLink(ctx context.Context, tx *sql.Tx, l *model.ArtifactLink) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifact_links (run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, purpose)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, event_id, artifact_id) DO NOTHING`,
		l.RunID, l.EventID, l.ArtifactID, nullStr(l.SourceEventID), nullStr(l.CorrelationID),
		nullStr(l.ToolID), l.Purpose)
	return err
}

// txInvalidateProvenance drops the cached graph for a run.
func txInvalidateProvenance(ctx context.Context, tx *sql.Tx, runID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM provenance_cache WHERE run_id = $1`, runID)
	return err
}

// txInsertResearchSource records a research source row from its event.
func txInsertResearchSource(ctx context.Context, tx *sql.Tx, src *model.ResearchSource) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO research_sources (source_id, run_id, correlation_id, url, title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id) DO NOTHING`,
		src.SourceID, src.RunID, nullStr(src.CorrelationID), src.URL, src.Title, fmtTime(src.CreatedAt))
	return err
}

// txInsertResearchSourceLink records persisted source-to-event provenance.
func txInsertResearchSourceLink(ctx context.Context, tx *sql.Tx, l *model.ResearchSourceLink) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO research_source_links (run_id, source_id, event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id, source_id, event_id) DO NOTHING`,
		l.RunID, l.SourceID, l.EventID)
	return err
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	AfterSeq   int64
	Kinds      []string
	ToolID     string
	ErrorsOnly bool
	Limit      int
}

// ListEvents returns committed events for a run in seq order.
func (s *Store) ListEvents(ctx context.Context, runID string, f EventFilter) ([]model.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 1000
	}
	query := strings.Builder{}
	query.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE run_id = $1 AND seq > $2`)
	args := []any{runID, f.AfterSeq}
	if len(f.Kinds) > 0 {
		placeholders := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			args = append(args, k)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query.WriteString(" AND kind IN (" + strings.Join(placeholders, ", ") + ")")
	}
	if f.ErrorsOnly {
		query.WriteString(" AND kind = 'tool_error'")
	}
	if f.ToolID != "" {
		args = append(args, `%"tool_id":"`+f.ToolID+`"%`)
		query.WriteString(fmt.Sprintf(" AND payload LIKE $%d", len(args)))
	}
	args = append(args, f.Limit)
	query.WriteString(fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d", len(args)))

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// GetEvent retrieves an event by event_id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID)
	e, err := scanEvent(row.Scan)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindEventNotFound, "event %s not found", eventID))
	}
	return e, nil
}

// MaxSeq returns the run's current high-water-mark outside a transaction.
func (s *Store) MaxSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id = $1`, runID).Scan(&seq)
	return seq, err
}

// ToolCorrelations returns correlation rows for a run.
func (s *Store) ToolCorrelations(ctx context.Context, runID string) ([]model.ToolCorrelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, correlation_id, tool_call_event_id, tool_outcome_event_id, latency_ms
		FROM tool_correlations WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolCorrelation
	for rows.Next() {
		var c model.ToolCorrelation
		var callID, outcomeID sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&c.RunID, &c.CorrelationID, &callID, &outcomeID, &latency); err != nil {
			return nil, err
		}
		c.ToolCallEventID = callID.String
		c.ToolOutcomeEventID = outcomeID.String
		if latency.Valid {
			v := latency.Int64
			c.LatencyMS = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
