package store

import (
	"context"
	"database/sql"

	"github.com/omniplexity/substrate/pkg/model"
)

// AppendRequest carries one event plus the side effects the event log derived
// from its kind and payload. Everything in it is applied in a single
// serialisable transaction.
type AppendRequest struct {
	Event        *model.Event
	PayloadBytes int64

	// QuotaCheck runs against the committed aggregates before the insert.
	// A non-nil error aborts the transaction.
	QuotaCheck func(eventCount, totalBytes int64) error

	// TerminalStatus, when non-empty, marks run completion: the runs row is
	// moved to this status and completed_at/duration_ms land on the
	// aggregates row.
	TerminalStatus model.RunStatus

	// ProvenanceAffecting drops the run's cached provenance graph.
	ProvenanceAffecting bool

	// ToolID, when set, bumps per-tool metrics. IsToolError marks the call
	// as failed.
	ToolID      string
	IsToolError bool

	// ArtifactLink is persisted for artifact_ref events.
	ArtifactLink *model.ArtifactLink

	// ResearchSource and SourceLinks are persisted for research events.
	ResearchSource *model.ResearchSource
	SourceLinks    []model.ResearchSourceLink
}

// AppendEvent is the single write path for events. It assigns the next seq,
// inserts the row, maintains aggregates, correlations, links, and cache
// invalidation, and returns the stored envelope with the post-insert metrics.
func (s *Store) AppendEvent(ctx context.Context, req *AppendRequest) (*model.Event, *model.RunMetrics, error) {
	e := req.Event
	var metrics *model.RunMetrics
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rc, err := txRunContext(ctx, tx, e.RunID)
		if err != nil {
			return err
		}
		e.ThreadID = rc.ThreadID
		e.ProjectID = rc.ProjectID

		m, err := txRunMetrics(ctx, tx, e.RunID)
		if err != nil {
			return err
		}
		if req.QuotaCheck != nil {
			if err := req.QuotaCheck(m.EventCount, m.BytesIn+m.BytesOut); err != nil {
				return err
			}
		}

		maxSeq, err := txMaxSeq(ctx, tx, e.RunID)
		if err != nil {
			return err
		}
		e.Seq = maxSeq + 1

		if err := txInsertEvent(ctx, tx, e); err != nil {
			return err
		}
		if err := txUpdateRunAggregates(ctx, tx, e.RunID, e, req.PayloadBytes); err != nil {
			return err
		}

		if req.ArtifactLink != nil {
			l := req.ArtifactLink
			l.RunID = e.RunID
			l.EventID = e.EventID
			if err := txInsertArtifactLink(ctx, tx, l); err != nil {
				return err
			}
		}

		var latency sql.NullInt64
		if e.CorrelationID != "" {
			latency, err = txUpsertToolCorrelation(ctx, tx, e)
			if err != nil {
				return err
			}
		}
		if req.ToolID != "" && (e.Kind == "tool_result" || e.Kind == "tool_error") {
			if err := txUpdateToolMetrics(ctx, tx, req.ToolID, req.IsToolError, latency.Int64); err != nil {
				return err
			}
		}

		if req.ResearchSource != nil {
			src := req.ResearchSource
			src.RunID = e.RunID
			src.CreatedAt = e.TS
			if err := txInsertResearchSource(ctx, tx, src); err != nil {
				return err
			}
		}
		for i := range req.SourceLinks {
			l := req.SourceLinks[i]
			l.RunID = e.RunID
			if l.EventID == "" {
				l.EventID = e.EventID
			}
			if err := txInsertResearchSourceLink(ctx, tx, &l); err != nil {
				return err
			}
		}

		if req.TerminalStatus != "" {
			if err := txMarkRunCompleted(ctx, tx, e.RunID, e.TS, rc.Run.CreatedAt); err != nil {
				return err
			}
			if err := txSetRunStatus(ctx, tx, e.RunID, req.TerminalStatus); err != nil {
				return err
			}
		}
		if req.ProvenanceAffecting {
			if err := txInvalidateProvenance(ctx, tx, e.RunID); err != nil {
				return err
			}
		}

		// Post-insert aggregates, computed from the row read under the same
		// transaction plus this event's deltas.
		metrics = m
		metrics.EventCount++
		switch e.Kind {
		case "tool_call":
			metrics.ToolCalls++
		case "tool_error":
			metrics.ToolErrors++
		case "artifact_ref":
			metrics.ArtifactsCount++
		}
		if e.Actor == model.ActorUser {
			metrics.BytesIn += req.PayloadBytes
		} else {
			metrics.BytesOut += req.PayloadBytes
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return e, metrics, nil
}
