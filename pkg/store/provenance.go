package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ProvenanceCacheRow is the cached graph for a run, valid iff LastSeq equals
// the run's current high-water-mark.
type ProvenanceCacheRow struct {
	RunID      string
	LastSeq    int64
	GraphBlob  []byte
	ComputedAt time.Time
}

// GetProvenanceCache returns the cache row for a run, or ok=false.
func (s *Store) GetProvenanceCache(ctx context.Context, runID string) (*ProvenanceCacheRow, bool, error) {
	var row ProvenanceCacheRow
	var computedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, last_seq, graph_blob, computed_at
		FROM provenance_cache WHERE run_id = $1`, runID).
		Scan(&row.RunID, &row.LastSeq, &row.GraphBlob, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	row.ComputedAt = parseTime(computedAt)
	return &row, true, nil
}

// PutProvenanceCache upserts the cached graph for a run.
func (s *Store) PutProvenanceCache(ctx context.Context, row *ProvenanceCacheRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provenance_cache (run_id, last_seq, graph_blob, computed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET last_seq = $2, graph_blob = $3, computed_at = $4`,
		row.RunID, row.LastSeq, row.GraphBlob, fmtTime(row.ComputedAt))
	return err
}

// InvalidateProvenanceCache drops the cache row outside the append path
// (e.g. on link_run_artifact).
func (s *Store) InvalidateProvenanceCache(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provenance_cache WHERE run_id = $1`, runID)
	return err
}

// InsertArtifactLink persists a structured provenance link outside the event
// append transaction (the link_run_artifact surface operation).
func (s *Store) InsertArtifactLink(ctx context.Context, runID, eventID, artifactID, sourceEventID, correlationID, toolID, purpose string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifact_links (run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, purpose)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (run_id, event_id, artifact_id) DO NOTHING`,
			runID, eventID, artifactID, nullStr(sourceEventID), nullStr(correlationID),
			nullStr(toolID), purpose); err != nil {
			return err
		}
		return txInvalidateProvenance(ctx, tx, runID)
	})
}
