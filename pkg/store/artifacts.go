package store

import (
	"context"
	"database/sql"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
)

// PutArtifact inserts artifact metadata. Content-addressed: re-inserting the
// same artifact_id is a no-op.
func (s *Store) PutArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, kind, media_type, size, content_hash, storage_ref, title, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (artifact_id) DO NOTHING`,
		a.ArtifactID, a.Kind, a.MediaType, a.Size, a.ContentHash, a.StorageRef,
		a.Title, a.CreatedBy, fmtTime(a.CreatedAt))
	return err
}

// GetArtifact retrieves artifact metadata by id.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*model.Artifact, error) {
	var a model.Artifact
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, kind, media_type, size, content_hash, storage_ref, title, created_by, created_at
		FROM artifacts WHERE artifact_id = $1`, artifactID).
		Scan(&a.ArtifactID, &a.Kind, &a.MediaType, &a.Size, &a.ContentHash, &a.StorageRef,
			&a.Title, &a.CreatedBy, &createdAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindArtifactNotFound, "artifact %s not found", artifactID))
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// ListRunArtifacts returns artifacts linked to a run through artifact_links.
func (s *Store) ListRunArtifacts(ctx context.Context, runID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT a.artifact_id, a.kind, a.media_type, a.size, a.content_hash, a.storage_ref, a.title, a.created_by, a.created_at
		FROM artifacts a JOIN artifact_links l ON l.artifact_id = a.artifact_id
		WHERE l.run_id = $1 ORDER BY a.created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		var createdAt string
		if err := rows.Scan(&a.ArtifactID, &a.Kind, &a.MediaType, &a.Size, &a.ContentHash,
			&a.StorageRef, &a.Title, &a.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ArtifactLinks returns persisted provenance links for a run.
func (s *Store) ArtifactLinks(ctx context.Context, runID string) ([]model.ArtifactLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, event_id, artifact_id, source_event_id, correlation_id, tool_id, purpose
		FROM artifact_links WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var links []model.ArtifactLink
	for rows.Next() {
		var l model.ArtifactLink
		var srcEvent, corr, toolID sql.NullString
		if err := rows.Scan(&l.RunID, &l.EventID, &l.ArtifactID, &srcEvent, &corr, &toolID, &l.Purpose); err != nil {
			return nil, err
		}
		l.SourceEventID = srcEvent.String
		l.CorrelationID = corr.String
		l.ToolID = toolID.String
		links = append(links, l)
	}
	return links, rows.Err()
}

// CreateUpload opens a multipart upload session.
func (s *Store) CreateUpload(ctx context.Context, u *model.Upload) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (upload_id, user_id, kind, media_type, title, declared_bytes, received_bytes, parts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7)`,
		u.UploadID, u.UserID, u.Kind, u.MediaType, u.Title, u.DeclaredBytes, fmtTime(u.CreatedAt))
	return err
}

// GetUpload retrieves an upload session.
func (s *Store) GetUpload(ctx context.Context, uploadID string) (*model.Upload, error) {
	var u model.Upload
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT upload_id, user_id, kind, media_type, title, declared_bytes, received_bytes, parts, created_at
		FROM uploads WHERE upload_id = $1`, uploadID).
		Scan(&u.UploadID, &u.UserID, &u.Kind, &u.MediaType, &u.Title,
			&u.DeclaredBytes, &u.ReceivedBytes, &u.Parts, &createdAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindArtifactNotFound, "upload %s not found", uploadID))
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// AddUploadPart accounts a received part.
func (s *Store) AddUploadPart(ctx context.Context, uploadID string, partBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE uploads SET received_bytes = received_bytes + $1, parts = parts + 1
		WHERE upload_id = $2`, partBytes, uploadID)
	return err
}

// DeleteUpload removes a finished or abandoned session.
func (s *Store) DeleteUpload(ctx context.Context, uploadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = $1`, uploadID)
	return err
}

// ResearchSources returns the sources captured during a run.
func (s *Store) ResearchSources(ctx context.Context, runID string) ([]model.ResearchSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, run_id, correlation_id, url, title, created_at
		FROM research_sources WHERE run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sources []model.ResearchSource
	for rows.Next() {
		var src model.ResearchSource
		var corr sql.NullString
		var createdAt string
		if err := rows.Scan(&src.SourceID, &src.RunID, &corr, &src.URL, &src.Title, &createdAt); err != nil {
			return nil, err
		}
		src.CorrelationID = corr.String
		src.CreatedAt = parseTime(createdAt)
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ResearchSourceLinks returns persisted source-to-event links for a run.
func (s *Store) ResearchSourceLinks(ctx context.Context, runID string) ([]model.ResearchSourceLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, source_id, event_id FROM research_source_links WHERE run_id = $1`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var links []model.ResearchSourceLink
	for rows.Next() {
		var l model.ResearchSourceLink
		if err := rows.Scan(&l.RunID, &l.SourceID, &l.EventID); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}
