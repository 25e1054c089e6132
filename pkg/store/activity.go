package store

import (
	"context"
	"database/sql"

	"github.com/omniplexity/substrate/pkg/model"
)

// AppendActivity writes a project activity row, assigning the next
// activity_seq inside the transaction.
func (s *Store) AppendActivity(ctx context.Context, a *model.Activity) (*model.Activity, error) {
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(activity_seq), 0) FROM activity WHERE project_id = $1`,
			a.ProjectID).Scan(&maxSeq); err != nil {
			return err
		}
		a.ActivitySeq = maxSeq + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO activity (project_id, activity_seq, kind, ref_type, ref_id, actor_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ProjectID, a.ActivitySeq, a.Kind, a.RefType, a.RefID, a.ActorID, fmtTime(a.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListActivity returns project activity rows in seq order.
func (s *Store) ListActivity(ctx context.Context, projectID string, afterSeq int64, limit int) ([]model.Activity, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, activity_seq, kind, ref_type, ref_id, actor_id, created_at
		FROM activity WHERE project_id = $1 AND activity_seq > $2
		ORDER BY activity_seq ASC LIMIT $3`, projectID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var createdAt string
		if err := rows.Scan(&a.ProjectID, &a.ActivitySeq, &a.Kind, &a.RefType, &a.RefID, &a.ActorID, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkActivitySeen advances a user's per-project seen cursor monotonically.
func (s *Store) MarkActivitySeen(ctx context.Context, projectID, userID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_seen (project_id, user_id, last_seen_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET
			last_seen_seq = MAX(activity_seen.last_seen_seq, $3)`,
		projectID, userID, seq)
	return err
}
