package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/omniplexity/substrate/pkg/model"
)

// InsertNotification stores a notification, assigning the next per-user
// notification_seq inside the transaction so the sequence is strictly
// increasing per user.
func (s *Store) InsertNotification(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	payload := string(n.Payload)
	if payload == "" {
		payload = "{}"
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var maxSeq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(notification_seq), 0) FROM notifications WHERE user_id = $1`,
			n.UserID).Scan(&maxSeq); err != nil {
			return err
		}
		n.NotificationSeq = maxSeq + 1
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notifications (notification_id, user_id, notification_seq, kind, payload, project_id, run_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.NotificationID, n.UserID, n.NotificationSeq, n.Kind, payload,
			nullStr(n.ProjectID), nullStr(n.RunID), fmtTime(n.CreatedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

const notificationColumns = `notification_id, user_id, notification_seq, kind, payload, project_id, run_id, read_at, created_at`

func scanNotification(scan func(dest ...any) error) (*model.Notification, error) {
	var n model.Notification
	var payload, createdAt string
	var projectID, runID, readAt sql.NullString
	if err := scan(&n.NotificationID, &n.UserID, &n.NotificationSeq, &n.Kind, &payload,
		&projectID, &runID, &readAt, &createdAt); err != nil {
		return nil, err
	}
	n.Payload = json.RawMessage(payload)
	n.ProjectID = projectID.String
	n.RunID = runID.String
	if readAt.Valid {
		t := parseTime(readAt.String)
		n.ReadAt = &t
	}
	n.CreatedAt = parseTime(createdAt)
	return &n, nil
}

// ListNotifications returns a user's notifications in seq order.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, afterSeq int64, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1 AND notification_seq > $2`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY notification_seq ASC LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// UnreadCount returns the number of unread notifications for a user.
func (s *Store) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`,
		userID).Scan(&count)
	return count, err
}

// MarkNotificationsReadUpTo marks all notifications with seq <= upToSeq as
// read and advances the high-water-mark. The mark never regresses.
func (s *Store) MarkNotificationsReadUpTo(ctx context.Context, userID string, upToSeq int64, at time.Time) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications SET read_at = $1
			WHERE user_id = $2 AND notification_seq <= $3 AND read_at IS NULL`,
			fmtTime(at), userID, upToSeq); err != nil {
			return err
		}
		// CASE instead of scalar MAX: sqlite's two-argument max() does not
		// exist on postgres, and this form runs on both.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO notification_state (user_id, last_seen_notification_seq)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				last_seen_notification_seq = CASE
					WHEN excluded.last_seen_notification_seq > notification_state.last_seen_notification_seq
					THEN excluded.last_seen_notification_seq
					ELSE notification_state.last_seen_notification_seq
				END`,
			userID, upToSeq)
		return err
	})
}

// MarkNotificationsReadByID marks individual notifications read. The per-user
// high-water-mark is left untouched.
func (s *Store) MarkNotificationsReadByID(ctx context.Context, userID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE notifications SET read_at = $1
				WHERE user_id = $2 AND notification_id = $3 AND read_at IS NULL`,
				fmtTime(at), userID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// NotificationHighWaterMark returns the user's last seen notification seq.
func (s *Store) NotificationHighWaterMark(ctx context.Context, userID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_notification_seq FROM notification_state WHERE user_id = $1`,
		userID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// CountNotificationsForRun counts already-emitted notifications of a kind for
// a run, used by the tool-error routing cap.
func (s *Store) CountNotificationsForRun(ctx context.Context, runID, kind string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE run_id = $1 AND kind = $2`,
		runID, kind).Scan(&count)
	return count, err
}
