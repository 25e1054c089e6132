package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetIdempotent returns the stored response for (user, endpoint, compKey),
// or ok=false on miss.
func (s *Store) GetIdempotent(ctx context.Context, userID, endpoint, compKey string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT stored_response FROM idempotency
		WHERE user_id = $1 AND endpoint = $2 AND comp_key = $3`,
		userID, endpoint, compKey).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// PutIdempotent stores the first response for the composite key. The first
// writer wins; replays must return byte-identical bodies.
func (s *Store) PutIdempotent(ctx context.Context, userID, endpoint, compKey string, body []byte, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (user_id, endpoint, comp_key, stored_response, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, endpoint, comp_key) DO NOTHING`,
		userID, endpoint, compKey, body, fmtTime(at))
	return err
}
