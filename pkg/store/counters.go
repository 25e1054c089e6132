package store

import (
	"context"
	"time"
)

// IncrCounter bumps a named operational counter.
func (s *Store) IncrCounter(ctx context.Context, name string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counters (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = counters.value + $2, updated_at = $3`,
		name, delta, fmtTime(time.Now()))
	return err
}

// Counter reads a counter, 0 when absent.
func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT value FROM counters WHERE name = $1), 0)`, name).Scan(&v)
	return v, err
}

// SetGauge writes a numeric gauge.
func (s *Store) SetGauge(ctx context.Context, name string, value float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gauges (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = $2, updated_at = $3`,
		name, value, fmtTime(time.Now()))
	return err
}

// AddGauge adjusts a numeric gauge by delta (used for active-stream counts).
func (s *Store) AddGauge(ctx context.Context, name string, delta float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gauges (name, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET value = gauges.value + $2, updated_at = $3`,
		name, delta, fmtTime(time.Now()))
	return err
}

// Counters returns all counters.
func (s *Store) Counters(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM counters ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}

// Gauges returns all numeric gauges.
func (s *Store) Gauges(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, value FROM gauges ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]float64)
	for rows.Next() {
		var name string
		var v float64
		if err := rows.Scan(&name, &v); err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, rows.Err()
}
