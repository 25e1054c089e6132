// Package store is the durable record keeper for the run event substrate.
// It persists runs, events, artifact links, tool correlations, idempotency
// responses, the provenance cache, notifications, activity, and operational
// counters, with single-writer semantics and row-level transactions.
//
// SQLite (modernc.org/sqlite) is the default backend; a Postgres flavour
// (lib/pq) is selected by DSN scheme. The schema is identical.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/omniplexity/substrate/pkg/fault"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handle. All persistent mutation in the substrate
// goes through this type.
type Store struct {
	db          *sql.DB
	driver      string
	retryBudget int
	logger      *slog.Logger
}

// Options tunes Store behaviour.
type Options struct {
	// RetryBudget bounds transaction retries on lock contention before the
	// write surfaces as write_contended.
	RetryBudget int
	Logger      *slog.Logger
}

// Open opens (and migrates) the store. A DSN starting with "postgres://" or
// "postgresql://" selects lib/pq; anything else is treated as a SQLite path.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	driver := "sqlite"
	connStr := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	} else {
		// Immediate transactions take the write lock at BEGIN so concurrent
		// writers fail fast instead of deadlocking at commit.
		connStr = "file:" + dsn + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// Single writer. Readers share the same pool; WAL keeps them cheap.
		db.SetMaxOpenConns(1)
	}

	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		db:          db,
		driver:      driver,
		retryBudget: opts.RetryBudget,
		logger:      opts.Logger.With("component", "store"),
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only collaborators.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a transaction, retrying on lock contention up to the
// configured budget. After the budget is exhausted the error surfaces as
// write_contended rather than hanging.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= s.retryBudget; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err = s.runTx(ctx, fn)
		if err == nil || !isContended(err) {
			return err
		}
		s.logger.Debug("transaction contended, retrying", "attempt", attempt+1)
	}
	return fault.New(fault.KindWriteContended, "retry budget exhausted: %v", err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isContended reports whether err is a lock/serialisation conflict worth
// retrying.
func isContended(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "could not serialize access")
}

// fmtTime serialises a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserialises a stored timestamp. Zero time on empty input.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullStr maps "" to NULL for optional columns.
func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func notFound(err error, f *fault.Fault) error {
	if errors.Is(err, sql.ErrNoRows) {
		return f
	}
	return err
}
