package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/fault"
)

func mockStore(t *testing.T, budget int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, driver: "sqlite", retryBudget: budget, logger: slog.Default()}, mock
}

func TestWithTxRetriesContention(t *testing.T) {
	st, mock := mockStore(t, 3)

	// Two contended commits, then success.
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxSurfacesWriteContended(t *testing.T) {
	st, mock := mockStore(t, 1)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.True(t, fault.IsKind(err, fault.KindWriteContended))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadHighWaterMarkIsDialectNeutral(t *testing.T) {
	st, mock := mockStore(t, 0)
	st.driver = "postgres"

	// The upsert must not use sqlite's two-argument max(); the CASE form
	// works on both backends.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE notifications SET read_at`).
		WithArgs(sqlmock.AnyArg(), "alice", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO notification_state.*CASE.*WHEN excluded\.last_seen_notification_seq > notification_state\.last_seen_notification_seq.*END`).
		WithArgs("alice", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.MarkNotificationsReadUpTo(context.Background(), "alice", 7, time.Now().UTC()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxDoesNotRetryBusinessErrors(t *testing.T) {
	st, mock := mockStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := fault.New(fault.KindSchemaViolation, "bad payload")
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error { return boom })
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
	require.NoError(t, mock.ExpectationsWereMet())
}
