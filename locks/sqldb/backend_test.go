package sqldb_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ebogdum/advlock/locks"
	"github.com/ebogdum/advlock/locks/sqldb"
)

// billing.batch-job
const batchJobKey = int64(34780761)

func newMock(t *testing.T, dialect locks.Dialect) (*locks.Locker, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	driver := sqldb.NewDriver(db, dialect, zap.NewNop())
	return locks.NewLocker("billing", driver), mock
}

func TestSessionLockGranted(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := lock.Release(context.Background())
	require.NoError(t, err)
	assert.True(t, released)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionLockContended(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// Nothing is held, so no release query goes out.
	released, err := lock.Release(context.Background())
	require.NoError(t, err)
	assert.False(t, released)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLock(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT true").
		WillReturnRows(sqlmock.NewRows([]string{"bool"}).AddRow(true))
	mock.ExpectRollback()

	err := locker.WithLock(context.Background(), "batch-job", locks.ModeTransaction, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransactionLockContendedEndsTransaction(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pg_try_advisory_xact_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_xact_lock"}).AddRow(false))
	mock.ExpectRollback()

	err := locker.WithLock(context.Background(), "batch-job", locks.ModeTransaction, func(context.Context) error {
		t.Fatal("body must not run")
		return nil
	})
	assert.ErrorIs(t, err, locks.ErrLockAcquireFailure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailure(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	boom := errors.New("begin refused")
	mock.ExpectBegin().WillReturnError(boom)

	lock, err := locker.Lock("batch-job", locks.ModeTransaction)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLLock(t *testing.T) {
	locker, mock := newMock(t, locks.MySQLDialect)

	mock.ExpectQuery("SELECT GET_LOCK(?, 0)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT RELEASE_LOCK(?)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"RELEASE_LOCK"}).AddRow(int64(1)))

	ran := false
	err := locker.WithLock(context.Background(), "batch-job", locks.ModeSession, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLTimeoutIsContention(t *testing.T) {
	locker, mock := newMock(t, locks.MySQLDialect)

	mock.ExpectQuery("SELECT GET_LOCK(?, 0)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(int64(0)))

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLRejectsTransactionMode(t *testing.T) {
	locker, _ := newMock(t, locks.MySQLDialect)

	_, err := locker.Lock("batch-job", locks.ModeTransaction)
	assert.ErrorIs(t, err, locks.ErrUnsupportedMode)
}

func TestVoidResultsCountAsGranted(t *testing.T) {
	tests := []struct {
		name string
		rows *sqlmock.Rows
	}{
		{name: "empty text", rows: sqlmock.NewRows([]string{"pg_advisory_lock"}).AddRow("")},
		{name: "no rows", rows: sqlmock.NewRows([]string{"pg_advisory_lock"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locker, mock := newMock(t, locks.PostgresDialect)
			mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
				WithArgs(batchJobKey).
				WillReturnRows(tt.rows)

			lock, err := locker.Lock("batch-job", locks.ModeSession)
			require.NoError(t, err)

			ok, err := lock.Acquire(context.Background())
			require.NoError(t, err)
			assert.True(t, ok)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNullResultIsNotGranted(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(nil))

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryErrorDiscardsConnection(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
		WithArgs(batchJobKey).
		WillReturnError(boom)
	// The connection is closed rather than pooled.
	mock.ExpectClose()

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.False(t, lock.Held())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseQueryErrorStillReturnsToIdle(t *testing.T) {
	locker, mock := newMock(t, locks.PostgresDialect)

	boom := errors.New("connection reset")
	mock.ExpectQuery("SELECT pg_try_advisory_lock($1)").
		WithArgs(batchJobKey).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery("SELECT pg_advisory_unlock($1)").
		WithArgs(batchJobKey).
		WillReturnError(boom)
	mock.ExpectClose()

	lock, err := locker.Lock("batch-job", locks.ModeSession)
	require.NoError(t, err)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	released, err := lock.Release(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, released)
	assert.False(t, lock.Held())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		driver      string
		dialect     string
		shouldError bool
	}{
		{driver: "postgres", dialect: "postgres"},
		{driver: "mysql", dialect: "mysql"},
		{driver: "sqlite", shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			dialect, driverName, err := sqldb.DialectFor(tt.driver)
			if tt.shouldError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, dialect.Name())
			assert.Equal(t, tt.driver, driverName)
		})
	}
}
