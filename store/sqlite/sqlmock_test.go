package sqlite_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/store/sqlite"
)

func newMockStore(t *testing.T, dialect sqlite.Dialect) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewFromDB(db, dialect), mock
}

func TestStore_DriverErrorsAreUnavailable(t *testing.T) {
	store, mock := newMockStore(t, sqlite.DialectSQLite)
	driverErr := errors.New("disk I/O error")

	mock.ExpectQuery(regexp.QuoteMeta("FROM tickets")).WillReturnError(driverErr)

	_, err := store.TicketEvents(context.Background(), "acme", time.Now(), time.Now())

	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.ErrorIs(t, err, driverErr)
	assert.True(t, billing.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UniqueViolationMapping(t *testing.T) {
	t.Run("sqlite unique constraint on statements", func(t *testing.T) {
		store, mock := newMockStore(t, sqlite.DialectSQLite)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO statements")).
			WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})

		err := store.InsertStatement(context.Background(), billing.Statement{ID: "s1", CompanyID: "acme"})

		assert.ErrorIs(t, err, billing.ErrDuplicatePeriod)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("postgres 23505 on movements", func(t *testing.T) {
		store, mock := newMockStore(t, sqlite.DialectPostgres)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO movements")).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_movements_active_reference"})

		err := store.InsertMovement(context.Background(), billing.Movement{ID: "m1", CompanyID: "acme", Reference: "ADJ-k"})

		assert.ErrorIs(t, err, billing.ErrDuplicateReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other constraint failures are not duplicates", func(t *testing.T) {
		store, mock := newMockStore(t, sqlite.DialectSQLite)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO movements")).
			WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull})

		err := store.InsertMovement(context.Background(), billing.Movement{ID: "m1"})

		assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
		assert.NotErrorIs(t, err, billing.ErrDuplicateReference)
	})
}

func TestStore_CorruptColumnsAreUnavailable(t *testing.T) {
	movementCols := []string{"id", "company_id", "posted_at", "kind", "amount", "description", "balance",
		"reference", "statement_id", "status", "reversal_of", "created_at"}
	stamp := "2025-03-05T00:00:00.000000000Z"

	t.Run("unreadable amount", func(t *testing.T) {
		store, mock := newMockStore(t, sqlite.DialectSQLite)
		mock.ExpectQuery(regexp.QuoteMeta("FROM movements WHERE id = ?")).
			WillReturnRows(sqlmock.NewRows(movementCols).
				AddRow("m1", "acme", stamp, "charge", "abc", "", "-10", "ADJ-k", "", "active", "", stamp))

		m, err := store.GetMovement(context.Background(), "m1")

		// A corrupt amount must not be read as zero and replayed into balances.
		assert.Nil(t, m)
		assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
		assert.ErrorContains(t, err, "column amount")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unreadable timestamp", func(t *testing.T) {
		store, mock := newMockStore(t, sqlite.DialectSQLite)
		mock.ExpectQuery(regexp.QuoteMeta("WHERE company_id = ? AND posted_at >= ?")).
			WillReturnRows(sqlmock.NewRows(movementCols).
				AddRow("m1", "acme", "yesterday", "charge", "10", "", "-10", "ADJ-k", "", "active", "", stamp))

		_, err := store.MovementsFrom(context.Background(), "acme", time.Time{})

		assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
		assert.ErrorContains(t, err, "column posted_at")
	})
}

func TestStore_PostgresPlaceholders(t *testing.T) {
	store, mock := newMockStore(t, sqlite.DialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE movements SET balance = $1 WHERE id = $2")).
		WithArgs("-12.5", "m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateMovementBalance(context.Background(), "m1", dec("-12.5"))

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_NoRowsAffectedIsNotFound(t *testing.T) {
	store, mock := newMockStore(t, sqlite.DialectSQLite)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE statements SET paid = 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetStatementPaid(context.Background(), "ghost", time.Now())

	assert.ErrorIs(t, err, billing.ErrStatementNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_PostgresLocksCompanyInTransaction(t *testing.T) {
	store, mock := newMockStore(t, sqlite.DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("acme").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx billing.Store) error {
		return store.LockCompany(ctx, tx, "acme")
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTxRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t, sqlite.DialectSQLite)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE companies SET accumulated_amount")).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx billing.Store) error {
		return tx.SetAccumulated(ctx, "acme", dec("1"))
	})

	assert.ErrorIs(t, err, billing.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LockCompanyRejectsForeignTransaction(t *testing.T) {
	store, _ := newMockStore(t, sqlite.DialectPostgres)

	err := store.LockCompany(context.Background(), nil, "acme")

	assert.Error(t, err)
}
