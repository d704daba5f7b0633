package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*TxRunner, sqlmock.Sqlmock, *test.Hook) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, hook := test.NewNullLogger()
	policy := RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     2,
		SlowThreshold:  300 * time.Millisecond,
	}
	runner := NewTxRunner(sqlx.NewDb(db, "sqlmock"), policy, log, nil)
	runner.sleep = func(context.Context, time.Duration) error { return nil }
	return runner, mock, hook
}

func credit(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, "UPDATE wallets SET balance = balance + $1 WHERE id = $2", "100.00", 1)
	return err
}

func TestTxRunner_CommitsOnSuccess(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets SET balance = balance \\+ \\$1").
		WithArgs("100.00", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := runner.Run(context.Background(), "credit", credit)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRunner_RetriesDeadlock(t *testing.T) {
	runner, mock, hook := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").
		WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := runner.Run(context.Background(), "credit", func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		return credit(ctx, tx)
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "transient store error, retrying", hook.LastEntry().Message)
}

func TestTxRunner_NonTransientIsNotRetried(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := runner.Run(context.Background(), "debit", func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		return apperr.New(apperr.KindInsufficientFunds, "Insufficient funds")
	})

	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRunner_ExhaustsRetries(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	lockTimeout := &pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"}
	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE wallets").WillReturnError(lockTimeout)
		mock.ExpectRollback()
	}

	var delays []time.Duration
	runner.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	err := runner.Run(context.Background(), "transfer", credit)

	assert.ErrorIs(t, err, apperr.ErrTransient)
	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRunner_SerializationFailureOnCommit(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := runner.Run(context.Background(), "credit", credit)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRunner_WarnsOnSlowCommit(t *testing.T) {
	runner, mock, hook := newTestRunner(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(450 * time.Millisecond)}
	runner.now = func() time.Time {
		next := ticks[0]
		ticks = ticks[1:]
		return next
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := runner.Run(context.Background(), "credit", credit)
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "slow transaction", entry.Message)
	assert.Equal(t, int64(450), entry.Data["duration_ms"])
}

func TestTxRunner_StopsWhenContextCancelledDuringBackoff(t *testing.T) {
	runner, mock, _ := newTestRunner(t)
	runner.sleep = sleepCtx
	runner.policy.InitialBackoff = time.Hour

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnError(&pq.Error{Code: "40P01"})
	mock.ExpectRollback()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := runner.Run(ctx, "credit", credit)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pq.Error{Code: "40P01"}))
	assert.True(t, IsTransient(&pq.Error{Code: "55P03"}))
	assert.True(t, IsTransient(&pq.Error{Code: "40001"}))
	assert.False(t, IsTransient(&pq.Error{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.True(t, IsUniqueViolation(&pq.Error{Code: "23505"}))

	assert.True(t, IsConnectionError(driver.ErrBadConn))
	assert.True(t, IsConnectionError(&pq.Error{Code: "08006"}))
	assert.True(t, IsConnectionError(&net.OpError{Op: "dial", Err: errors.New("connection refused")}))
	assert.False(t, IsConnectionError(&pq.Error{Code: "40P01"}))
}

func TestTxRunner_RetriesConnectionFailureAtBegin(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	mock.ExpectBegin().WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := runner.Run(context.Background(), "credit", func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		return credit(ctx, tx)
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxRunner_ConnectionFailureInsideTxIsNotRetried(t *testing.T) {
	runner, mock, _ := newTestRunner(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE wallets").WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	mock.ExpectRollback()

	calls := 0
	err := runner.Run(context.Background(), "credit", func(ctx context.Context, tx *sqlx.Tx) error {
		calls++
		return credit(ctx, tx)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NotEqual(t, apperr.KindTransient, apperr.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
