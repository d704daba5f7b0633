package services

import (
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newMockRunner(t *testing.T) (*database.TxRunner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	policy := database.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 1}
	return database.NewTxRunner(sqlx.NewDb(db, "sqlmock"), policy, quietLogger(), nil), mock
}

var pinColumns = []string{"id", "pin_hash", "pin_attempts", "is_locked"}
