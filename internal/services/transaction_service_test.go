package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	txColumns = []string{"id", "reference", "type", "amount", "currency", "narration", "wallet_number",
		"sender_wallet_number", "receiver_wallet_number", "reverses_reference", "status", "created_at", "updated_at"}
	entryColumns     = []string{"id", "transaction_reference", "wallet_number", "entry_type", "amount", "created_at"}
	statementColumns = []string{"id", "wallet_number", "customer_id", "wallet_type", "currency", "balance",
		"pin_hash", "pin_attempts", "is_locked", "status", "created_at", "updated_at", "ledger_balance"}
)

func TestTransactionService_GetTransaction(t *testing.T) {
	runner, sqlMock := newMockRunner(t)
	svc := NewTransactionService(runner, quietLogger())
	now := time.Now()

	t.Run("returns both legs of a transfer", func(t *testing.T) {
		sqlMock.ExpectQuery("FROM transactions WHERE reference = \\$1").WithArgs("TRF-1").
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(12, "TRF-1", "TRANSFER", "200.00", "NGN", "rent", nil, walletA, walletB, nil, "SUCCESSFUL", now, now))
		sqlMock.ExpectQuery("FROM ledger_entries WHERE transaction_reference = \\$1").WithArgs("TRF-1").
			WillReturnRows(sqlmock.NewRows(entryColumns).
				AddRow(1, "TRF-1", walletA, "DEBIT", "200.00", now).
				AddRow(2, "TRF-1", walletB, "CREDIT", "200.00", now))

		detail, err := svc.GetTransaction(context.Background(), "TRF-1")
		require.NoError(t, err)
		assert.Equal(t, models.TxTransfer, detail.Type)
		require.Len(t, detail.Entries, 2)
		assert.True(t, detail.Entries[0].Signed().Add(detail.Entries[1].Signed()).IsZero())
		assert.Equal(t, detail.Legs()[0].WalletNumber, detail.Entries[0].WalletNumber)
	})

	t.Run("unknown reference", func(t *testing.T) {
		sqlMock.ExpectQuery("FROM transactions WHERE reference = \\$1").WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(txColumns))

		_, err := svc.GetTransaction(context.Background(), "nope")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestTransactionService_ListWalletTransactions(t *testing.T) {
	now := time.Now()

	t.Run("pages newest first with a status filter", func(t *testing.T) {
		runner, sqlMock := newMockRunner(t)
		svc := NewTransactionService(runner, quietLogger())

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery("FROM wallets w WHERE w.wallet_number = \\$1").WithArgs(walletA).
			WillReturnRows(sqlmock.NewRows(statementColumns).
				AddRow(1, walletA, 9, "SAVINGS", "NGN", "800.00", nil, 0, false, "ACTIVE", now, now, "800.00"))
		sqlMock.ExpectQuery("FROM transactions WHERE \\(wallet_number = \\$1 OR sender_wallet_number = \\$1 OR receiver_wallet_number = \\$1\\) AND status = \\$2 ORDER BY created_at DESC, id DESC LIMIT \\$3 OFFSET \\$4").
			WithArgs(walletA, "SUCCESSFUL", 10, 10).
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(12, "TRF-1", "TRANSFER", "200.00", "NGN", "rent", nil, walletA, walletB, nil, "SUCCESSFUL", now, now))
		sqlMock.ExpectCommit()

		stmt, err := svc.ListWalletTransactions(context.Background(), StatementQuery{
			WalletNumber: walletA, Status: models.StatusSuccessful, Page: 2, Limit: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, stmt.Page)
		assert.Len(t, stmt.Transactions, 1)
		assert.Equal(t, walletA, stmt.Wallet.WalletNumber)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("limit is clamped", func(t *testing.T) {
		runner, sqlMock := newMockRunner(t)
		svc := NewTransactionService(runner, quietLogger())

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery("FROM wallets w").
			WillReturnRows(sqlmock.NewRows(statementColumns).
				AddRow(1, walletA, 9, "SAVINGS", "NGN", "0.00", nil, 0, false, "ACTIVE", now, now, "0.00"))
		sqlMock.ExpectQuery("FROM transactions WHERE").WithArgs(walletA, 100, 0).
			WillReturnRows(sqlmock.NewRows(txColumns))
		sqlMock.ExpectCommit()

		stmt, err := svc.ListWalletTransactions(context.Background(), StatementQuery{WalletNumber: walletA, Limit: 5000})
		require.NoError(t, err)
		assert.Equal(t, 100, stmt.Limit)
		assert.NotNil(t, stmt.Transactions)
	})

	t.Run("drift between balance and ledger is reported", func(t *testing.T) {
		runner, sqlMock := newMockRunner(t)
		svc := NewTransactionService(runner, quietLogger())

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery("FROM wallets w").
			WillReturnRows(sqlmock.NewRows(statementColumns).
				AddRow(1, walletA, 9, "SAVINGS", "NGN", "1050.00", nil, 0, false, "ACTIVE", now, now, "1000.00"))
		sqlMock.ExpectQuery("FROM transactions WHERE").WillReturnRows(sqlmock.NewRows(txColumns))
		sqlMock.ExpectCommit()

		_, err := svc.ListWalletTransactions(context.Background(), StatementQuery{WalletNumber: walletA})
		assert.ErrorIs(t, err, apperr.ErrIntegrity)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		runner, sqlMock := newMockRunner(t)
		svc := NewTransactionService(runner, quietLogger())

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery("FROM wallets w").WillReturnRows(sqlmock.NewRows(statementColumns))
		sqlMock.ExpectRollback()

		_, err := svc.ListWalletTransactions(context.Background(), StatementQuery{WalletNumber: "3000000000"})
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})
}
