package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	transactionColumns = `id, reference, type, amount, currency, narration, wallet_number,
		sender_wallet_number, receiver_wallet_number, reverses_reference, status, created_at, updated_at`
)

// StatementQuery selects one page of a wallet's history.
type StatementQuery struct {
	WalletNumber string
	Status       models.TransactionStatus
	Page         int
	Limit        int
}

type walletWithLedger struct {
	models.Wallet
	LedgerBalance decimal.Decimal `db:"ledger_balance"`
}

// TransactionService serves read-only views of the ledger.
type TransactionService struct {
	runner *database.TxRunner
	log    *logrus.Logger
}

func NewTransactionService(runner *database.TxRunner, log *logrus.Logger) *TransactionService {
	return &TransactionService{runner: runner, log: log}
}

// GetTransaction returns a transaction with its ledger legs.
func (s *TransactionService) GetTransaction(ctx context.Context, reference string) (*models.TransactionDetail, error) {
	db := s.runner.DB()

	var detail models.TransactionDetail
	err := db.GetContext(ctx, &detail.Transaction,
		`SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "Transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %s: %w", reference, err)
	}

	detail.Entries = []models.LedgerEntry{}
	if err := db.SelectContext(ctx, &detail.Entries, `
		SELECT id, transaction_reference, wallet_number, entry_type, amount, created_at
		FROM ledger_entries WHERE transaction_reference = $1 ORDER BY id`, reference); err != nil {
		return nil, fmt.Errorf("fetch entries for %s: %w", reference, err)
	}
	return &detail, nil
}

// ListWalletTransactions returns a newest-first page of wallet history. The
// stored balance and the ledger sum are read in one statement; if they
// disagree the statement is refused with an IntegrityViolation.
func (s *TransactionService) ListWalletTransactions(ctx context.Context, q StatementQuery) (*models.WalletStatement, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}

	stmt := &models.WalletStatement{Page: q.Page, Limit: q.Limit}
	err := s.runner.Run(ctx, "wallet_statement", func(ctx context.Context, tx *sqlx.Tx) error {
		var w walletWithLedger
		err := tx.GetContext(ctx, &w, `
			SELECT w.id, w.wallet_number, w.customer_id, w.wallet_type, w.currency, w.balance,
			       w.pin_hash, w.pin_attempts, w.is_locked, w.status, w.created_at, w.updated_at,
			       (SELECT COALESCE(SUM(CASE WHEN le.entry_type = 'CREDIT' THEN le.amount ELSE -le.amount END), 0)
			        FROM ledger_entries le WHERE le.wallet_number = w.wallet_number) AS ledger_balance
			FROM wallets w WHERE w.wallet_number = $1`, q.WalletNumber)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "Wallet not found")
		}
		if err != nil {
			return fmt.Errorf("fetch wallet: %w", err)
		}
		stmt.Wallet = w.Wallet
		stmt.LedgerBalance = w.LedgerBalance

		conditions := []string{"(wallet_number = $1 OR sender_wallet_number = $1 OR receiver_wallet_number = $1)"}
		args := []interface{}{q.WalletNumber}
		if q.Status != "" {
			args = append(args, q.Status)
			conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
		}
		args = append(args, q.Limit, (q.Page-1)*q.Limit)
		query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + strings.Join(conditions, " AND ") +
			fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

		stmt.Transactions = []models.Transaction{}
		if err := tx.SelectContext(ctx, &stmt.Transactions, query, args...); err != nil {
			return fmt.Errorf("fetch transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !stmt.Wallet.Balance.Equal(stmt.LedgerBalance) {
		s.log.WithFields(logrus.Fields{
			"wallet_number":  q.WalletNumber,
			"balance":        stmt.Wallet.Balance.StringFixed(2),
			"ledger_balance": stmt.LedgerBalance.StringFixed(2),
		}).Error("wallet balance disagrees with ledger")
		return nil, apperr.New(apperr.KindIntegrity, "Wallet balance does not match its ledger; reconciliation required")
	}
	return stmt, nil
}
