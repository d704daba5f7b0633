package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const systemActor = "system"

type LedgerOptions struct {
	Currency       string
	BillMinimum    decimal.Decimal
	AirtimeMinimum decimal.Decimal
	// SystemActor is recorded in the audit chain when a request has no actor.
	SystemActor string
}

type CreditRequest struct {
	WalletNumber string
	Amount       decimal.Decimal
	Reference    string
	Narration    string
	Actor        string
}

type DebitRequest struct {
	WalletNumber string
	Kind         models.TransactionType
	Amount       decimal.Decimal
	PIN          string
	Reference    string
	Narration    string
	Actor        string
}

type TransferRequest struct {
	From      string
	To        string
	Amount    decimal.Decimal
	PIN       string
	Reference string
	Narration string
	Actor     string
}

type lockedWallet struct {
	ID           int64           `db:"id"`
	WalletNumber string          `db:"wallet_number"`
	Balance      decimal.Decimal `db:"balance"`
	Currency     string          `db:"currency"`
	IsLocked     bool            `db:"is_locked"`
}

// LedgerService is the double-entry core. Each operation writes the
// transaction row, its ledger legs, the balance change, the outbox event and
// the audit records in one unit of work.
type LedgerService struct {
	runner  *database.TxRunner
	pins    PinVerifier
	audit   AuditAppender
	opts    LedgerOptions
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewLedgerService(runner *database.TxRunner, pins PinVerifier, appender AuditAppender, opts LedgerOptions, log *logrus.Logger, m *metrics.Metrics) *LedgerService {
	if opts.Currency == "" {
		opts.Currency = "NGN"
	}
	if opts.SystemActor == "" {
		opts.SystemActor = systemActor
	}
	return &LedgerService{
		runner:  runner,
		pins:    pins,
		audit:   appender,
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// Credit deposits into a wallet. No PIN is required.
func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (*models.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	reference := referenceOrNew(req.Reference, "DEP")
	t := models.NewTransaction(reference, models.Deposit{WalletNumber: req.WalletNumber},
		req.Amount, s.opts.Currency, req.Narration, models.StatusSuccessful)
	actor := s.actorOrSystem(req.Actor)

	err := s.runner.Run(ctx, "ledger_credit", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := ensureNewReference(ctx, tx, reference); err != nil {
			return err
		}

		var w lockedWallet
		err := tx.GetContext(ctx, &w, `
			UPDATE wallets SET balance = balance + $1, updated_at = NOW()
			WHERE wallet_number = $2
			RETURNING id, wallet_number, balance, currency, is_locked`, req.Amount, req.WalletNumber)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.New(apperr.KindNotFound, "Wallet not found")
		}
		if err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}
		if err := s.checkCurrency(w); err != nil {
			return err
		}

		if err := s.writeMovement(ctx, tx, t, actor); err != nil {
			return err
		}
		return s.auditBalance(ctx, tx, w.ID, req.WalletNumber, w.Balance.Sub(req.Amount), w.Balance, actor)
	})

	return s.finish(ctx, t, req.WalletNumber, actor, err)
}

// Debit withdraws from a wallet after PIN verification. Kind selects the
// debit flavour and its minimum amount.
func (s *LedgerService) Debit(ctx context.Context, req DebitRequest) (*models.Transaction, error) {
	kind := req.Kind
	if kind == "" {
		kind = models.TxWithdrawal
	}
	if err := s.validateDebit(kind, req.Amount); err != nil {
		return nil, err
	}
	if err := s.pins.Verify(ctx, req.WalletNumber, req.PIN); err != nil {
		s.metrics.LedgerOperation(string(kind), "rejected")
		return nil, err
	}

	reference := referenceOrNew(req.Reference, referencePrefix(kind))
	t := models.NewTransaction(reference, models.Withdrawal{WalletNumber: req.WalletNumber, Kind: kind},
		req.Amount, s.opts.Currency, req.Narration, models.StatusSuccessful)
	actor := s.actorOrSystem(req.Actor)

	err := s.runner.Run(ctx, "ledger_debit", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := ensureNewReference(ctx, tx, reference); err != nil {
			return err
		}

		w, err := lockWalletByNumber(ctx, tx, req.WalletNumber)
		if err != nil {
			return err
		}
		if err := s.checkSpendable(w, req.Amount); err != nil {
			return err
		}

		if err := adjustBalance(ctx, tx, w.ID, req.Amount.Neg()); err != nil {
			return err
		}
		if err := s.writeMovement(ctx, tx, t, actor); err != nil {
			return err
		}
		return s.auditBalance(ctx, tx, w.ID, w.WalletNumber, w.Balance, w.Balance.Sub(req.Amount), actor)
	})

	return s.finish(ctx, t, req.WalletNumber, actor, err)
}

// Transfer moves funds between two wallets. Both rows are locked in
// ascending id order so opposite transfers cannot deadlock each other.
func (s *LedgerService) Transfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	if req.From == req.To {
		return nil, apperr.New(apperr.KindInvalidRequest, "Cannot transfer to the same wallet")
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := s.pins.Verify(ctx, req.From, req.PIN); err != nil {
		s.metrics.LedgerOperation(string(models.TxTransfer), "rejected")
		return nil, err
	}

	reference := referenceOrNew(req.Reference, "TRF")
	t := models.NewTransaction(reference, models.Transfer{From: req.From, To: req.To},
		req.Amount, s.opts.Currency, req.Narration, models.StatusPending)
	actor := s.actorOrSystem(req.Actor)

	err := s.runner.Run(ctx, "ledger_transfer", func(ctx context.Context, tx *sqlx.Tx) error {
		t.Status = models.StatusPending
		if err := ensureNewReference(ctx, tx, reference); err != nil {
			return err
		}

		senderID, err := walletID(ctx, tx, req.From, "Sender wallet not found")
		if err != nil {
			return err
		}
		receiverID, err := walletID(ctx, tx, req.To, "Receiver wallet not found")
		if err != nil {
			return err
		}

		var sender, receiver lockedWallet
		if senderID < receiverID {
			if sender, err = lockWalletByID(ctx, tx, senderID); err != nil {
				return err
			}
			if receiver, err = lockWalletByID(ctx, tx, receiverID); err != nil {
				return err
			}
		} else {
			if receiver, err = lockWalletByID(ctx, tx, receiverID); err != nil {
				return err
			}
			if sender, err = lockWalletByID(ctx, tx, senderID); err != nil {
				return err
			}
		}

		if err := s.checkSpendable(sender, req.Amount); err != nil {
			return err
		}
		if err := s.checkCurrency(receiver); err != nil {
			return err
		}

		if err := adjustBalance(ctx, tx, sender.ID, req.Amount.Neg()); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, receiver.ID, req.Amount); err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		for _, leg := range t.Legs() {
			if err := insertEntry(ctx, tx, reference, leg, req.Amount); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2`,
			models.StatusSuccessful, t.ID); err != nil {
			return fmt.Errorf("finalize transfer: %w", err)
		}
		t.Status = models.StatusSuccessful

		if err := enqueueEvent(ctx, tx, t, ""); err != nil {
			return err
		}
		if err := s.auditTransaction(ctx, tx, t, actor); err != nil {
			return err
		}
		if err := s.auditBalance(ctx, tx, sender.ID, sender.WalletNumber, sender.Balance, sender.Balance.Sub(req.Amount), actor); err != nil {
			return err
		}
		return s.auditBalance(ctx, tx, receiver.ID, receiver.WalletNumber, receiver.Balance, receiver.Balance.Add(req.Amount), actor)
	})

	return s.finish(ctx, t, req.From, actor, err)
}

// writeMovement stores a single-leg transaction with its entry, outbox event
// and audit record.
func (s *LedgerService) writeMovement(ctx context.Context, tx *sqlx.Tx, t *models.Transaction, actor string) error {
	if err := insertTransaction(ctx, tx, t); err != nil {
		return err
	}
	for _, leg := range t.Legs() {
		if err := insertEntry(ctx, tx, t.Reference, leg, t.Amount); err != nil {
			return err
		}
	}
	if err := enqueueEvent(ctx, tx, t, ""); err != nil {
		return err
	}
	return s.auditTransaction(ctx, tx, t, actor)
}

// finish records the outcome. Any failure other than a duplicate reference
// leaves a REVERSAL record behind before the error is returned.
func (s *LedgerService) finish(ctx context.Context, t *models.Transaction, walletNumber, actor string, err error) (*models.Transaction, error) {
	fields := logrus.Fields{
		"reference": t.Reference,
		"type":      t.Type,
		"amount":    t.Amount.StringFixed(2),
	}
	if err == nil {
		s.metrics.LedgerOperation(string(t.Type), "success")
		s.log.WithFields(fields).Info("transaction completed")
		return t, nil
	}

	if errors.Is(err, apperr.ErrAlreadyProcessed) {
		s.metrics.LedgerOperation(string(t.Type), "duplicate")
		s.log.WithFields(fields).Info("duplicate transaction reference")
		return nil, err
	}

	s.metrics.LedgerOperation(string(t.Type), "failed")
	s.log.WithFields(fields).WithError(err).Warn("transaction failed")
	if revErr := s.recordReversal(ctx, t, walletNumber, actor, err); revErr != nil {
		s.log.WithFields(fields).WithError(revErr).Error("failed to record reversal")
	}
	return nil, err
}

func (s *LedgerService) recordReversal(ctx context.Context, failed *models.Transaction, walletNumber, actor string, cause error) error {
	// Fixed length, so it fits the reference column whatever the original was.
	// reverses_reference carries the link back.
	reference := "REV-" + uuid.NewString()
	rev := models.NewTransaction(reference, models.Reversal{WalletNumber: walletNumber, Of: failed.Reference},
		failed.Amount, failed.Currency, failed.Narration, models.StatusRollback)
	reason := apperr.PublicMessage(cause)

	return s.runner.Run(context.WithoutCancel(ctx), "ledger_reversal", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := insertTransaction(ctx, tx, rev); err != nil {
			return err
		}
		if err := enqueueEvent(ctx, tx, rev, reason); err != nil {
			return err
		}
		return s.auditTransaction(ctx, tx, rev, actor)
	})
}

func (s *LedgerService) validateDebit(kind models.TransactionType, amount decimal.Decimal) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	switch kind {
	case models.TxWithdrawal:
	case models.TxBillPayment:
		if amount.LessThan(s.opts.BillMinimum) {
			return apperr.New(apperr.KindInvalidAmount,
				fmt.Sprintf("Minimum bill payment amount is %s", s.opts.BillMinimum.StringFixed(2)))
		}
	case models.TxAirtimePurchase:
		if amount.LessThan(s.opts.AirtimeMinimum) {
			return apperr.New(apperr.KindInvalidAmount,
				fmt.Sprintf("Minimum airtime amount is %s", s.opts.AirtimeMinimum.StringFixed(2)))
		}
	default:
		return apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("Unsupported debit type %s", kind))
	}
	return nil
}

func (s *LedgerService) checkSpendable(w lockedWallet, amount decimal.Decimal) error {
	if w.IsLocked {
		return lockedErr()
	}
	if err := s.checkCurrency(w); err != nil {
		return err
	}
	if w.Balance.LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds, "Insufficient funds")
	}
	return nil
}

func (s *LedgerService) checkCurrency(w lockedWallet) error {
	if w.Currency != s.opts.Currency {
		return apperr.New(apperr.KindInvalidRequest,
			fmt.Sprintf("Wallet %s holds %s; only %s is supported", w.WalletNumber, w.Currency, s.opts.Currency))
	}
	return nil
}

func (s *LedgerService) auditBalance(ctx context.Context, tx *sqlx.Tx, id int64, walletNumber string, before, after decimal.Decimal, actor string) error {
	_, err := s.audit.Append(ctx, tx, audit.Entry{
		Table:     "wallets",
		RecordID:  strconv.FormatInt(id, 10),
		Operation: models.OpUpdate,
		Before:    models.BalanceSnapshot{WalletNumber: walletNumber, Balance: before},
		After:     models.BalanceSnapshot{WalletNumber: walletNumber, Balance: after},
		Actor:     actor,
	})
	return err
}

func (s *LedgerService) auditTransaction(ctx context.Context, tx *sqlx.Tx, t *models.Transaction, actor string) error {
	_, err := s.audit.Append(ctx, tx, audit.Entry{
		Table:     "transactions",
		RecordID:  t.Reference,
		Operation: models.OpInsert,
		After:     t,
		Actor:     actor,
	})
	return err
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.New(apperr.KindInvalidAmount, "Amount must be greater than zero")
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return apperr.New(apperr.KindInvalidAmount, "Amount cannot have more than 2 decimal places")
	}
	return nil
}

func referenceOrNew(reference, prefix string) string {
	if reference != "" {
		return reference
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func referencePrefix(kind models.TransactionType) string {
	switch kind {
	case models.TxBillPayment:
		return "BIL"
	case models.TxAirtimePurchase:
		return "AIR"
	default:
		return "WDR"
	}
}

func (s *LedgerService) actorOrSystem(actor string) string {
	if actor == "" {
		return s.opts.SystemActor
	}
	return actor
}

func ensureNewReference(ctx context.Context, tx *sqlx.Tx, reference string) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE reference = $1)`, reference); err != nil {
		return fmt.Errorf("check reference: %w", err)
	}
	if exists {
		return alreadyProcessed()
	}
	return nil
}

func alreadyProcessed() error {
	return apperr.New(apperr.KindAlreadyProcessed, "Transaction with this reference has already been processed")
}

func walletID(ctx context.Context, tx *sqlx.Tx, walletNumber, missing string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `SELECT id FROM wallets WHERE wallet_number = $1`, walletNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.New(apperr.KindNotFound, missing)
	}
	if err != nil {
		return 0, fmt.Errorf("look up wallet: %w", err)
	}
	return id, nil
}

func lockWalletByNumber(ctx context.Context, tx *sqlx.Tx, walletNumber string) (lockedWallet, error) {
	var w lockedWallet
	err := tx.GetContext(ctx, &w, `
		SELECT id, wallet_number, balance, currency, is_locked
		FROM wallets WHERE wallet_number = $1 FOR UPDATE`, walletNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return w, apperr.New(apperr.KindNotFound, "Wallet not found")
	}
	if err != nil {
		return w, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

func lockWalletByID(ctx context.Context, tx *sqlx.Tx, id int64) (lockedWallet, error) {
	var w lockedWallet
	err := tx.GetContext(ctx, &w, `
		SELECT id, wallet_number, balance, currency, is_locked
		FROM wallets WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return w, apperr.New(apperr.KindNotFound, "Wallet not found")
	}
	if err != nil {
		return w, fmt.Errorf("lock wallet: %w", err)
	}
	return w, nil
}

// adjustBalance applies a signed delta in place so concurrent writers never
// overwrite each other's result.
func adjustBalance(ctx context.Context, tx *sqlx.Tx, id int64, delta decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE wallets SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, delta, id); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *models.Transaction) error {
	err := tx.QueryRowxContext(ctx, `
		INSERT INTO transactions (reference, type, amount, currency, narration, wallet_number,
			sender_wallet_number, receiver_wallet_number, reverses_reference, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		t.Reference, t.Type, t.Amount, t.Currency, t.Narration, t.WalletNumber,
		t.SenderWalletNumber, t.ReceiverWalletNumber, t.ReversesReference, t.Status,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return alreadyProcessed()
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, reference string, leg models.Leg, amount decimal.Decimal) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (transaction_reference, wallet_number, entry_type, amount)
		VALUES ($1, $2, $3, $4)`,
		reference, leg.WalletNumber, leg.EntryType, amount); err != nil {
		return fmt.Errorf("insert %s entry: %w", leg.EntryType, err)
	}
	return nil
}

func enqueueEvent(ctx context.Context, tx *sqlx.Tx, t *models.Transaction, reason string) error {
	event := models.EventFrom(t)
	event.Reason = reason
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		models.AggregateTransaction, t.Reference, models.EventTypeFor(t.Type), string(payload)); err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}
