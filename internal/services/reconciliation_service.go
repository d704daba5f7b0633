package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/clock"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const findingColumns = `id, wallet_id, wallet_number, computed_balance, actual_balance, difference,
	status, review_status, reviewed_by, resolution_notes, resolved_at, created_at, updated_at`

// ReconciliationService compares every wallet balance with the signed sum of
// its ledger entries, logs drift for review and applies operator fixes.
type ReconciliationService struct {
	runner   *database.TxRunner
	audit    AuditAppender
	notifier Notifier
	clock    clock.Clock
	log      *logrus.Logger
	metrics  *metrics.Metrics
}

func NewReconciliationService(runner *database.TxRunner, appender AuditAppender, notifier Notifier, c clock.Clock, log *logrus.Logger, m *metrics.Metrics) *ReconciliationService {
	if c == nil {
		c = clock.RealClock{}
	}
	return &ReconciliationService{
		runner:   runner,
		audit:    appender,
		notifier: notifier,
		clock:    c,
		log:      log,
		metrics:  m,
	}
}

// Run scans all wallets, logs each mismatch as a pending finding unless an
// identical pending finding was already logged today, and sends one summary
// alert when anything is out of balance.
func (s *ReconciliationService) Run(ctx context.Context) (*models.ReconciliationReport, error) {
	report := &models.ReconciliationReport{StartedAt: s.clock.Now()}
	s.log.Info("starting ledger reconciliation")

	err := s.runner.Run(ctx, "reconcile", func(ctx context.Context, tx *sqlx.Tx) error {
		report.Inconsistent = nil
		report.Logged, report.SkippedAsDupes = 0, 0

		if err := tx.GetContext(ctx, &report.Scanned, `SELECT COUNT(*) FROM wallets`); err != nil {
			return fmt.Errorf("count wallets: %w", err)
		}

		var drifted []models.WalletLedgerBalance
		if err := tx.SelectContext(ctx, &drifted, `
			SELECT wallet_id, wallet_number, actual_balance, computed_balance
			FROM vw_wallet_ledger_balances
			WHERE actual_balance <> computed_balance
			ORDER BY wallet_id`); err != nil {
			return fmt.Errorf("scan ledger balances: %w", err)
		}

		startOfDay := truncateDay(report.StartedAt)
		for _, b := range drifted {
			f := models.Finding{
				WalletID:        b.WalletID,
				WalletNumber:    b.WalletNumber,
				ComputedBalance: b.ComputedBalance,
				ActualBalance:   b.ActualBalance,
				Difference:      b.Difference(),
				Status:          models.FindingInconsistent,
				ReviewStatus:    models.ReviewPending,
			}

			var dup bool
			if err := tx.GetContext(ctx, &dup, `
				SELECT EXISTS (
					SELECT 1 FROM ledger_audit_log
					WHERE wallet_id = $1 AND difference = $2
					  AND review_status = 'pending' AND created_at >= $3
				)`, b.WalletID, f.Difference, startOfDay); err != nil {
				return fmt.Errorf("check existing finding: %w", err)
			}
			if dup {
				report.SkippedAsDupes++
				report.Inconsistent = append(report.Inconsistent, f)
				continue
			}

			if err := tx.QueryRowxContext(ctx, `
				INSERT INTO ledger_audit_log
					(wallet_id, wallet_number, computed_balance, actual_balance, difference, status, review_status)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				RETURNING id, created_at, updated_at`,
				f.WalletID, f.WalletNumber, f.ComputedBalance, f.ActualBalance, f.Difference, f.Status, f.ReviewStatus,
			).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt); err != nil {
				return fmt.Errorf("log finding: %w", err)
			}
			report.Logged++
			report.Inconsistent = append(report.Inconsistent, f)
		}
		return nil
	})
	report.FinishedAt = s.clock.Now()
	if err != nil {
		s.metrics.Reconciled(0, err)
		s.log.WithError(err).Error("ledger reconciliation failed")
		return nil, err
	}

	s.metrics.Reconciled(len(report.Inconsistent), nil)
	fields := logrus.Fields{
		"scanned":      report.Scanned,
		"inconsistent": len(report.Inconsistent),
		"logged":       report.Logged,
		"duplicates":   report.SkippedAsDupes,
	}
	if len(report.Inconsistent) == 0 {
		s.log.WithFields(fields).Info("ledger fully consistent across all wallets")
		return report, nil
	}

	s.log.WithFields(fields).Warn("ledger inconsistencies detected")
	if err := s.notifier.Send(ctx, alertSubject(report), alertBody(report)); err != nil {
		s.log.WithError(err).Warn("failed to send reconciliation alert")
	}
	return report, nil
}

// ListInconsistencies returns findings with the given review status, or every
// unresolved finding when status is empty.
func (s *ReconciliationService) ListInconsistencies(ctx context.Context, status models.ReviewStatus) ([]models.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM ledger_audit_log WHERE review_status <> 'resolved' ORDER BY created_at DESC, id DESC`
	args := []interface{}{}
	if status != "" {
		query = `SELECT ` + findingColumns + ` FROM ledger_audit_log WHERE review_status = $1 ORDER BY created_at DESC, id DESC`
		args = append(args, status)
	}

	findings := []models.Finding{}
	if err := s.runner.DB().SelectContext(ctx, &findings, query, args...); err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	return findings, nil
}

// Recompute re-runs the ledger aggregation for one wallet so an operator can
// confirm a mismatch still exists before fixing it.
func (s *ReconciliationService) Recompute(ctx context.Context, walletNumber string) (*models.WalletLedgerBalance, error) {
	var b models.WalletLedgerBalance
	err := s.runner.DB().GetContext(ctx, &b, `
		SELECT wallet_id, wallet_number, actual_balance, computed_balance
		FROM vw_wallet_ledger_balances WHERE wallet_number = $1`, walletNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.KindNotFound, "Wallet not found")
	}
	if err != nil {
		return nil, fmt.Errorf("recompute wallet: %w", err)
	}
	return &b, nil
}

// MarkUnderReview claims a pending finding for a reviewer.
func (s *ReconciliationService) MarkUnderReview(ctx context.Context, auditID int64, reviewer string) (*models.Finding, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "Reviewer is required")
	}

	var f models.Finding
	err := s.runner.Run(ctx, "reconcile_review", func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		if f, err = lockFinding(ctx, tx, auditID); err != nil {
			return err
		}
		if f.ReviewStatus == models.ReviewResolved {
			return apperr.New(apperr.KindAlreadyProcessed, "Finding has already been resolved")
		}
		return tx.QueryRowxContext(ctx, `
			UPDATE ledger_audit_log
			SET review_status = $1, reviewed_by = $2, updated_at = NOW()
			WHERE id = $3
			RETURNING `+findingColumns,
			models.ReviewUnderReview, reviewer, auditID,
		).StructScan(&f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Resolve recomputes the wallet's ledger balance under the wallet row lock,
// sets the stored balance to it and closes the finding in the same unit. If
// the drift has already corrected itself the balance is left alone and the
// finding is still closed with the note.
func (s *ReconciliationService) Resolve(ctx context.Context, auditID int64, reviewer, note string) (*models.Finding, error) {
	if strings.TrimSpace(reviewer) == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "Reviewer is required")
	}

	var (
		f                 models.Finding
		oldBalance, fixed decimal.Decimal
	)
	err := s.runner.Run(ctx, "reconcile_resolve", func(ctx context.Context, tx *sqlx.Tx) error {
		var err error
		if f, err = lockFinding(ctx, tx, auditID); err != nil {
			return err
		}
		if f.ReviewStatus == models.ReviewResolved {
			return apperr.New(apperr.KindAlreadyProcessed, "Finding has already been resolved")
		}

		w, err := lockWalletByID(ctx, tx, f.WalletID)
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &fixed, `
			SELECT COALESCE(SUM(CASE WHEN entry_type = 'CREDIT' THEN amount ELSE -amount END), 0)
			FROM ledger_entries WHERE wallet_number = $1`, w.WalletNumber); err != nil {
			return fmt.Errorf("recompute balance: %w", err)
		}
		oldBalance = w.Balance

		resolution := note
		if !fixed.Equal(w.Balance) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`, fixed, w.ID); err != nil {
				return fmt.Errorf("fix balance: %w", err)
			}
			if _, err := s.audit.Append(ctx, tx, audit.Entry{
				Table:     "wallets",
				RecordID:  strconv.FormatInt(w.ID, 10),
				Operation: models.OpUpdate,
				Before:    models.BalanceSnapshot{WalletNumber: w.WalletNumber, Balance: w.Balance},
				After:     models.BalanceSnapshot{WalletNumber: w.WalletNumber, Balance: fixed},
				Actor:     reviewer,
			}); err != nil {
				return err
			}
			if resolution == "" {
				resolution = fmt.Sprintf("Balance fixed from %s to %s", w.Balance.StringFixed(2), fixed.StringFixed(2))
			}
		} else if resolution == "" {
			resolution = "Drift no longer present; balance left unchanged"
		}

		before := f
		if err := tx.QueryRowxContext(ctx, `
			UPDATE ledger_audit_log
			SET computed_balance = $1, actual_balance = $1, difference = 0,
			    status = $2, review_status = $3, reviewed_by = $4,
			    resolution_notes = $5, resolved_at = $6, updated_at = NOW()
			WHERE id = $7
			RETURNING `+findingColumns,
			fixed, models.FindingConsistent, models.ReviewResolved, reviewer, resolution, s.clock.Now(), auditID,
		).StructScan(&f); err != nil {
			return fmt.Errorf("resolve finding: %w", err)
		}

		_, err = s.audit.Append(ctx, tx, audit.Entry{
			Table:     "ledger_audit_log",
			RecordID:  strconv.FormatInt(auditID, 10),
			Operation: models.OpUpdate,
			Before:    before,
			After:     f,
			Actor:     reviewer,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"audit_id":    auditID,
		"wallet_id":   f.WalletID,
		"old_balance": oldBalance.StringFixed(2),
		"new_balance": fixed.StringFixed(2),
		"reviewer":    reviewer,
	}).Info("ledger finding resolved")
	return &f, nil
}

func lockFinding(ctx context.Context, tx *sqlx.Tx, auditID int64) (models.Finding, error) {
	var f models.Finding
	err := tx.GetContext(ctx, &f, `SELECT `+findingColumns+` FROM ledger_audit_log WHERE id = $1 FOR UPDATE`, auditID)
	if errors.Is(err, sql.ErrNoRows) {
		return f, apperr.New(apperr.KindNotFound, "Audit record not found")
	}
	if err != nil {
		return f, fmt.Errorf("lock finding: %w", err)
	}
	return f, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func alertSubject(r *models.ReconciliationReport) string {
	return fmt.Sprintf("Ledger reconciliation: %d wallet(s) out of balance", len(r.Inconsistent))
}

func alertBody(r *models.ReconciliationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run at %s scanned %d wallet(s); %d new finding(s), %d already logged today.\n\n",
		r.StartedAt.Format(time.RFC3339), r.Scanned, r.Logged, r.SkippedAsDupes)
	for _, f := range r.Inconsistent {
		fmt.Fprintf(&b, "wallet %s: stored %s, ledger %s, difference %s\n",
			f.WalletNumber, f.ActualBalance.StringFixed(2), f.ComputedBalance.StringFixed(2), f.Difference.StringFixed(2))
	}
	return b.String()
}
