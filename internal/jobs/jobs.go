// Package jobs holds the periodic maintenance tasks and their cron schedule.
package jobs

import (
	"context"
	"fmt"
	"strings"

	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

type Reconciler interface {
	Run(ctx context.Context) (*models.ReconciliationReport, error)
}

type ChainVerifier interface {
	Verify(ctx context.Context) ([]string, error)
}

type IdempotencyCleaner interface {
	DeleteExpired(ctx context.Context, batchSize int) (int64, error)
}

type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Tasks runs each maintenance job once. The scheduler and ledgerctl share it.
type Tasks struct {
	reconciler Reconciler
	verifier   ChainVerifier
	cleaner    IdempotencyCleaner
	notifier   Notifier
	log        *logrus.Logger
	metrics    *metrics.Metrics
}

func NewTasks(r Reconciler, v ChainVerifier, c IdempotencyCleaner, n Notifier, log *logrus.Logger, m *metrics.Metrics) *Tasks {
	return &Tasks{reconciler: r, verifier: v, cleaner: c, notifier: n, log: log, metrics: m}
}

func (t *Tasks) Reconcile(ctx context.Context) (*models.ReconciliationReport, error) {
	report, err := t.reconciler.Run(ctx)
	if err != nil {
		t.log.WithError(err).Error("reconciliation failed")
		return nil, err
	}
	t.log.WithFields(logrus.Fields{
		"scanned":      report.Scanned,
		"inconsistent": len(report.Inconsistent),
		"logged":       report.Logged,
		"duplicates":   report.SkippedAsDupes,
	}).Info("reconciliation finished")
	return report, nil
}

// VerifyAudit walks the audit chain and alerts when it is broken.
func (t *Tasks) VerifyAudit(ctx context.Context) ([]string, error) {
	issues, err := t.verifier.Verify(ctx)
	if err != nil {
		t.log.WithError(err).Error("audit verification failed")
		return nil, err
	}
	t.metrics.AuditVerified(len(issues))

	if len(issues) == 0 {
		t.log.Info("audit chain intact")
		return issues, nil
	}

	t.log.WithField("issues", len(issues)).Error("audit chain integrity violation")
	subject := fmt.Sprintf("Audit chain verification failed: %d issue(s)", len(issues))
	if err := t.notifier.Send(ctx, subject, strings.Join(issues, "\n")); err != nil {
		t.log.WithError(err).Warn("failed to send audit alert")
	}
	return issues, nil
}

func (t *Tasks) CleanupIdempotency(ctx context.Context, batchSize int) (int64, error) {
	n, err := t.cleaner.DeleteExpired(ctx, batchSize)
	if err != nil {
		t.log.WithError(err).Error("idempotency cleanup failed")
		return n, err
	}
	t.log.WithField("deleted", n).Info("idempotency cleanup finished")
	return n, nil
}
