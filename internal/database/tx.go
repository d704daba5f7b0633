package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/sirupsen/logrus"
)

// RetryPolicy controls how TxRunner retries transient failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	Jitter         float64 // fraction of the delay, 0.2 means +/-20%
	SlowThreshold  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		Multiplier:     1.5,
		Jitter:         0.2,
		SlowThreshold:  300 * time.Millisecond,
	}
}

// TxFunc is one unit of work. It must only touch the store through tx and must
// not perform external I/O.
type TxFunc func(ctx context.Context, tx *sqlx.Tx) error

// TxRunner owns transaction lifetimes for every ledger unit of work.
type TxRunner struct {
	db      *sqlx.DB
	policy  RetryPolicy
	log     *logrus.Logger
	metrics *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewTxRunner(db *sqlx.DB, policy RetryPolicy, log *logrus.Logger, m *metrics.Metrics) *TxRunner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 1
	}
	return &TxRunner{
		db:      db,
		policy:  policy,
		log:     log,
		metrics: m,
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// DB exposes the pool for statements that must commit independently of any
// unit of work, such as PIN attempt counters.
func (r *TxRunner) DB() *sqlx.DB {
	return r.db
}

// Run executes fn in a READ COMMITTED transaction, committing on success and
// rolling back on error. Transient errors are retried with exponential backoff;
// every other error is returned unchanged after the first attempt. No lock is
// held while waiting between attempts because the failed attempt has already
// rolled back.
func (r *TxRunner) Run(ctx context.Context, unit string, fn TxFunc) error {
	backoff := r.policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.attempt(ctx, unit, fn)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.jittered(backoff)
		r.metrics.TxRetried(unit)
		r.log.WithFields(logrus.Fields{
			"unit":    unit,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("transient store error, retrying")

		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
		backoff = time.Duration(float64(backoff) * r.policy.Multiplier)
	}

	r.log.WithFields(logrus.Fields{
		"unit":     unit,
		"attempts": r.policy.MaxAttempts,
	}).WithError(lastErr).Error("transaction retries exhausted")
	return apperr.Wrap(apperr.KindTransient, "the ledger is busy, please retry", lastErr)
}

func (r *TxRunner) attempt(ctx context.Context, unit string, fn TxFunc) error {
	start := r.now()

	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		if IsConnectionError(err) {
			return apperr.Wrap(apperr.KindTransient, "database connection unavailable", fmt.Errorf("begin %s: %w", unit, err))
		}
		return fmt.Errorf("begin %s: %w", unit, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.log.WithField("unit", unit).WithError(rbErr).Error("rollback failed")
		}
	}()

	if err := fn(ctx, tx); err != nil {
		r.metrics.ObserveTx(unit, "rolled_back", 0)
		return err
	}

	if err := tx.Commit(); err != nil {
		r.metrics.ObserveTx(unit, "commit_failed", 0)
		return fmt.Errorf("commit %s: %w", unit, err)
	}
	committed = true

	elapsed := r.now().Sub(start)
	r.metrics.ObserveTx(unit, "committed", elapsed.Seconds())
	if r.policy.SlowThreshold > 0 && elapsed > r.policy.SlowThreshold {
		r.metrics.TxSlow(unit)
		r.log.WithFields(logrus.Fields{
			"unit":        unit,
			"duration_ms": elapsed.Milliseconds(),
		}).Warn("slow transaction")
	}
	return nil
}

func (r *TxRunner) jittered(d time.Duration) time.Duration {
	if r.policy.Jitter <= 0 || d <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * r.policy.Jitter * float64(d)
	return d + time.Duration(delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
