// Package app wires the ledger components from configuration. The server
// and the operator CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/clock"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/hsm"
	"github.com/ruralpay/walletledger/internal/jobs"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/notify"
	"github.com/ruralpay/walletledger/internal/services"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	DB      *sqlx.DB
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Runner         *database.TxRunner
	Pins           *services.PinService
	Ledger         *services.LedgerService
	Transactions   *services.TransactionService
	Idempotency    *services.IdempotencyService
	Reconciliation *services.ReconciliationService
	Verifier       *audit.Verifier
	Notifier       notify.Notifier
	Tasks          *jobs.Tasks
}

// New connects to Postgres and, when reachable, Redis. reg may be nil when
// metrics are not exported.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, reg prometheus.Registerer) (*App, error) {
	billMin, err := decimal.NewFromString(cfg.Ledger.MinBillPayment)
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_MIN_BILL_PAYMENT %q: %w", cfg.Ledger.MinBillPayment, err)
	}
	airtimeMin, err := decimal.NewFromString(cfg.Ledger.MinAirtime)
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_MIN_AIRTIME %q: %w", cfg.Ledger.MinAirtime, err)
	}

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	a := &App{Config: cfg, Log: log, DB: db, Metrics: m}
	a.Redis = database.InitRedis(ctx, cfg.Redis, log)

	a.Runner = database.NewTxRunner(db, database.RetryPolicy{
		MaxAttempts:    cfg.Ledger.MaxAttempts,
		InitialBackoff: cfg.Ledger.InitialBackoff,
		Multiplier:     cfg.Ledger.BackoffFactor,
		Jitter:         cfg.Ledger.Jitter,
		SlowThreshold:  cfg.Ledger.SlowThreshold,
	}, log, m)

	realClock := clock.RealClock{}
	chain := audit.NewStore(realClock)
	hasher := hsm.NewArgon2Hasher(hsm.Argon2Config{
		Time:    cfg.Pin.Argon2Time,
		Memory:  cfg.Pin.Argon2Memory,
		Threads: cfg.Pin.Argon2Threads,
		KeyLen:  cfg.Pin.Argon2KeyLen,
		SaltLen: cfg.Pin.Argon2SaltLen,
	})

	a.Pins = services.NewPinService(a.Runner, hasher, chain, cfg.Pin.MaxAttempts, cfg.Pin.Length, log, m)
	a.Ledger = services.NewLedgerService(a.Runner, a.Pins, chain, services.LedgerOptions{
		Currency:       cfg.Ledger.Currency,
		BillMinimum:    billMin,
		AirtimeMinimum: airtimeMin,
		SystemActor:    cfg.Ledger.SystemActor,
	}, log, m)
	a.Transactions = services.NewTransactionService(a.Runner, log)

	var locker services.Locker = services.NewPostgresLocker(db)
	if a.Redis != nil {
		locker = services.NewFallbackLocker(services.NewRedisLocker(a.Redis), locker, log)
	}
	a.Idempotency = services.NewIdempotencyService(db, a.Redis, locker, services.IdempotencyOptions{
		TTL:      cfg.Idempotency.TTL,
		CacheTTL: cfg.Idempotency.CacheTTL,
		LockTTL:  cfg.Idempotency.LockTTL,
	}, realClock, log, m)

	a.Notifier = notify.FromConfig(cfg.Alerts, log)
	a.Reconciliation = services.NewReconciliationService(a.Runner, chain, a.Notifier, realClock, log, m)
	a.Verifier = audit.NewVerifier(db, 0)
	a.Tasks = jobs.NewTasks(a.Reconciliation, a.Verifier, a.Idempotency, a.Notifier, log, m)

	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.WithError(err).Warn("failed to close redis")
		}
	}
	if err := a.DB.Close(); err != nil {
		a.Log.WithError(err).Warn("failed to close database")
	}
}
