package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "walletledger"

// Metrics holds every instrument the service exports. A nil *Metrics is valid
// and records nothing, so components can be constructed without a registry.
type Metrics struct {
	TxAttempts        *prometheus.CounterVec
	TxRetries         *prometheus.CounterVec
	TxSlowCommits     *prometheus.CounterVec
	TxDuration        *prometheus.HistogramVec
	LedgerOperations  *prometheus.CounterVec
	PinFailures       prometheus.Counter
	PinLockouts       prometheus.Counter
	IdempotencyEvents *prometheus.CounterVec
	Inconsistencies   prometheus.Gauge
	ReconcileRuns     *prometheus.CounterVec
	AuditIssues       prometheus.Gauge
	OutboxEvents      *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TxAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "attempts_total",
			Help: "Transaction attempts by unit name and outcome.",
		}, []string{"unit", "outcome"}),
		TxRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "retries_total",
			Help: "Retries after transient store errors.",
		}, []string{"unit"}),
		TxSlowCommits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tx", Name: "slow_commits_total",
			Help: "Committed transactions slower than the slow threshold.",
		}, []string{"unit"}),
		TxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "tx", Name: "duration_seconds",
			Help:    "Duration of committed transactions.",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .3, .5, 1, 2},
		}, []string{"unit"}),
		LedgerOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by transaction type and outcome.",
		}, []string{"type", "outcome"}),
		PinFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pin", Name: "failures_total",
			Help: "Wrong PIN attempts.",
		}),
		PinLockouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pin", Name: "lockouts_total",
			Help: "Wallets locked after too many wrong PIN attempts.",
		}),
		IdempotencyEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "idempotency", Name: "events_total",
			Help: "Idempotency gate decisions (executed, replayed, conflict).",
		}, []string{"event"}),
		Inconsistencies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconciliation", Name: "inconsistencies",
			Help: "Wallets found inconsistent by the last reconciliation run.",
		}),
		ReconcileRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "reconciliation", Name: "runs_total",
			Help: "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		AuditIssues: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "audit", Name: "chain_issues",
			Help: "Issues reported by the last audit chain verification.",
		}),
		OutboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "events_total",
			Help: "Outbox relay results by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveTx(unit, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.TxAttempts.WithLabelValues(unit, outcome).Inc()
	if outcome == "committed" {
		m.TxDuration.WithLabelValues(unit).Observe(seconds)
	}
}

func (m *Metrics) TxRetried(unit string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(unit).Inc()
}

func (m *Metrics) TxSlow(unit string) {
	if m == nil {
		return
	}
	m.TxSlowCommits.WithLabelValues(unit).Inc()
}

func (m *Metrics) LedgerOperation(txType, outcome string) {
	if m == nil {
		return
	}
	m.LedgerOperations.WithLabelValues(txType, outcome).Inc()
}

func (m *Metrics) PinFailed(locked bool) {
	if m == nil {
		return
	}
	m.PinFailures.Inc()
	if locked {
		m.PinLockouts.Inc()
	}
}

func (m *Metrics) Idempotency(event string) {
	if m == nil {
		return
	}
	m.IdempotencyEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Reconciled(inconsistent int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ReconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.ReconcileRuns.WithLabelValues("ok").Inc()
	m.Inconsistencies.Set(float64(inconsistent))
}

func (m *Metrics) AuditVerified(issues int) {
	if m == nil {
		return
	}
	m.AuditIssues.Set(float64(issues))
}

func (m *Metrics) Outbox(outcome string) {
	if m == nil {
		return
	}
	m.OutboxEvents.WithLabelValues(outcome).Inc()
}
