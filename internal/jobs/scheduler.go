package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruralpay/walletledger/internal/config"
	"github.com/sirupsen/logrus"
)

const jobTimeout = 30 * time.Minute

type Scheduler struct {
	cron  *cron.Cron
	tasks *Tasks
	log   *logrus.Logger
}

// NewScheduler registers every job whose spec is non-empty. Specs use the
// standard five-field cron syntax or descriptors such as "@daily".
func NewScheduler(cfg config.SchedulerConfig, tasks *Tasks, log *logrus.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:  cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		tasks: tasks,
		log:   log,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"reconciliation", cfg.ReconciliationSpec, func(ctx context.Context) error {
			_, err := tasks.Reconcile(ctx)
			return err
		}},
		{"audit_verify", cfg.AuditVerifySpec, func(ctx context.Context) error {
			_, err := tasks.VerifyAudit(ctx)
			return err
		}},
		{"idempotency_gc", cfg.IdempotencyGCSpec, func(ctx context.Context) error {
			_, err := tasks.CleanupIdempotency(ctx, 0)
			return err
		}},
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, s.wrap(j.name, j.run)); err != nil {
			return nil, fmt.Errorf("invalid cron spec %q for %s: %w", j.spec, j.name, err)
		}
		log.WithFields(logrus.Fields{"job": j.name, "spec": j.spec}).Info("scheduled job")
	}
	return s, nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		err := run(ctx)
		entry := s.log.WithFields(logrus.Fields{
			"job":         name,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if err != nil {
			entry.WithError(err).Error("scheduled job failed")
			return
		}
		entry.Debug("scheduled job completed")
	}
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
}
