package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

// OutboxRelay moves committed outbox rows to the broker. Delivery is
// at-least-once: a row is marked published only after the broker accepted it.
type OutboxRelay struct {
	db        *sqlx.DB
	publisher Publisher
	batchSize int
	log       *logrus.Logger
	metrics   *metrics.Metrics
}

func NewOutboxRelay(db *sqlx.DB, publisher Publisher, batchSize int, log *logrus.Logger, m *metrics.Metrics) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		db:        db,
		publisher: publisher,
		batchSize: batchSize,
		log:       log,
		metrics:   m,
	}
}

// PublishPending publishes one batch and returns how many rows were marked
// published. The claimed rows stay locked until commit so concurrent relays
// skip them instead of double-sending.
func (r *OutboxRelay) PublishPending(ctx context.Context) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer tx.Rollback()

	var events []models.OutboxEvent
	if err := tx.SelectContext(ctx, &events, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, published, published_at, created_at
		FROM outbox
		WHERE published = FALSE
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, r.batchSize); err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	for _, evt := range events {
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.metrics.Outbox("failed")
			r.log.WithFields(logrus.Fields{
				"outbox_id":    evt.ID,
				"event_type":   evt.EventType,
				"aggregate_id": evt.AggregateID,
			}).WithError(err).Warn("outbox publish failed, will retry")
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET published = TRUE, published_at = NOW(), updated_at = NOW() WHERE id = $1`, evt.ID); err != nil {
			return 0, fmt.Errorf("mark outbox row %d published: %w", evt.ID, err)
		}
		r.metrics.Outbox("published")
		published++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	if published > 0 {
		r.log.WithFields(logrus.Fields{"published": published, "claimed": len(events)}).Debug("outbox batch published")
	}
	return published, nil
}

// Start polls until ctx is cancelled. A full batch is followed immediately by
// another poll.
func (r *OutboxRelay) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.WithField("interval", interval.String()).Info("outbox relay started")
	for {
		n, err := r.PublishPending(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.WithError(err).Error("outbox relay batch failed")
		}
		if err == nil && n == r.batchSize {
			continue
		}

		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
		}
	}
}
