package services

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/models"
)

// AuditAppender adds a record to the hash chain inside the caller's
// transaction.
type AuditAppender interface {
	Append(ctx context.Context, tx *sqlx.Tx, e audit.Entry) (*models.AuditLog, error)
}

// PinVerifier gates debit-class operations.
type PinVerifier interface {
	Verify(ctx context.Context, walletNumber, pin string) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Publisher delivers one outbox event to the message broker.
type Publisher interface {
	Publish(ctx context.Context, evt models.OutboxEvent) error
}
