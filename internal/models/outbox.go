package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventWalletCredited      EventType = "WalletCredited"
	EventWalletDebited       EventType = "WalletDebited"
	EventBillPaid            EventType = "BillPaid"
	EventAirtimePurchased    EventType = "AirtimePurchased"
	EventTransferCompleted   EventType = "TransferCompleted"
	EventTransactionReversed EventType = "TransactionReversed"
)

const AggregateTransaction = "Transaction"

// EventTypeFor maps a transaction type to the event emitted when it succeeds.
func EventTypeFor(t TransactionType) EventType {
	switch t {
	case TxDeposit:
		return EventWalletCredited
	case TxBillPayment:
		return EventBillPaid
	case TxAirtimePurchase:
		return EventAirtimePurchased
	case TxTransfer:
		return EventTransferCompleted
	case TxReversal:
		return EventTransactionReversed
	default:
		return EventWalletDebited
	}
}

type OutboxEvent struct {
	ID            int64           `json:"id" db:"id"`
	AggregateType string          `json:"aggregate_type" db:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id" db:"aggregate_id"`
	EventType     EventType       `json:"event_type" db:"event_type"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	Published     bool            `json:"published" db:"published"`
	PublishedAt   *time.Time      `json:"published_at,omitempty" db:"published_at"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// TransactionEvent is the payload of every transaction outbox event.
type TransactionEvent struct {
	Reference            string          `json:"reference"`
	Type                 TransactionType `json:"type"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Narration            string          `json:"narration,omitempty"`
	WalletNumber         string          `json:"wallet_number,omitempty"`
	SenderWalletNumber   string          `json:"sender_wallet_number,omitempty"`
	ReceiverWalletNumber string          `json:"receiver_wallet_number,omitempty"`
	ReversesReference    string          `json:"reverses_reference,omitempty"`
	Reason               string          `json:"reason,omitempty"`
	Status               string          `json:"status"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EventFrom builds the outbox payload for a stored transaction.
func EventFrom(t *Transaction) TransactionEvent {
	return TransactionEvent{
		Reference:            t.Reference,
		Type:                 t.Type,
		Amount:               t.Amount,
		Currency:             t.Currency,
		Narration:            t.Narration,
		WalletNumber:         deref(t.WalletNumber),
		SenderWalletNumber:   deref(t.SenderWalletNumber),
		ReceiverWalletNumber: deref(t.ReceiverWalletNumber),
		ReversesReference:    deref(t.ReversesReference),
		Status:               string(t.Status),
		OccurredAt:           t.CreatedAt,
	}
}
