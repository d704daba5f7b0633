package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is immutable; corrections are new entries.
type LedgerEntry struct {
	ID                   int64           `json:"id" db:"id"`
	TransactionReference string          `json:"transaction_reference" db:"transaction_reference"`
	WalletNumber         string          `json:"wallet_number" db:"wallet_number"`
	EntryType            EntryType       `json:"entry_type" db:"entry_type"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the entry's contribution to its wallet balance.
func (e LedgerEntry) Signed() decimal.Decimal {
	if e.EntryType == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}
