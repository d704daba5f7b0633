package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FindingStatus string

const (
	FindingConsistent   FindingStatus = "consistent"
	FindingInconsistent FindingStatus = "inconsistent"
)

type ReviewStatus string

const (
	ReviewPending     ReviewStatus = "pending"
	ReviewUnderReview ReviewStatus = "under_review"
	ReviewResolved    ReviewStatus = "resolved"
)

// Finding is a ledger_audit_log row: one detected wallet/ledger discrepancy
// and its review trail.
type Finding struct {
	ID              int64           `json:"id" db:"id"`
	WalletID        int64           `json:"wallet_id" db:"wallet_id"`
	WalletNumber    string          `json:"wallet_number" db:"wallet_number"`
	ComputedBalance decimal.Decimal `json:"computed_balance" db:"computed_balance"`
	ActualBalance   decimal.Decimal `json:"actual_balance" db:"actual_balance"`
	Difference      decimal.Decimal `json:"difference" db:"difference"`
	Status          FindingStatus   `json:"status" db:"status"`
	ReviewStatus    ReviewStatus    `json:"review_status" db:"review_status"`
	ReviewedBy      *string         `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty" db:"resolution_notes"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// WalletLedgerBalance is one row of vw_wallet_ledger_balances.
type WalletLedgerBalance struct {
	WalletID        int64           `json:"wallet_id" db:"wallet_id"`
	WalletNumber    string          `json:"wallet_number" db:"wallet_number"`
	ActualBalance   decimal.Decimal `json:"actual_balance" db:"actual_balance"`
	ComputedBalance decimal.Decimal `json:"computed_balance" db:"computed_balance"`
}

// Difference is computed minus actual.
func (b WalletLedgerBalance) Difference() decimal.Decimal {
	return b.ComputedBalance.Sub(b.ActualBalance)
}

func (b WalletLedgerBalance) Consistent() bool {
	return b.ComputedBalance.Equal(b.ActualBalance)
}

type ReconciliationReport struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Scanned        int       `json:"scanned"`
	Inconsistent   []Finding `json:"inconsistent"`
	Logged         int       `json:"logged"`
	SkippedAsDupes int       `json:"skipped_as_duplicates"`
}
