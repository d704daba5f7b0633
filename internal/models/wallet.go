package models

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

const (
	WalletTypeSavings = "SAVINGS"
	WalletTypeCurrent = "CURRENT"
)

// Wallet is one balance per (customer, wallet type, currency). Balance only
// changes through the ledger engine or reconciliation remediation.
type Wallet struct {
	ID           int64           `json:"id" db:"id"`
	WalletNumber string          `json:"wallet_number" db:"wallet_number"`
	CustomerID   int64           `json:"customer_id" db:"customer_id"`
	WalletType   string          `json:"wallet_type" db:"wallet_type"`
	Currency     string          `json:"currency" db:"currency"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	PinHash      *string         `json:"-" db:"pin_hash"`
	PinAttempts  int             `json:"pin_attempts" db:"pin_attempts"`
	IsLocked     bool            `json:"is_locked" db:"is_locked"`
	Status       WalletStatus    `json:"status" db:"status"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// BalanceSnapshot is the audited view of a wallet balance change.
type BalanceSnapshot struct {
	WalletNumber string          `json:"wallet_number"`
	Balance      decimal.Decimal `json:"balance"`
}

// PinSnapshot is the audited view of a PIN state change. The hash itself is
// never written to the audit chain.
type PinSnapshot struct {
	WalletNumber string `json:"wallet_number"`
	PinSet       bool   `json:"pin_set"`
	PinAttempts  int    `json:"pin_attempts"`
	IsLocked     bool   `json:"is_locked"`
}

var walletPrefixes = map[string]string{
	WalletTypeSavings: "300",
	WalletTypeCurrent: "310",
}

// GenerateWalletNumber returns a 10 digit wallet number: a 3 digit type
// prefix followed by 7 random digits.
func GenerateWalletNumber(walletType string) (string, error) {
	prefix, ok := walletPrefixes[walletType]
	if !ok {
		prefix = "999"
	}

	n, err := rand.Int(rand.Reader, big.NewInt(10_000_000))
	if err != nil {
		return "", fmt.Errorf("generate wallet number: %w", err)
	}
	return fmt.Sprintf("%s%07d", prefix, n.Int64()), nil
}
