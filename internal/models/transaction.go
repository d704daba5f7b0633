package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit         TransactionType = "DEPOSIT"
	TxWithdrawal      TransactionType = "WITHDRAWAL"
	TxTransfer        TransactionType = "TRANSFER"
	TxBillPayment     TransactionType = "BILL_PAYMENT"
	TxAirtimePurchase TransactionType = "AIRTIME_PURCHASE"
	TxReversal        TransactionType = "REVERSAL"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusSuccessful TransactionStatus = "SUCCESSFUL"
	StatusRollback   TransactionStatus = "ROLLBACK"
)

// Transaction is the stored row. Which wallet columns are set depends on the
// movement; use Movement() to get the typed view.
type Transaction struct {
	ID                   int64             `json:"id" db:"id"`
	Reference            string            `json:"reference" db:"reference"`
	Type                 TransactionType   `json:"type" db:"type"`
	Amount               decimal.Decimal   `json:"amount" db:"amount"`
	Currency             string            `json:"currency" db:"currency"`
	Narration            string            `json:"narration" db:"narration"`
	WalletNumber         *string           `json:"wallet_number,omitempty" db:"wallet_number"`
	SenderWalletNumber   *string           `json:"sender_wallet_number,omitempty" db:"sender_wallet_number"`
	ReceiverWalletNumber *string           `json:"receiver_wallet_number,omitempty" db:"receiver_wallet_number"`
	ReversesReference    *string           `json:"reverses_reference,omitempty" db:"reverses_reference"`
	Status               TransactionStatus `json:"status" db:"status"`
	CreatedAt            time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at" db:"updated_at"`
}

// Movement is the typed shape of a transaction. Each variant knows which
// ledger legs it produces.
type Movement interface {
	Type() TransactionType
	Legs() []Leg
	apply(t *Transaction)
}

// Leg is one side of a movement before it is written as a LedgerEntry.
type Leg struct {
	WalletNumber string
	EntryType    EntryType
}

type Deposit struct {
	WalletNumber string
}

func (d Deposit) Type() TransactionType { return TxDeposit }
func (d Deposit) Legs() []Leg {
	return []Leg{{WalletNumber: d.WalletNumber, EntryType: EntryCredit}}
}
func (d Deposit) apply(t *Transaction) { t.WalletNumber = &d.WalletNumber }

// Withdrawal covers every single-wallet debit: cash withdrawal, bill payment
// and airtime purchase.
type Withdrawal struct {
	WalletNumber string
	Kind         TransactionType
}

func (w Withdrawal) Type() TransactionType {
	if w.Kind == "" {
		return TxWithdrawal
	}
	return w.Kind
}
func (w Withdrawal) Legs() []Leg {
	return []Leg{{WalletNumber: w.WalletNumber, EntryType: EntryDebit}}
}
func (w Withdrawal) apply(t *Transaction) { t.WalletNumber = &w.WalletNumber }

type Transfer struct {
	From string
	To   string
}

func (tr Transfer) Type() TransactionType { return TxTransfer }
func (tr Transfer) Legs() []Leg {
	return []Leg{
		{WalletNumber: tr.From, EntryType: EntryDebit},
		{WalletNumber: tr.To, EntryType: EntryCredit},
	}
}
func (tr Transfer) apply(t *Transaction) {
	t.SenderWalletNumber = &tr.From
	t.ReceiverWalletNumber = &tr.To
}

// Reversal records a failed movement. It never has ledger legs.
type Reversal struct {
	WalletNumber string
	Of           string
}

func (r Reversal) Type() TransactionType { return TxReversal }
func (r Reversal) Legs() []Leg           { return nil }
func (r Reversal) apply(t *Transaction) {
	t.WalletNumber = &r.WalletNumber
	t.ReversesReference = &r.Of
}

func NewTransaction(reference string, m Movement, amount decimal.Decimal, currency, narration string, status TransactionStatus) *Transaction {
	t := &Transaction{
		Reference: reference,
		Type:      m.Type(),
		Amount:    amount,
		Currency:  currency,
		Narration: narration,
		Status:    status,
	}
	m.apply(t)
	return t
}

// Movement rebuilds the typed variant from a stored row.
func (t *Transaction) Movement() (Movement, error) {
	switch t.Type {
	case TxDeposit:
		if t.WalletNumber == nil {
			return nil, fmt.Errorf("deposit %s has no wallet", t.Reference)
		}
		return Deposit{WalletNumber: *t.WalletNumber}, nil
	case TxWithdrawal, TxBillPayment, TxAirtimePurchase:
		if t.WalletNumber == nil {
			return nil, fmt.Errorf("%s %s has no wallet", t.Type, t.Reference)
		}
		return Withdrawal{WalletNumber: *t.WalletNumber, Kind: t.Type}, nil
	case TxTransfer:
		if t.SenderWalletNumber == nil || t.ReceiverWalletNumber == nil {
			return nil, fmt.Errorf("transfer %s is missing a wallet", t.Reference)
		}
		return Transfer{From: *t.SenderWalletNumber, To: *t.ReceiverWalletNumber}, nil
	case TxReversal:
		r := Reversal{}
		if t.WalletNumber != nil {
			r.WalletNumber = *t.WalletNumber
		}
		if t.ReversesReference != nil {
			r.Of = *t.ReversesReference
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t.Type)
	}
}

// Legs returns the ledger legs the stored row should have.
func (t *Transaction) Legs() []Leg {
	m, err := t.Movement()
	if err != nil {
		return nil
	}
	return m.Legs()
}

// TransactionDetail is a transaction with its ledger legs.
type TransactionDetail struct {
	Transaction
	Entries []LedgerEntry `json:"entries"`
}

// WalletStatement is a page of wallet history read in one snapshot together
// with the stored and ledger-computed balances.
type WalletStatement struct {
	Wallet        Wallet          `json:"wallet"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Transactions  []Transaction   `json:"transactions"`
	Page          int             `json:"page"`
	Limit         int             `json:"limit"`
}
