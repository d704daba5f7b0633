// Package handlers adapts HTTP requests to the ledger services.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/ruralpay/walletledger/internal/services"
)

const (
	maxBodyBytes       = 1_048_576
	maxReferenceLength = 100
)

type Ledger interface {
	Credit(ctx context.Context, req services.CreditRequest) (*models.Transaction, error)
	Debit(ctx context.Context, req services.DebitRequest) (*models.Transaction, error)
	Transfer(ctx context.Context, req services.TransferRequest) (*models.Transaction, error)
}

type TransactionQueries interface {
	GetTransaction(ctx context.Context, reference string) (*models.TransactionDetail, error)
	ListWalletTransactions(ctx context.Context, q services.StatementQuery) (*models.WalletStatement, error)
}

type Pins interface {
	SetPin(ctx context.Context, walletNumber, pin, actor string) error
	ChangePin(ctx context.Context, walletNumber, oldPin, newPin, actor string) error
	ResetPin(ctx context.Context, walletNumber, actor string) error
}

type Reconciliation interface {
	ListInconsistencies(ctx context.Context, status models.ReviewStatus) ([]models.Finding, error)
	Recompute(ctx context.Context, walletNumber string) (*models.WalletLedgerBalance, error)
	MarkUnderReview(ctx context.Context, auditID int64, reviewer string) (*models.Finding, error)
	Resolve(ctx context.Context, auditID int64, reviewer, note string) (*models.Finding, error)
}

// Maintenance runs the on-demand variants of the scheduled jobs.
type Maintenance interface {
	Reconcile(ctx context.Context) (*models.ReconciliationReport, error)
	VerifyAudit(ctx context.Context) ([]string, error)
}

// decodeJSON reads exactly one JSON object into dst and validates it. It
// writes the error response itself and reports whether decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// referenceFor prefers the client reference and otherwise derives one from
// the Idempotency-Key, so the unique reference still rejects a repeat after
// the idempotency row has expired.
func referenceFor(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	key := r.Header.Get(middleware.HeaderIdempotencyKey)
	if key == "" {
		return ""
	}
	if len(key) <= maxReferenceLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "IDEM-" + hex.EncodeToString(sum[:20])
}

func walletParam(r *http.Request) string {
	return chi.URLParam(r, "walletNumber")
}

func auditIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "auditId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindInvalidRequest, "Audit id must be a positive integer")
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.KindInvalidRequest, "Query parameter "+name+" must be a non-negative integer")
	}
	return n, nil
}

// detached keeps a ledger mutation running after the client disconnects.
func detached(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}
