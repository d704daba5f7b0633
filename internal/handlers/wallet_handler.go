package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/ruralpay/walletledger/internal/services"
)

type creditBody struct {
	Amount    string `json:"amount" validate:"required,money"`
	Reference string `json:"reference" validate:"max=100"`
	Narration string `json:"narration" validate:"max=255"`
}

type debitBody struct {
	Amount    string `json:"amount" validate:"required,money"`
	Pin       string `json:"pin" validate:"required,pin"`
	Reference string `json:"reference" validate:"max=100"`
	Narration string `json:"narration" validate:"max=255"`
}

type transferBody struct {
	FromWalletNumber string `json:"from_wallet_number" validate:"required,numeric,len=10"`
	ToWalletNumber   string `json:"to_wallet_number" validate:"required,numeric,len=10"`
	Amount           string `json:"amount" validate:"required,money"`
	Pin              string `json:"pin" validate:"required,pin"`
	Reference        string `json:"reference" validate:"max=100"`
	Narration        string `json:"narration" validate:"max=255"`
}

type WalletHandler struct {
	ledger    Ledger
	queries   TransactionQueries
	validator *services.ValidationHelper
}

func NewWalletHandler(ledger Ledger, queries TransactionQueries, pinLength int) *WalletHandler {
	return &WalletHandler{
		ledger:    ledger,
		queries:   queries,
		validator: services.NewValidationHelperWithPinLength(pinLength),
	}
}

// Deposit credits a wallet.
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var body creditBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	amount, err := services.ParseAmount(body.Amount)
	if err != nil {
		services.SendAppError(w, err)
		return
	}

	tx, err := h.ledger.Credit(detached(r), services.CreditRequest{
		WalletNumber: walletParam(r),
		Amount:       amount,
		Reference:    referenceFor(r, body.Reference),
		Narration:    body.Narration,
		Actor:        middleware.ActorFrom(r.Context()),
	})
	respondTransaction(w, tx, err)
}

func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.debit(w, r, models.TxWithdrawal)
}

func (h *WalletHandler) PayBill(w http.ResponseWriter, r *http.Request) {
	h.debit(w, r, models.TxBillPayment)
}

func (h *WalletHandler) BuyAirtime(w http.ResponseWriter, r *http.Request) {
	h.debit(w, r, models.TxAirtimePurchase)
}

func (h *WalletHandler) debit(w http.ResponseWriter, r *http.Request, kind models.TransactionType) {
	var body debitBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	amount, err := services.ParseAmount(body.Amount)
	if err != nil {
		services.SendAppError(w, err)
		return
	}

	tx, err := h.ledger.Debit(detached(r), services.DebitRequest{
		WalletNumber: walletParam(r),
		Kind:         kind,
		Amount:       amount,
		PIN:          body.Pin,
		Reference:    referenceFor(r, body.Reference),
		Narration:    body.Narration,
		Actor:        middleware.ActorFrom(r.Context()),
	})
	respondTransaction(w, tx, err)
}

// Transfer moves funds between two wallets.
func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	amount, err := services.ParseAmount(body.Amount)
	if err != nil {
		services.SendAppError(w, err)
		return
	}

	tx, err := h.ledger.Transfer(detached(r), services.TransferRequest{
		From:      body.FromWalletNumber,
		To:        body.ToWalletNumber,
		Amount:    amount,
		PIN:       body.Pin,
		Reference: referenceFor(r, body.Reference),
		Narration: body.Narration,
		Actor:     middleware.ActorFrom(r.Context()),
	})
	respondTransaction(w, tx, err)
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		services.SendAppError(w, err)
		return
	}

	statement, err := h.queries.ListWalletTransactions(r.Context(), services.StatementQuery{
		WalletNumber: walletParam(r),
		Status:       models.TransactionStatus(r.URL.Query().Get("status")),
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, statement)
}

func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	detail, err := h.queries.GetTransaction(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, detail)
}

func respondTransaction(w http.ResponseWriter, tx *models.Transaction, err error) {
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusCreated, map[string]any{
		"success":     true,
		"transaction": tx,
	})
}
