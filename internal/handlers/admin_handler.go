package handlers

import (
	"bytes"
	"io"
	"net/http"

	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/ruralpay/walletledger/internal/services"
)

type resolveBody struct {
	Note string `json:"note" validate:"max=1000"`
}

// AdminHandler exposes reconciliation and audit operations to operators.
type AdminHandler struct {
	recon       Reconciliation
	maintenance Maintenance
	validator   *services.ValidationHelper
}

func NewAdminHandler(recon Reconciliation, maintenance Maintenance) *AdminHandler {
	return &AdminHandler{recon: recon, maintenance: maintenance, validator: services.NewValidationHelper()}
}

func (h *AdminHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.maintenance.Reconcile(detached(r))
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) ListInconsistencies(w http.ResponseWriter, r *http.Request) {
	status := models.ReviewStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ReviewPending, models.ReviewUnderReview, models.ReviewResolved:
	default:
		services.SendAppError(w, apperr.New(apperr.KindInvalidRequest, "Unknown review status"))
		return
	}

	findings, err := h.recon.ListInconsistencies(r.Context(), status)
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"inconsistencies": findings, "count": len(findings)})
}

func (h *AdminHandler) RecomputeWallet(w http.ResponseWriter, r *http.Request) {
	balance, err := h.recon.Recompute(r.Context(), walletParam(r))
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]any{
		"wallet_number":    balance.WalletNumber,
		"actual_balance":   balance.ActualBalance,
		"computed_balance": balance.ComputedBalance,
		"difference":       balance.Difference(),
		"consistent":       balance.Consistent(),
	})
}

func (h *AdminHandler) MarkUnderReview(w http.ResponseWriter, r *http.Request) {
	id, err := auditIDParam(r)
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	finding, err := h.recon.MarkUnderReview(detached(r), id, middleware.ActorFrom(r.Context()))
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, finding)
}

// Resolve accepts an optional JSON body with a resolution note.
func (h *AdminHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := auditIDParam(r)
	if err != nil {
		services.SendAppError(w, err)
		return
	}

	var body resolveBody
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		r.Body = io.NopCloser(bytes.NewReader(raw))
		if !decodeJSON(w, r, h.validator, &body) {
			return
		}
	}

	finding, err := h.recon.Resolve(detached(r), id, middleware.ActorFrom(r.Context()), body.Note)
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, finding)
}

func (h *AdminHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	issues, err := h.maintenance.VerifyAudit(r.Context())
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}
