package handlers

import (
	"net/http"

	"github.com/ruralpay/walletledger/internal/middleware"
	"github.com/ruralpay/walletledger/internal/services"
)

type setPinBody struct {
	Pin string `json:"pin" validate:"required,pin"`
}

type changePinBody struct {
	OldPin string `json:"old_pin" validate:"required,pin"`
	NewPin string `json:"new_pin" validate:"required,pin,nefield=OldPin"`
}

type PinHandler struct {
	pins      Pins
	validator *services.ValidationHelper
}

func NewPinHandler(pins Pins, pinLength int) *PinHandler {
	return &PinHandler{pins: pins, validator: services.NewValidationHelperWithPinLength(pinLength)}
}

func (h *PinHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	var body setPinBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	err := h.pins.SetPin(detached(r), walletParam(r), body.Pin, middleware.ActorFrom(r.Context()))
	respondMessage(w, http.StatusCreated, "PIN set successfully", err)
}

// ChangePin goes through the PIN guard, so a wrong old PIN counts as a
// failed attempt.
func (h *PinHandler) ChangePin(w http.ResponseWriter, r *http.Request) {
	var body changePinBody
	if !decodeJSON(w, r, h.validator, &body) {
		return
	}
	err := h.pins.ChangePin(detached(r), walletParam(r), body.OldPin, body.NewPin, middleware.ActorFrom(r.Context()))
	respondMessage(w, http.StatusOK, "PIN changed successfully", err)
}

func (h *PinHandler) ResetPin(w http.ResponseWriter, r *http.Request) {
	err := h.pins.ResetPin(detached(r), walletParam(r), middleware.ActorFrom(r.Context()))
	respondMessage(w, http.StatusOK, "PIN reset successfully", err)
}

func respondMessage(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		services.SendAppError(w, err)
		return
	}
	services.SendJSON(w, status, map[string]any{"success": true, "message": message})
}
