package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers. Only the Message of an *Error is safe
// to show to a client; the wrapped Err stays internal.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindAlreadyProcessed  Kind = "ALREADY_PROCESSED"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindInvalidAmount     Kind = "INVALID_AMOUNT"
	KindInvalidPin        Kind = "INVALID_PIN"
	KindPinNotSet         Kind = "PIN_NOT_SET"
	KindPinAlreadySet     Kind = "PIN_ALREADY_SET"
	KindWalletLocked      Kind = "WALLET_LOCKED"
	KindConflict          Kind = "CONFLICT"
	KindTransient         Kind = "TRANSIENT_STORE_ERROR"
	KindIntegrity         Kind = "INTEGRITY_VIOLATION"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindInternal          Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind. A target with an empty Message matches every error of
// that kind, which is how the sentinels below are meant to be used.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAlreadyProcessed  = &Error{Kind: KindAlreadyProcessed}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrInvalidAmount     = &Error{Kind: KindInvalidAmount}
	ErrInvalidPin        = &Error{Kind: KindInvalidPin}
	ErrPinNotSet         = &Error{Kind: KindPinNotSet}
	ErrPinAlreadySet     = &Error{Kind: KindPinAlreadySet}
	ErrWalletLocked      = &Error{Kind: KindWalletLocked}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrIntegrity         = &Error{Kind: KindIntegrity}
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the client-facing message for err. Errors outside the
// taxonomy never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal server error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyProcessed, KindConflict, KindPinAlreadySet:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case KindInvalidAmount, KindInvalidRequest:
		return http.StatusBadRequest
	case KindInvalidPin:
		return http.StatusUnauthorized
	case KindPinNotSet:
		return http.StatusForbidden
	case KindWalletLocked:
		return http.StatusLocked
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
