package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/shopspring/decimal"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Code    string            `json:"code,omitempty"`    // apperr kind
	Details map[string]string `json:"details,omitempty"` // Validation details
}

var (
	amountPattern = regexp.MustCompile(`^\d+(\.\d{1,2})?$`)
	digitsPattern = regexp.MustCompile(`^\d+$`)
)

const defaultPinLength = 4

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
	pinLength int
}

// NewValidationHelper creates a new validation helper with the "money" and
// "pin" tags registered.
func NewValidationHelper() *ValidationHelper {
	return NewValidationHelperWithPinLength(defaultPinLength)
}

// NewValidationHelperWithPinLength makes the "pin" tag require exactly
// pinLength digits.
func NewValidationHelperWithPinLength(pinLength int) *ValidationHelper {
	if pinLength <= 0 {
		pinLength = defaultPinLength
	}
	vh := &ValidationHelper{validator: validator.New(), pinLength: pinLength}
	_ = vh.validator.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		_, err := ParseAmount(fl.Field().String())
		return err == nil
	})
	_ = vh.validator.RegisterValidation("pin", func(fl validator.FieldLevel) bool {
		pin := fl.Field().String()
		return len(pin) == vh.pinLength && digitsPattern.MatchString(pin)
	})
	return vh
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// ParseAmount accepts a positive decimal with at most two fractional digits.
func ParseAmount(s string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(s) {
		return decimal.Zero, apperr.New(apperr.KindInvalidAmount, "Amount must be a positive number with at most two decimal places")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.KindInvalidAmount, "Amount must be numeric", err)
	}
	if !amount.IsPositive() {
		return decimal.Zero, apperr.New(apperr.KindInvalidAmount, "Amount must be greater than zero")
	}
	return amount, nil
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var fieldErrs validator.ValidationErrors
	if errors.As(validationErr, &fieldErrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range fieldErrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendAppError writes err using its apperr kind. Unknown errors become a
// generic 500 without leaking their text.
func SendAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(kind))
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: apperr.PublicMessage(err),
		Code:  string(kind),
	})
}

// SendJSON writes v with the given status.
func SendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
