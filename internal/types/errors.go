package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidEmail ErrorCode = "validation_invalid_email"
	ErrCodeValidationInterval     ErrorCode = "validation_invalid_interval"
	ErrCodeValidationPriceState   ErrorCode = "validation_price_not_usable"

	// Webhook signature (401)
	ErrCodeSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Not Found (404)
	ErrCodeNotFoundPlan         ErrorCode = "not_found_plan"
	ErrCodeNotFoundPrice        ErrorCode = "not_found_price"
	ErrCodeNotFoundCustomerLink ErrorCode = "not_found_customer_link"
	ErrCodeNotFoundSession      ErrorCode = "not_found_checkout_session"
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"

	// Conflict (409)
	ErrCodeConflictEmail     ErrorCode = "conflict_email_mismatch"
	ErrCodeConflictDuplicate ErrorCode = "conflict_duplicate_key"

	// Data integrity (422)
	ErrCodeDataPeriodMissing ErrorCode = "data_period_fields_missing"
	ErrCodeDataMissingLink   ErrorCode = "data_missing_linkage"

	// Upstream provider (502)
	ErrCodeUpstreamProvider    ErrorCode = "upstream_provider_error"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Mapping is by code prefix so new codes pick up the right status without
// touching this table. Unrecognized codes fall back to 500.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case strings.HasPrefix(s, "data_"):
		return http.StatusUnprocessableEntity
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details
// that are safe to serialize into the error response body.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
