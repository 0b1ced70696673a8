package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants. All components MUST use these constants
// instead of hardcoded strings.
const (
	// Validation (400). Rejected synchronously at rule/schedule write time.
	ErrCodeValidationInvalidTimezone ErrorCode = "validation_invalid_timezone"
	ErrCodeValidationInvalidTime     ErrorCode = "validation_invalid_time"
	ErrCodeValidationInterval        ErrorCode = "validation_interval_out_of_range"
	ErrCodeValidationDayOfWeek       ErrorCode = "validation_day_of_week_out_of_range"
	ErrCodeValidationDayOfMonth      ErrorCode = "validation_day_of_month_out_of_range"
	ErrCodeValidationFrequency       ErrorCode = "validation_invalid_frequency"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationDateRange       ErrorCode = "validation_date_range_invalid"

	// Auth (401). Only the ops trigger secret in this core.
	ErrCodeAuthSecretInvalid ErrorCode = "auth_secret_invalid"

	// Not Found (404)
	ErrCodeNotFoundRule     ErrorCode = "not_found_recurrence_rule"
	ErrCodeNotFoundEvent    ErrorCode = "not_found_event"
	ErrCodeNotFoundSchedule ErrorCode = "not_found_feeding_schedule"
	ErrCodeNotFoundBudget   ErrorCode = "not_found_budget"
	ErrCodeNotFoundPet      ErrorCode = "not_found_pet"

	// Conflict (409)
	ErrCodeConflictDuplicate ErrorCode = "conflict_duplicate_key"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamPush       ErrorCode = "upstream_push_provider_unavailable"
	ErrCodeUpstreamSpend      ErrorCode = "upstream_spend_service_unavailable"
	ErrCodeUpstreamRateLimit  ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
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
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the
// engine. All domain errors should be expressed as AppError to enable
// consistent formatting, HTTP status mapping, and error chain support.
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

// IsNotFound reports whether err is an AppError with a not-found code.
func IsNotFound(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return strings.HasPrefix(string(appErr.Code), "not_found_")
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
