package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
)

// Standard error codes
const (
	ErrInvalidRequest      = 400
	ErrUnauthorized        = 401
	ErrForbidden           = 403
	ErrNotFound            = 404
	ErrConflict            = 409
	ErrInternalServerError = 500
	ErrServiceUnavailable  = 503

	// Reward-specific error codes (2000+)
	ErrInsufficientFunds    = 2001
	ErrCatalogEntryInactive = 2002
	ErrAccountNotFound      = 2003
	ErrCatalogEntryNotFound = 2004
	ErrConcurrencyConflict  = 2005
	ErrDuplicateRequest     = 2006
	ErrInternalFault        = 2007
	ErrConfiguration        = 2008
	ErrInvalidTransition    = 2009
)

// AppError represents a custom application error
type AppError struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	DebugMessage string `json:"debug_message,omitempty"`
	Err          error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.DebugMessage != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.DebugMessage)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s [%v]", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code, so errors.Is(err, errors.New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// New creates a new AppError
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewWithDebug creates a new AppError with a debug message
func NewWithDebug(code int, message string, debugMessage string) *AppError {
	return &AppError{
		Code:         code,
		Message:      message,
		DebugMessage: debugMessage,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapWithDebug wraps an existing error into an AppError with a debug message
func WrapWithDebug(err error, code int, message string, debugMessage string) *AppError {
	return &AppError{
		Code:         code,
		Message:      message,
		DebugMessage: debugMessage,
		Err:          err,
	}
}

// Response returns a map suitable for JSON response
func (e *AppError) Response() map[string]interface{} {
	response := map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
	}

	env := os.Getenv("APP_ENV")
	if (env == "dev" || env == "development") && e.DebugMessage != "" {
		response["debug_message"] = e.DebugMessage
	}

	return response
}

// IsAppError checks if an error (or anything it wraps) is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// As extracts the first AppError in the chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode extracts error code from an error
func GetCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return ErrInternalServerError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code int) bool {
	return err != nil && GetCode(err) == code
}

// IsRetryable reports whether the caller may retry with the same idempotency key.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrConcurrencyConflict, ErrInternalFault, ErrServiceUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatusFromCode maps error codes to HTTP status codes
func HTTPStatusFromCode(code int) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound, ErrAccountNotFound, ErrCatalogEntryNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrConcurrencyConflict, ErrInvalidTransition:
		return http.StatusConflict
	case ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case ErrCatalogEntryInactive:
		return http.StatusUnprocessableEntity
	case ErrDuplicateRequest:
		return http.StatusOK
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrInternalServerError, ErrInternalFault, ErrConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
