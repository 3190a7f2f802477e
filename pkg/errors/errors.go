package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	ErrCodeUnsupported        ErrorCode = "UNSUPPORTED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRoomFull           ErrorCode = "ROOM_FULL"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeNetwork            ErrorCode = "NETWORK_ERROR"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
	ErrCodeTrackEnded         ErrorCode = "TRACK_ENDED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
	// Recoverable marks errors after which the previous state was kept and
	// the caller may simply continue.
	Recoverable bool
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// AsRecoverable flags the error as a warning the caller can continue past.
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewPermissionDeniedError(message string) *AppError {
	return NewAppError(ErrCodePermissionDenied, message, http.StatusForbidden)
}

func NewUnsupportedError(message string) *AppError {
	return NewAppError(ErrCodeUnsupported, message, http.StatusNotImplemented)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRoomFullError(max int) *AppError {
	return NewAppError(ErrCodeRoomFull, "room is full", http.StatusConflict).
		WithContext("max_participants", max)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrCodeValidation, message, http.StatusBadRequest)
}

func NewNetworkError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeNetwork, message, http.StatusBadGateway)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewUnknownError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeUnknown, message, http.StatusInternalServerError)
}

func NewTrackEndedError(message string) *AppError {
	return NewAppError(ErrCodeTrackEnded, message, http.StatusGone)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or UNKNOWN.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// IsRecoverable reports whether err is a recoverable warning.
func IsRecoverable(err error) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Recoverable
}
