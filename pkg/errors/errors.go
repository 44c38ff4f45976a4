package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode is the machine-readable kind carried in protocol error replies
type ErrorCode string

const (
	ErrCodeProtocol  ErrorCode = "PROTOCOL_ERROR"
	ErrCodeAuth      ErrorCode = "AUTH_ERROR"
	ErrCodeState     ErrorCode = "STATE_ERROR"
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"
	ErrCodeInternal  ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
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

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// NewProtocolError reports malformed input or an unknown request type.
func NewProtocolError(message string) *AppError {
	return NewAppError(ErrCodeProtocol, message)
}

// NewAuthError reports bad credentials or a duplicate registration.
func NewAuthError(message string) *AppError {
	return NewAppError(ErrCodeAuth, message)
}

// NewStateError reports an operation invalid for the current state
// (unknown channel, duplicate channel, sending while offline).
func NewStateError(message string) *AppError {
	return NewAppError(ErrCodeState, message)
}

// NewTransportError reports connect or send failures after retries.
func NewTransportError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeTransport, message)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded")
}

func NewInternalError(message string, cause error) *AppError {
	return WrapError(cause, ErrCodeInternal, message)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or
// ErrCodeInternal for anything else.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
