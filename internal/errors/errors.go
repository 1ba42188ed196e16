package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Session
	ErrCodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeProjectNotFound   ErrorCode = "PROJECT_NOT_FOUND"
	ErrCodeSessionClosed     ErrorCode = "SESSION_CLOSED"
	ErrCodeSessionSyncFailed ErrorCode = "SESSION_SYNC_FAILED"
	ErrCodeInvalidURL        ErrorCode = "INVALID_URL"

	// Stream
	ErrCodeInvalidStreamID ErrorCode = "INVALID_STREAM_ID"

	// Stream tokens
	ErrCodeInvalidToken      ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenNotFound     ErrorCode = "TOKEN_NOT_FOUND"
	ErrCodeTokenExpired      ErrorCode = "TOKEN_EXPIRED"
	ErrCodeTokenAlreadyUsed  ErrorCode = "TOKEN_ALREADY_USED"
	ErrCodeMaxTokensExceeded ErrorCode = "MAX_TOKENS_EXCEEDED"
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Transport
	ErrCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited     ErrorCode = "RATE_LIMITED"
	ErrCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
)

// ErrorKind groups codes by how a caller is expected to react to them.
type ErrorKind string

const (
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "state_conflict"
	KindValidation ErrorKind = "validation"
	KindExhausted  ErrorKind = "resource_exhausted"
	KindSync       ErrorKind = "sync_failure"
	KindInternal   ErrorKind = "internal"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func SessionNotFound(id string) *AppError {
	return New(ErrCodeSessionNotFound, "Session not found").WithDetails(map[string]string{"sessionId": id})
}

func ProjectNotFound(id string) *AppError {
	return New(ErrCodeProjectNotFound, "Project not found").WithDetails(map[string]string{"projectId": id})
}

func SessionClosed(id string) *AppError {
	return New(ErrCodeSessionClosed, "Session is not active").WithDetails(map[string]string{"sessionId": id})
}

func SessionSyncFailed(id string, cause error) *AppError {
	return Wrap(ErrCodeSessionSyncFailed, "Failed to sync session event", cause).
		WithDetails(map[string]string{"sessionId": id})
}

func InvalidURL(raw string) *AppError {
	return New(ErrCodeInvalidURL, fmt.Sprintf("Invalid session URL: %q", raw))
}

func InvalidStreamID() *AppError {
	return New(ErrCodeInvalidStreamID, "Stream ID must not be empty")
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func TokenNotFound() *AppError {
	return New(ErrCodeTokenNotFound, "Stream token not found")
}

func TokenExpired() *AppError {
	return New(ErrCodeTokenExpired, "Stream token has expired")
}

func TokenAlreadyUsed() *AppError {
	return New(ErrCodeTokenAlreadyUsed, "Stream token has already been used")
}

func MaxTokensExceeded(limit int) *AppError {
	return New(ErrCodeMaxTokensExceeded, fmt.Sprintf("Maximum of %d active stream tokens reached", limit))
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func RateLimited() *AppError {
	return New(ErrCodeRateLimited, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// KindOf classifies an error code.
func KindOf(code ErrorCode) ErrorKind {
	switch code {
	case ErrCodeSessionNotFound, ErrCodeProjectNotFound, ErrCodeTokenNotFound:
		return KindNotFound
	case ErrCodeSessionClosed, ErrCodeTokenAlreadyUsed, ErrCodeTokenExpired:
		return KindConflict
	case ErrCodeInvalidToken, ErrCodeInvalidURL, ErrCodeInvalidStreamID,
		ErrCodeValidation, ErrCodeMissingRequired, ErrCodePayloadTooLarge:
		return KindValidation
	case ErrCodeMaxTokensExceeded, ErrCodeRateLimited:
		return KindExhausted
	case ErrCodeSessionSyncFailed:
		return KindSync
	default:
		return KindInternal
	}
}

// Retryable reports whether the caller may retry the failed operation.
// Only synchronization failures against the durable log qualify.
func Retryable(err error) bool {
	return KindOf(GetCode(err)) == KindSync
}
