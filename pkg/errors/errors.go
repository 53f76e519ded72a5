// Package errors defines the error taxonomy shared by the sandbox gateway,
// the session manager and the HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any *AppError with the same code, so callers can test
// errors.Is(err, errors.ErrProvisioning).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	ErrCodeProvisioning    = "PROVISIONING_FAILED"
	ErrCodeReconnect       = "RECONNECT_FAILED"
	ErrCodeExecution       = "EXECUTION_FAILED"
	ErrCodePersistence     = "PERSISTENCE_FAILED"
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeSessionStopped  = "SESSION_STOPPED"
	ErrCodeAgentNotFound   = "AGENT_NOT_FOUND"
	ErrCodeEphemeralAgent  = "EPHEMERAL_AGENT"
	ErrCodeInvalidInput    = "INVALID_INPUT"
)

// Sentinels for errors.Is comparisons.
var (
	ErrProvisioning    = &AppError{Code: ErrCodeProvisioning}
	ErrReconnect       = &AppError{Code: ErrCodeReconnect}
	ErrExecution       = &AppError{Code: ErrCodeExecution}
	ErrPersistence     = &AppError{Code: ErrCodePersistence}
	ErrSessionNotFound = &AppError{Code: ErrCodeSessionNotFound}
	ErrSessionStopped  = &AppError{Code: ErrCodeSessionStopped}
	ErrAgentNotFound   = &AppError{Code: ErrCodeAgentNotFound}
	ErrEphemeralAgent  = &AppError{Code: ErrCodeEphemeralAgent}
	ErrInvalidInput    = &AppError{Code: ErrCodeInvalidInput}
)

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return ""
}
