package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the store, service and API layers. Callers match with
// errors.Is; detail is added by wrapping with fmt.Errorf("...: %w", ErrX).
var (
	ErrValidation             = errors.New("validation failed")
	ErrUnauthorized           = errors.New("not authorized")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrExternalProvider       = errors.New("external provider error")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrRateLimited            = errors.New("rate limited")
)

// RateLimitError carries the retry hint for a throttled caller.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Validationf wraps ErrValidation with a formatted detail message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted detail message.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
