package domain

import (
	"errors"
	"fmt"
)

// Validation errors. Rejected before any storage access.
var (
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrSameAccount           = errors.New("ledger: source and destination account are the same")
	ErrInvalidIdempotencyKey = errors.New("ledger: invalid idempotency key")
	ErrIdempotencyMismatch   = errors.New("ledger: idempotency key reused with a different request")
	ErrUnderflow             = errors.New("ledger: money underflow")
	ErrOverflow              = errors.New("ledger: money overflow")
	ErrInvalidSubscription   = errors.New("ledger: invalid webhook subscription")
)

// Business errors. Rejected after lookup.
var (
	ErrAccountNotFound      = errors.New("ledger: account not found")
	ErrInsufficientFunds    = errors.New("ledger: insufficient funds")
	ErrTransactionNotFound  = errors.New("ledger: transaction not found")
	ErrSubscriptionNotFound = errors.New("ledger: webhook subscription not found")
	ErrDeliveryNotFound     = errors.New("ledger: delivery attempt not found")
	ErrDeliveryNotExhausted = errors.New("ledger: delivery attempt is not exhausted")
)

// Infrastructure errors. The caller may retry with the same idempotency key.
var (
	ErrContention     = errors.New("ledger: storage contention, retries exhausted")
	ErrOutcomeUnknown = errors.New("ledger: operation timed out, outcome unknown")
)

// ValidationError represents a validation failure on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err was rejected as malformed input.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrSameAccount) ||
		errors.Is(err, ErrInvalidIdempotencyKey) ||
		errors.Is(err, ErrIdempotencyMismatch) ||
		errors.Is(err, ErrUnderflow) ||
		errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrInvalidSubscription)
}

// IsNotFound checks if an error is any kind of not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrDeliveryNotFound)
}

// IsRetryable checks if the caller should retry with the same idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention) || errors.Is(err, ErrOutcomeUnknown)
}

// IsBusiness reports whether err is a well-formed request refused by ledger
// rules or missing data.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrDeliveryNotExhausted) || IsNotFound(err)
}
