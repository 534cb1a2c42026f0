package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		business   bool
		retryable  bool
	}{
		{"amount", fmt.Errorf("deposit: %w", ErrInvalidAmount), true, false, false},
		{"field", NewValidationError("name", "required"), true, false, false},
		{"mismatch", ErrIdempotencyMismatch, true, false, false},
		{"funds", fmt.Errorf("withdraw: %w", ErrInsufficientFunds), false, true, false},
		{"missing account", ErrAccountNotFound, false, true, false},
		{"contention", ErrContention, false, false, true},
		{"unknown", ErrOutcomeUnknown, false, false, true},
		{"other", errors.New("boom"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidation(tt.err); got != tt.validation {
				t.Errorf("IsValidation = %v, want %v", got, tt.validation)
			}
			if got := IsBusiness(tt.err); got != tt.business {
				t.Errorf("IsBusiness = %v, want %v", got, tt.business)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}

	var ve *ValidationError
	if !errors.As(fmt.Errorf("wrap: %w", NewValidationError("url", "bad")), &ve) || ve.Field != "url" {
		t.Fatalf("expected ValidationError to unwrap")
	}
}
