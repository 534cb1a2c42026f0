package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Account represents a balance holder in the ledger.
type Account struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Balance       Money      `json:"balance"`
	WebhookSecret string     `json:"-"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type TransactionKind string

const (
	KindCredit      TransactionKind = "credit"
	KindDebit       TransactionKind = "debit"
	KindTransferOut TransactionKind = "transfer_out"
	KindTransferIn  TransactionKind = "transfer_in"
)

type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// ParseTransactionStatus rejects values a store should never hold.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch st := TransactionStatus(s); st {
	case StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// Transaction is one immutable movement on one account. A transfer is stored
// as a TransferOut/TransferIn pair pointing at each other through LinkedID.
type Transaction struct {
	ID             uuid.UUID         `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	Kind           TransactionKind   `json:"type"`
	CounterpartyID *uuid.UUID        `json:"counterparty_id,omitempty"`
	LinkedID       *uuid.UUID        `json:"linked_transaction_id,omitempty"`
	Amount         Money             `json:"amount"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IdempotencyRecord binds a caller key, scoped to one account, to the
// transactions it produced.
type IdempotencyRecord struct {
	AccountID      uuid.UUID
	Key            string
	RequestHash    string
	TransactionIDs []uuid.UUID
	CreatedAt      time.Time
}

// Webhook event types.
const (
	EventTransactionCompleted = "transaction.completed"
	EventAll                  = "*"
)

// KnownEvent reports whether name can be used in a subscription filter.
func KnownEvent(name string) bool {
	switch name {
	case EventTransactionCompleted, EventAll:
		return true
	}
	return false
}

type Subscription struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether the subscription's event filter accepts event.
func (s Subscription) Matches(event string) bool {
	return slices.Contains(s.Events, event) || slices.Contains(s.Events, EventAll)
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// DeliveryAttempt tracks notifying one subscription about one transaction.
// AttemptCount is the number of sends tried so far.
type DeliveryAttempt struct {
	ID             uuid.UUID      `json:"id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	TransactionID  uuid.UUID      `json:"transaction_id"`
	AccountID      uuid.UUID      `json:"account_id"`
	Event          string         `json:"event"`
	AttemptCount   int            `json:"attempt_count"`
	NextEligibleAt time.Time      `json:"next_eligible_at"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	LeaseOwner     string         `json:"-"`
	LeaseExpiresAt *time.Time     `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

