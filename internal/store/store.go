// Package store defines the persistence contracts of the ledger. Concrete
// adapters live in the postgres, mysql and memory subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

var (
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is a transient serialization failure, deadlock or lock
	// timeout. The whole unit of work may be retried from scratch.
	ErrConflict  = errors.New("store: transaction conflict")
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrLeaseLost means another worker reclaimed a delivery attempt after
	// the caller's lease expired.
	ErrLeaseLost = errors.New("store: delivery lease lost")
)

// Store is the full persistence surface.
type Store interface {
	Accounts
	Transactions
	Subscriptions
	Deliveries

	// InTx runs fn in one atomic unit. fn may be invoked at most once per
	// call; retrying is the caller's job.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the locked, transactional view the ledger engine mutates through.
type Tx interface {
	// LockAccount takes an exclusive row lock on a live account and returns
	// its current state. Soft-deleted accounts yield ErrNotFound.
	LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	SetBalance(ctx context.Context, id uuid.UUID, balance domain.Money, at time.Time) error
	InsertTransactions(ctx context.Context, txs ...domain.Transaction) error
	GetTransactions(ctx context.Context, ids []uuid.UUID) ([]domain.Transaction, error)

	// ReserveIdempotencyKey inserts rec unless (AccountID, Key) already
	// exists. It reports whether this call created the record. A concurrent
	// reservation of the same key blocks until the other unit finishes.
	ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (domain.IdempotencyRecord, error)
}

type Accounts interface {
	CreateAccount(ctx context.Context, a domain.Account) error
	// GetAccount returns soft-deleted accounts too.
	GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error)
	SoftDeleteAccount(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateWebhookSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error
}

// Cursor is a keyset position in an account's history.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

type Transactions interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error)
	// ListTransactions returns at most limit committed transactions of an
	// account strictly after cursor, newest first.
	ListTransactions(ctx context.Context, accountID uuid.UUID, after *Cursor, limit int) ([]domain.Transaction, error)
}

type Subscriptions interface {
	CreateSubscription(ctx context.Context, s domain.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error)
	// ListSubscriptions returns the active subscriptions of an account.
	ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]domain.Subscription, error)
	DeactivateSubscription(ctx context.Context, accountID, id uuid.UUID) error
}

// DefaultDeliveryLimit applies when DeliveryFilter.Limit is zero.
const DefaultDeliveryLimit = 100

type DeliveryFilter struct {
	Status    domain.DeliveryStatus
	AccountID *uuid.UUID
	Limit     int
}

// PageSize is Limit, or DefaultDeliveryLimit when Limit is not positive.
func (f DeliveryFilter) PageSize() int {
	if f.Limit <= 0 {
		return DefaultDeliveryLimit
	}
	return f.Limit
}

type Deliveries interface {
	EnqueueDeliveries(ctx context.Context, ds ...domain.DeliveryAttempt) error
	// ClaimDeliveries leases up to limit pending attempts that are due at now
	// and not held by an unexpired lease. owner is the lease token and is
	// returned in each attempt's LeaseOwner.
	ClaimDeliveries(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]domain.DeliveryAttempt, error)
	// RecordDelivery persists the outcome of an attempt and releases the
	// lease. It fails with ErrLeaseLost if the lease token owner no longer
	// holds it.
	RecordDelivery(ctx context.Context, owner string, d domain.DeliveryAttempt) error
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.DeliveryAttempt, error)
	// ResetDelivery returns an exhausted attempt to pending with a zero
	// attempt count.
	ResetDelivery(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error)
}
