// Package memory is an in-process store. It emulates row locks and
// insert-if-absent key reservation so the ledger engine behaves the same as
// against a relational database. Used by tests and DB_DRIVER=memory.
package memory

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

type idemKey struct {
	account uuid.UUID
	key     string
}

type Store struct {
	mu         sync.RWMutex
	accounts   map[uuid.UUID]domain.Account
	txs        map[uuid.UUID]domain.Transaction
	byAccount  map[uuid.UUID][]uuid.UUID
	idem       map[idemKey]domain.IdempotencyRecord
	subs       map[uuid.UUID]domain.Subscription
	deliveries map[uuid.UUID]domain.DeliveryAttempt

	locks *lockTable

	failMu      sync.Mutex
	failCommits int
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:   make(map[uuid.UUID]domain.Account),
		txs:        make(map[uuid.UUID]domain.Transaction),
		byAccount:  make(map[uuid.UUID][]uuid.UUID),
		idem:       make(map[idemKey]domain.IdempotencyRecord),
		subs:       make(map[uuid.UUID]domain.Subscription),
		deliveries: make(map[uuid.UUID]domain.DeliveryAttempt),
		locks:      &lockTable{sems: make(map[string]chan struct{})},
	}
}

// FailCommits makes the next n units of work fail at commit time with
// store.ErrConflict after their body has run.
func (s *Store) FailCommits(n int) {
	s.failMu.Lock()
	s.failCommits = n
	s.failMu.Unlock()
}

func (s *Store) takeInjectedFailure() bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failCommits > 0 {
		s.failCommits--
		return true
	}
	return false
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Store) Close() error { return nil }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := newTx(s)
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.takeInjectedFailure() {
		return store.ErrConflict
	}
	t.commit()
	return nil
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return store.ErrDuplicate
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	s.mu.RLock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if a.DeletedAt == nil {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return page(out, limit, offset), nil
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.DeletedAt != nil {
		return store.ErrNotFound
	}
	a.DeletedAt = &at
	a.UpdatedAt = at
	s.accounts[id] = a
	return nil
}

func (s *Store) UpdateWebhookSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok || a.DeletedAt != nil {
		return store.ErrNotFound
	}
	a.WebhookSecret = secret
	a.UpdatedAt = at
	s.accounts[id] = a
	return nil
}

// Transactions

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txs[id]
	if !ok {
		return domain.Transaction{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID, after *store.Cursor, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	ids := s.byAccount[accountID]
	all := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		all = append(all, s.txs[id])
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return newerThan(all[i], all[j].CreatedAt, all[j].ID) })

	out := make([]domain.Transaction, 0, max(limit, 0))
	for _, t := range all {
		if after != nil && !newerThan(domain.Transaction{CreatedAt: after.CreatedAt, ID: after.ID}, t.CreatedAt, t.ID) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// newerThan orders by (created_at, id) descending.
func newerThan(t domain.Transaction, at time.Time, id uuid.UUID) bool {
	if !t.CreatedAt.Equal(at) {
		return t.CreatedAt.After(at)
	}
	return bytes.Compare(t.ID[:], id[:]) > 0
}

// Subscriptions

func (s *Store) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return store.ErrDuplicate
	}
	sub.Events = slices.Clone(sub.Events)
	s.subs[sub.ID] = sub
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return domain.Subscription{}, store.ErrNotFound
	}
	sub.Events = slices.Clone(sub.Events)
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]domain.Subscription, error) {
	s.mu.RLock()
	var out []domain.Subscription
	for _, sub := range s.subs {
		if sub.AccountID == accountID && sub.Active {
			sub.Events = slices.Clone(sub.Events)
			out = append(out, sub)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, accountID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok || sub.AccountID != accountID || !sub.Active {
		return store.ErrNotFound
	}
	sub.Active = false
	s.subs[id] = sub
	return nil
}

// Deliveries

func (s *Store) EnqueueDeliveries(ctx context.Context, ds ...domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range ds {
		if _, ok := s.deliveries[d.ID]; ok {
			return store.ErrDuplicate
		}
	}
	for _, d := range ds {
		s.deliveries[d.ID] = d
	}
	return nil
}

func (s *Store) ClaimDeliveries(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.DeliveryAttempt
	for _, d := range s.deliveries {
		if d.Status != domain.DeliveryPending || d.NextEligibleAt.After(now) {
			continue
		}
		if d.LeaseExpiresAt != nil && d.LeaseExpiresAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextEligibleAt.Before(due[j].NextEligibleAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(ttl)
	for i := range due {
		due[i].LeaseOwner = owner
		due[i].LeaseExpiresAt = &expires
		due[i].UpdatedAt = now
		s.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *Store) RecordDelivery(ctx context.Context, owner string, d domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Status != domain.DeliveryPending || cur.LeaseOwner != owner {
		return store.ErrLeaseLost
	}
	d.LeaseOwner = ""
	d.LeaseExpiresAt = nil
	s.deliveries[d.ID] = d
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	var out []domain.DeliveryAttempt
	for _, d := range s.deliveries {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.AccountID != nil && d.AccountID != *f.AccountID {
			continue
		}
		out = append(out, d)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) > 0
	})
	return page(out, f.PageSize(), 0), nil
}

func (s *Store) ResetDelivery(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok || d.Status != domain.DeliveryExhausted {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	d.Status = domain.DeliveryPending
	d.AttemptCount = 0
	d.NextEligibleAt = now
	d.LeaseOwner = ""
	d.LeaseExpiresAt = nil
	d.UpdatedAt = now
	s.deliveries[id] = d
	return d, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
