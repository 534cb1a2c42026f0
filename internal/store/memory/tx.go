package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// lockTable hands out named exclusive locks that honour context
// cancellation. A lock is held until the owning unit of work ends.
type lockTable struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func (l *lockTable) acquire(ctx context.Context, name string) error {
	l.mu.Lock()
	sem, ok := l.sems[name]
	if !ok {
		sem = make(chan struct{}, 1)
		l.sems[name] = sem
	}
	l.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *lockTable) release(name string) {
	l.mu.Lock()
	sem := l.sems[name]
	l.mu.Unlock()
	<-sem
}

type balanceWrite struct {
	balance domain.Money
	at      time.Time
}

// tx stages writes and applies them to the store on commit.
type tx struct {
	s *Store

	held     []string
	holding  map[string]bool
	balances map[uuid.UUID]balanceWrite
	inserted []domain.Transaction
	reserved map[idemKey]domain.IdempotencyRecord
}

func newTx(s *Store) *tx {
	return &tx{
		s:        s,
		holding:  make(map[string]bool),
		balances: make(map[uuid.UUID]balanceWrite),
		reserved: make(map[idemKey]domain.IdempotencyRecord),
	}
}

func (t *tx) lock(ctx context.Context, name string) error {
	if t.holding[name] {
		return nil
	}
	if err := t.s.locks.acquire(ctx, name); err != nil {
		return err
	}
	t.holding[name] = true
	t.held = append(t.held, name)
	return nil
}

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range t.balances {
		a := s.accounts[id]
		a.Balance = w.balance
		a.UpdatedAt = w.at
		s.accounts[id] = a
	}
	for _, tr := range t.inserted {
		s.txs[tr.ID] = tr
		s.byAccount[tr.AccountID] = append(s.byAccount[tr.AccountID], tr.ID)
	}
	for k, rec := range t.reserved {
		s.idem[k] = rec
	}
}

func (t *tx) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	if err := t.lock(ctx, "account:"+id.String()); err != nil {
		return domain.Account{}, err
	}
	t.s.mu.RLock()
	a, ok := t.s.accounts[id]
	t.s.mu.RUnlock()
	if !ok || a.DeletedAt != nil {
		return domain.Account{}, store.ErrNotFound
	}
	if w, ok := t.balances[id]; ok {
		a.Balance = w.balance
		a.UpdatedAt = w.at
	}
	return a, nil
}

func (t *tx) SetBalance(ctx context.Context, id uuid.UUID, balance domain.Money, at time.Time) error {
	if !t.holding["account:"+id.String()] {
		return store.ErrNotFound
	}
	t.balances[id] = balanceWrite{balance: balance, at: at}
	return nil
}

func (t *tx) InsertTransactions(ctx context.Context, txs ...domain.Transaction) error {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, tr := range txs {
		if _, ok := t.s.txs[tr.ID]; ok {
			return store.ErrDuplicate
		}
	}
	t.inserted = append(t.inserted, txs...)
	return nil
}

func (t *tx) GetTransactions(ctx context.Context, ids []uuid.UUID) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, len(ids))
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, id := range ids {
		if tr, ok := t.s.txs[id]; ok {
			out = append(out, tr)
			continue
		}
		i := slices.IndexFunc(t.inserted, func(tr domain.Transaction) bool { return tr.ID == id })
		if i < 0 {
			return nil, store.ErrNotFound
		}
		out = append(out, t.inserted[i])
	}
	return out, nil
}

func (t *tx) ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	k := idemKey{account: rec.AccountID, key: rec.Key}
	if err := t.lock(ctx, "idem:"+rec.AccountID.String()+":"+rec.Key); err != nil {
		return false, err
	}
	if _, ok := t.reserved[k]; ok {
		return false, nil
	}
	t.s.mu.RLock()
	_, exists := t.s.idem[k]
	t.s.mu.RUnlock()
	if exists {
		return false, nil
	}
	rec.TransactionIDs = slices.Clone(rec.TransactionIDs)
	t.reserved[k] = rec
	return true, nil
}

func (t *tx) GetIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (domain.IdempotencyRecord, error) {
	k := idemKey{account: accountID, key: key}
	if rec, ok := t.reserved[k]; ok {
		return rec, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	rec, ok := t.s.idem[k]
	if !ok {
		return domain.IdempotencyRecord{}, store.ErrNotFound
	}
	return rec, nil
}
