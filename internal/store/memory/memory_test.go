package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := s.CreateAccount(context.Background(), domain.Account{ID: id, Name: "a", CreatedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return id
}

func TestLockBlocksUntilUnitEnds(t *testing.T) {
	s := New()
	id := seed(t, s)
	ctx := context.Background()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LockAccount(ctx, id); err != nil {
				return err
			}
			close(locked)
			<-release
			return tx.SetBalance(ctx, id, domain.MustMoney("5.00"), t0)
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := s.InTx(waitCtx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccount(ctx, id)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second lock to wait, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first unit: %v", err)
	}
	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.LockAccount(ctx, id)
		if err != nil {
			return err
		}
		if !a.Balance.Equal(domain.MustMoney("5.00")) {
			t.Errorf("expected committed balance, got %s", a.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("third unit: %v", err)
	}
}

func TestFailedUnitDiscardsWrites(t *testing.T) {
	s := New()
	id := seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, id, domain.MustMoney("9.00"), t0); err != nil {
			return err
		}
		created, err := tx.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{AccountID: id, Key: "k"})
		if err != nil || !created {
			t.Errorf("reserve: %v %v", created, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, _ := s.GetAccount(ctx, id)
	if !a.Balance.IsZero() {
		t.Fatalf("expected balance to stay zero, got %s", a.Balance)
	}
	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		created, err := tx.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{AccountID: id, Key: "k"})
		if err != nil {
			return err
		}
		if !created {
			t.Errorf("expected key to be free after rollback")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestInjectedCommitFailure(t *testing.T) {
	s := New()
	id := seed(t, s)
	ctx := context.Background()
	s.FailCommits(1)

	write := func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return err
		}
		return tx.SetBalance(ctx, id, domain.MustMoney("1.00"), t0)
	}
	if err := s.InTx(ctx, write); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.InTx(ctx, write); err != nil {
		t.Fatalf("expected second unit to commit, got %v", err)
	}
}

func TestDeletedAccountCannotBeLocked(t *testing.T) {
	s := New()
	id := seed(t, s)
	ctx := context.Background()
	if err := s.SoftDeleteAccount(ctx, id, t0); err != nil {
		t.Fatal(err)
	}
	if err := s.SoftDeleteAccount(ctx, id, t0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected second delete to miss, got %v", err)
	}
	err := s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.LockAccount(ctx, id)
		return err
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetAccount(ctx, id); err != nil {
		t.Fatalf("deleted accounts stay readable: %v", err)
	}
}

func TestClaimLeaseAndReset(t *testing.T) {
	s := New()
	ctx := context.Background()
	d := domain.DeliveryAttempt{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		TransactionID:  uuid.New(),
		AccountID:      uuid.New(),
		Event:          domain.EventTransactionCompleted,
		NextEligibleAt: t0.Add(time.Second),
		Status:         domain.DeliveryPending,
		CreatedAt:      t0,
		UpdatedAt:      t0,
	}
	if err := s.EnqueueDeliveries(ctx, d); err != nil {
		t.Fatal(err)
	}

	if got, _ := s.ClaimDeliveries(ctx, t0, "w1", time.Minute, 10); len(got) != 0 {
		t.Fatalf("attempt is not due yet, claimed %d", len(got))
	}
	now := t0.Add(time.Second)
	if got, _ := s.ClaimDeliveries(ctx, now, "w1", time.Minute, 0); len(got) != 0 {
		t.Fatalf("zero limit claimed %d", len(got))
	}
	got, err := s.ClaimDeliveries(ctx, now, "w1", time.Minute, 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(got))
	}
	if got[0].LeaseOwner != "w1" || !got[0].LeaseExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected lease %+v", got[0])
	}
	if again, _ := s.ClaimDeliveries(ctx, now.Add(30*time.Second), "w2", time.Minute, 10); len(again) != 0 {
		t.Fatalf("leased attempt claimed twice")
	}

	a := got[0]
	a.AttemptCount = 1
	a.Status = domain.DeliveryExhausted
	if err := s.RecordDelivery(ctx, "w2", a); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
	if err := s.RecordDelivery(ctx, "w1", a); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordDelivery(ctx, "w1", a); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("terminal attempt must not be rewritten, got %v", err)
	}

	dead, err := s.ListDeliveries(ctx, store.DeliveryFilter{Status: domain.DeliveryExhausted})
	if err != nil || len(dead) != 1 {
		t.Fatalf("list exhausted: %v (%d)", err, len(dead))
	}

	reset, err := s.ResetDelivery(ctx, d.ID, now)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != domain.DeliveryPending || reset.AttemptCount != 0 || reset.LeaseExpiresAt != nil {
		t.Fatalf("unexpected reset state %+v", reset)
	}
	if _, err := s.ResetDelivery(ctx, d.ID, now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pending attempt must not reset, got %v", err)
	}
}

func TestListDeliveriesDefaultLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	batch := make([]domain.DeliveryAttempt, store.DefaultDeliveryLimit+5)
	for i := range batch {
		batch[i] = domain.DeliveryAttempt{
			ID:             uuid.New(),
			SubscriptionID: uuid.New(),
			TransactionID:  uuid.New(),
			AccountID:      uuid.New(),
			Event:          domain.EventTransactionCompleted,
			NextEligibleAt: t0,
			Status:         domain.DeliveryPending,
			CreatedAt:      t0.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:      t0,
		}
	}
	if err := s.EnqueueDeliveries(ctx, batch...); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListDeliveries(ctx, store.DeliveryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != store.DefaultDeliveryLimit {
		t.Fatalf("expected %d, got %d", store.DefaultDeliveryLimit, len(got))
	}
	if got[0].ID != batch[len(batch)-1].ID {
		t.Fatal("expected newest attempt first")
	}
	if all, _ := s.ListDeliveries(ctx, store.DeliveryFilter{Limit: 500}); len(all) != len(batch) {
		t.Fatalf("explicit limit: expected %d, got %d", len(batch), len(all))
	}
}
