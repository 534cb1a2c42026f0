package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"github.com/punchamoorthee/ledgerhooks/internal/store/memory"
)

type testEnv struct {
	store    *memory.Store
	engine   *service.Engine
	accounts *service.Accounts
	clock    *clock.Fake
}

func setupTest(t *testing.T, opts ...service.Option) *testEnv {
	t.Helper()
	s := memory.New()
	c := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]service.Option{
		service.WithClock(c),
		service.WithLogger(logger),
		service.WithRetryPause(time.Millisecond),
	}, opts...)
	return &testEnv{
		store:    s,
		engine:   service.NewEngine(s, opts...),
		accounts: service.NewAccounts(s, c, logger),
		clock:    c,
	}
}

func (e *testEnv) seedAccount(t *testing.T, name, balance string) uuid.UUID {
	t.Helper()
	a, err := e.accounts.CreateAccount(context.Background(), name)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if m := domain.MustMoney(balance); m.IsPositive() {
		if _, err := e.engine.Deposit(context.Background(), service.DepositInput{AccountID: a.ID, Amount: m}); err != nil {
			t.Fatalf("seed deposit: %v", err)
		}
	}
	return a.ID
}

func (e *testEnv) balance(t *testing.T, id uuid.UUID) domain.Money {
	t.Helper()
	a, err := e.store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return a.Balance
}

func (e *testEnv) expectBalance(t *testing.T, id uuid.UUID, want string) {
	t.Helper()
	if got := e.balance(t, id); !got.Equal(domain.MustMoney(want)) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

func key(s string) *string { return &s }

func TestDepositTransferReplay(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	b := env.seedAccount(t, "B", "0")

	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("100.00")}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	env.expectBalance(t, a, "100.00")

	in := service.TransferInput{FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("40.00"), IdempotencyKey: key("t-1")}
	first, err := env.engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	env.expectBalance(t, a, "60.00")
	env.expectBalance(t, b, "40.00")

	if first.Transaction.Kind != domain.KindTransferOut || first.Counterpart == nil || first.Counterpart.Kind != domain.KindTransferIn {
		t.Fatalf("expected linked transfer pair, got %+v", first)
	}
	if *first.Transaction.LinkedID != first.Counterpart.ID || *first.Counterpart.LinkedID != first.Transaction.ID {
		t.Fatalf("transfer legs are not linked")
	}

	second, err := env.engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("replayed transfer: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay")
	}
	if second.Transaction.ID != first.Transaction.ID || second.Counterpart.ID != first.Counterpart.ID {
		t.Fatalf("expected same transaction ids, got %s and %s", first.Transaction.ID, second.Transaction.ID)
	}
	env.expectBalance(t, a, "60.00")
	env.expectBalance(t, b, "40.00")
}

func TestDepositIdempotence(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")

	in := service.DepositInput{AccountID: a, Amount: domain.MustMoney("25.50"), IdempotencyKey: key("dep-1")}
	var ids []uuid.UUID
	for range 5 {
		r, err := env.engine.Deposit(ctx, in)
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
		ids = append(ids, r.Transaction.ID)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected identical responses, got %s and %s", ids[0], id)
		}
	}
	env.expectBalance(t, a, "25.50")
}

func TestConcurrentDepositsSameKey(t *testing.T) {
	env := setupTest(t)
	a := env.seedAccount(t, "A", "0")

	const n = 20
	var wg sync.WaitGroup
	results := make([]*service.Receipt, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.engine.Deposit(context.Background(), service.DepositInput{
				AccountID: a, Amount: domain.MustMoney("10"), IdempotencyKey: key("same"),
			})
		}()
	}
	wg.Wait()

	replays := 0
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("deposit %d: %v", i, errs[i])
		}
		if results[i].Transaction.ID != results[0].Transaction.ID {
			t.Fatalf("expected a single transaction id")
		}
		if results[i].Replayed {
			replays++
		}
	}
	if replays != n-1 {
		t.Fatalf("expected %d replays, got %d", n-1, replays)
	}
	env.expectBalance(t, a, "10.00")
}

func TestIdempotencyKeyScopedPerAccount(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	b := env.seedAccount(t, "B", "0")

	ra, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("5"), IdempotencyKey: key("shared")})
	if err != nil {
		t.Fatal(err)
	}
	rb, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: b, Amount: domain.MustMoney("5"), IdempotencyKey: key("shared")})
	if err != nil {
		t.Fatal(err)
	}
	if rb.Replayed || ra.Transaction.ID == rb.Transaction.ID {
		t.Fatalf("same key on different accounts must apply independently")
	}
	env.expectBalance(t, a, "5.00")
	env.expectBalance(t, b, "5.00")

	// Within one account the key is single use, whatever the operation.
	_, err = env.engine.Withdraw(ctx, service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("5"), IdempotencyKey: key("shared")})
	if !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Fatalf("expected ErrIdempotencyMismatch, got %v", err)
	}
	env.expectBalance(t, a, "5.00")
}

func TestIdempotencyKeyMismatch(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")

	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("10"), IdempotencyKey: key("k")}); err != nil {
		t.Fatal(err)
	}
	_, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("11"), IdempotencyKey: key("k")})
	if !errors.Is(err, domain.ErrIdempotencyMismatch) {
		t.Fatalf("expected ErrIdempotencyMismatch, got %v", err)
	}
	env.expectBalance(t, a, "10.00")
}

func TestValidationBeforeMutation(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "10")

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"zero deposit", func() error {
			_, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.Money{}})
			return err
		}, domain.ErrInvalidAmount},
		{"same account", func() error {
			_, err := env.engine.Transfer(ctx, service.TransferInput{FromAccountID: a, ToAccountID: a, Amount: domain.MustMoney("1")})
			return err
		}, domain.ErrSameAccount},
		{"empty key", func() error {
			_, err := env.engine.Withdraw(ctx, service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("1"), IdempotencyKey: key(" ")})
			return err
		}, domain.ErrInvalidIdempotencyKey},
		{"long key", func() error {
			long := fmt.Sprintf("%0256d", 0)
			_, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("1"), IdempotencyKey: &long})
			return err
		}, domain.ErrInvalidIdempotencyKey},
		{"unknown account", func() error {
			_, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: uuid.New(), Amount: domain.MustMoney("1")})
			return err
		}, domain.ErrAccountNotFound},
		{"insufficient funds", func() error {
			_, err := env.engine.Withdraw(ctx, service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("10.01")})
			return err
		}, domain.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			env.expectBalance(t, a, "10.00")
		})
	}
}

func TestFailedOperationLeavesNoRecord(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "10")
	b := env.seedAccount(t, "B", "0")

	_, err := env.engine.Transfer(ctx, service.TransferInput{FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("50"), IdempotencyKey: key("big")})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	txs, _ := env.store.ListTransactions(ctx, b, nil, 10)
	if len(txs) != 0 {
		t.Fatalf("expected no transactions on B, got %d", len(txs))
	}

	// The key was rolled back together with the mutation and is usable again.
	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("40")}); err != nil {
		t.Fatal(err)
	}
	r, err := env.engine.Transfer(ctx, service.TransferInput{FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("50"), IdempotencyKey: key("big")})
	if err != nil || r.Replayed {
		t.Fatalf("expected fresh transfer, got %+v, %v", r, err)
	}
	env.expectBalance(t, a, "0.00")
	env.expectBalance(t, b, "50.00")
}

func TestConcurrentOppositeTransfers(t *testing.T) {
	env := setupTest(t, service.WithOpTimeout(10*time.Second))
	a := env.seedAccount(t, "A", "1000")
	b := env.seedAccount(t, "B", "1000")

	const k = 50
	var wg sync.WaitGroup
	errs := make(chan error, 2*k)
	for i := range k {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.engine.Transfer(context.Background(), service.TransferInput{
				FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("3"), IdempotencyKey: key(fmt.Sprintf("ab-%d", i)),
			})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := env.engine.Transfer(context.Background(), service.TransferInput{
				FromAccountID: b, ToAccountID: a, Amount: domain.MustMoney("1"), IdempotencyKey: key(fmt.Sprintf("ba-%d", i)),
			})
			errs <- err
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("transfers did not finish, possible deadlock")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transfer: %v", err)
		}
	}

	// Net flow A->B is k*(3-1).
	env.expectBalance(t, a, "900.00")
	env.expectBalance(t, b, "1100.00")
}

func TestConservationUnderRandomTransfers(t *testing.T) {
	env := setupTest(t)
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = env.seedAccount(t, fmt.Sprintf("acc-%d", i), "100")
	}

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			from, to := ids[i%5], ids[(i*3+1)%5]
			if from == to {
				return
			}
			_, err := env.engine.Transfer(context.Background(), service.TransferInput{
				FromAccountID: from, ToAccountID: to, Amount: domain.MustMoney("7.25"),
			})
			if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("transfer: %v", err)
			}
		}()
	}
	wg.Wait()

	total := domain.Money{}
	for _, id := range ids {
		b := env.balance(t, id)
		if b.Decimal().IsNegative() {
			t.Fatalf("negative balance %s", b)
		}
		total, _ = total.Add(b)
	}
	if !total.Equal(domain.MustMoney("500")) {
		t.Fatalf("expected total 500.00, got %s", total)
	}
}

func TestRetryOnConflict(t *testing.T) {
	env := setupTest(t, service.WithMaxRetries(3))
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")

	env.store.FailCommits(2)
	r, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("8"), IdempotencyKey: key("retry")})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if r.Replayed {
		t.Fatalf("a retried unit of work is not a replay")
	}
	env.expectBalance(t, a, "8.00")

	env.store.FailCommits(10)
	_, err = env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("1")})
	if !errors.Is(err, domain.ErrContention) || !domain.IsRetryable(err) {
		t.Fatalf("expected ErrContention, got %v", err)
	}
	env.store.FailCommits(0)
	env.expectBalance(t, a, "8.00")
}

func TestTimeoutIsOutcomeUnknown(t *testing.T) {
	env := setupTest(t, service.WithOpTimeout(50*time.Millisecond))
	a := env.seedAccount(t, "A", "10")

	locked := make(chan struct{})
	release := make(chan struct{})
	go env.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.LockAccount(ctx, a); err != nil {
			return err
		}
		close(locked)
		<-release
		return nil
	})
	<-locked

	_, err := env.engine.Withdraw(context.Background(), service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("1"), IdempotencyKey: key("slow")})
	close(release)
	if !errors.Is(err, domain.ErrOutcomeUnknown) {
		t.Fatalf("expected ErrOutcomeUnknown, got %v", err)
	}

	// Retrying with the same key resolves the outcome.
	r, err := env.engine.Withdraw(context.Background(), service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("1"), IdempotencyKey: key("slow")})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r.Replayed {
		t.Fatalf("timed out attempt must not have committed")
	}
	env.expectBalance(t, a, "9.00")
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls [][]domain.Transaction
	err   error
}

func (p *recordingPublisher) Publish(ctx context.Context, txs []domain.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, txs)
	return p.err
}

func TestPublishAfterCommitOnly(t *testing.T) {
	pub := &recordingPublisher{}
	env := setupTest(t, service.WithPublisher(pub))
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	b := env.seedAccount(t, "B", "0")
	pub.calls = nil

	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("10"), IdempotencyKey: key("p")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("10"), IdempotencyKey: key("p")}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Withdraw(ctx, service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("99")}); err == nil {
		t.Fatal("expected insufficient funds")
	}
	if _, err := env.engine.Transfer(ctx, service.TransferInput{FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("4")}); err != nil {
		t.Fatal(err)
	}

	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.calls))
	}
	if len(pub.calls[1]) != 2 {
		t.Fatalf("expected both transfer legs published, got %d", len(pub.calls[1]))
	}

	pub.err = errors.New("queue down")
	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: b, Amount: domain.MustMoney("1")}); err != nil {
		t.Fatalf("publish failure must not fail the deposit: %v", err)
	}
	env.expectBalance(t, b, "5.00")
}
