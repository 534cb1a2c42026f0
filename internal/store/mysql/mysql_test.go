package mysql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	drv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"gorm.io/gorm"
)

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", User: "ledger", Password: "secret", DBName: "ledger"}
	dsn, err := cfg.DSN()
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	parsed, err := drv.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("parse rendered dsn: %v", err)
	}
	if parsed.Addr != "db:3306" || !parsed.ParseTime || parsed.Loc != time.UTC {
		t.Fatalf("unexpected config %+v", parsed)
	}

	cfg = Config{Source: "u:p@tcp(example:3307)/x"}
	dsn, err = cfg.DSN()
	if err != nil {
		t.Fatalf("dsn from source: %v", err)
	}
	if !strings.Contains(dsn, "example:3307") || !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("source not honoured: %s", dsn)
	}

	cfg = Config{Source: "not a dsn"}
	if _, err := cfg.DSN(); err == nil {
		t.Fatalf("expected invalid dsn error")
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", gorm.ErrRecordNotFound, store.ErrNotFound},
		{"deadlock", &drv.MySQLError{Number: 1213}, store.ErrConflict},
		{"lock wait", fmt.Errorf("exec: %w", &drv.MySQLError{Number: 1205}), store.ErrConflict},
		{"duplicate", &drv.MySQLError{Number: 1062}, store.ErrDuplicate},
		{"already mapped", fmt.Errorf("%w: x", store.ErrConflict), store.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapErr(tt.in); !errors.Is(got, tt.want) {
				t.Fatalf("mapErr(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	other := errors.New("boom")
	if got := mapErr(other); got != other {
		t.Fatalf("expected passthrough, got %v", got)
	}
}

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("MYSQL_DSN not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, Config{Source: dsn, LogLevel: "silent"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s := NewStore(client)
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"delivery_attempts", "webhook_subscriptions", "idempotency_keys", "transactions", "accounts"} {
		if err := s.db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}
	return s
}

func newEngine(s *Store) (*service.Engine, *service.Accounts) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewEngine(s, service.WithLogger(logger), service.WithMaxRetries(10)),
		service.NewAccounts(s, nil, logger)
}

func openAccount(t *testing.T, accounts *service.Accounts, engine *service.Engine, balance string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	a, err := accounts.CreateAccount(ctx, "acct")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if m := domain.MustMoney(balance); m.IsPositive() {
		if _, err := engine.Deposit(ctx, service.DepositInput{AccountID: a.ID, Amount: m}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	return a.ID
}

func TestMySQLTransferReplay(t *testing.T) {
	s := setupStore(t)
	engine, accounts := newEngine(s)
	ctx := context.Background()
	a := openAccount(t, accounts, engine, "50.00")
	b := openAccount(t, accounts, engine, "0")

	k := "mysql-1"
	in := service.TransferInput{FromAccountID: a, ToAccountID: b, Amount: domain.MustMoney("12.34"), IdempotencyKey: &k}
	first, err := engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	second, err := engine.Transfer(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Counterpart.ID != first.Counterpart.ID {
		t.Fatalf("expected replay, got %+v", second)
	}

	acc, err := s.GetAccount(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.Equal(domain.MustMoney("37.66")) {
		t.Fatalf("expected 37.66, got %s", acc.Balance)
	}
}

func TestMySQLConcurrentWithdrawals(t *testing.T) {
	s := setupStore(t)
	engine, accounts := newEngine(s)
	ctx := context.Background()
	a := openAccount(t, accounts, engine, "10.00")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Withdraw(ctx, service.WithdrawInput{AccountID: a, Amount: domain.MustMoney("1.00")})
			if err != nil && !errors.Is(err, domain.ErrInsufficientFunds) {
				t.Errorf("withdraw: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected 10 successful withdrawals, got %d", succeeded)
	}
	acc, err := s.GetAccount(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", acc.Balance)
	}
}

func TestMySQLClaimSkipsLeased(t *testing.T) {
	s := setupStore(t)
	engine, accounts := newEngine(s)
	ctx := context.Background()
	a := openAccount(t, accounts, engine, "1.00")

	page, err := engine.HistoryPage(ctx, a, service.Page{})
	if err != nil || len(page.Transactions) != 1 {
		t.Fatalf("history: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	sub := domain.Subscription{
		ID: uuid.New(), AccountID: a, URL: "https://example.com/hook",
		Events: []string{domain.EventAll}, Secret: "s", Active: true, CreatedAt: now,
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("subscription: %v", err)
	}
	d := domain.DeliveryAttempt{
		ID: uuid.New(), SubscriptionID: sub.ID, TransactionID: page.Transactions[0].ID, AccountID: a,
		Event: domain.EventTransactionCompleted, NextEligibleAt: now, Status: domain.DeliveryPending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.EnqueueDeliveries(ctx, d); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	claimed, err := s.ClaimDeliveries(ctx, now, "w1", time.Minute, 5)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if again, err := s.ClaimDeliveries(ctx, now, "w2", time.Minute, 5); err != nil || len(again) != 0 {
		t.Fatalf("expected leased attempt to be skipped: %v (%d)", err, len(again))
	}
	later := now.Add(2 * time.Minute)
	reclaimed, err := s.ClaimDeliveries(ctx, later, "w2", time.Minute, 5)
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("expected expired lease to be reclaimed: %v (%d)", err, len(reclaimed))
	}

	done := claimed[0]
	done.AttemptCount = 1
	done.Status = domain.DeliveryDelivered
	done.DeliveredAt = &later
	done.UpdatedAt = later
	if err := s.RecordDelivery(ctx, "w1", done); !errors.Is(err, store.ErrLeaseLost) {
		t.Fatalf("expected lease lost, got %v", err)
	}
	if err := s.RecordDelivery(ctx, "w2", done); err != nil {
		t.Fatalf("record: %v", err)
	}
}
