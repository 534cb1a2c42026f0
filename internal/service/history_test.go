package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/service"
)

func seedHistory(t *testing.T, env *testEnv, id uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	for range n {
		env.clock.Advance(time.Second)
		r, err := env.engine.Deposit(context.Background(), service.DepositInput{AccountID: id, Amount: domain.MustMoney("1")})
		if err != nil {
			t.Fatalf("deposit: %v", err)
		}
		ids = append(ids, r.Transaction.ID)
	}
	return ids
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	env := setupTest(t)
	a := env.seedAccount(t, "A", "0")
	ids := seedHistory(t, env, a, 25)

	seq := env.engine.History(context.Background(), a, 10)
	collect := func() []uuid.UUID {
		var got []uuid.UUID
		for tx, err := range seq {
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			got = append(got, tx.ID)
		}
		return got
	}

	first := collect()
	if len(first) != 25 {
		t.Fatalf("expected 25 transactions, got %d", len(first))
	}
	for i, id := range first {
		if id != ids[len(ids)-1-i] {
			t.Fatalf("position %d: expected newest first", i)
		}
	}
	second := collect()
	if len(second) != 25 || second[0] != first[0] {
		t.Fatalf("second range must start over")
	}

	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("early break: got %d", n)
	}
}

func TestHistoryUnknownAccount(t *testing.T) {
	env := setupTest(t)
	for _, err := range env.engine.History(context.Background(), uuid.New(), 10) {
		if !errors.Is(err, domain.ErrAccountNotFound) {
			t.Fatalf("expected ErrAccountNotFound, got %v", err)
		}
		return
	}
	t.Fatal("expected an error element")
}

func TestHistoryPageCursor(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	seedHistory(t, env, a, 7)

	p1, err := env.engine.HistoryPage(ctx, a, service.Page{Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Transactions) != 3 || p1.NextCursor == "" {
		t.Fatalf("unexpected first page: %d, %q", len(p1.Transactions), p1.NextCursor)
	}

	seen := map[uuid.UUID]bool{}
	page := p1
	total := 0
	for {
		for _, tx := range page.Transactions {
			if seen[tx.ID] {
				t.Fatalf("transaction %s returned twice", tx.ID)
			}
			seen[tx.ID] = true
			total++
		}
		if page.NextCursor == "" {
			break
		}
		page, err = env.engine.HistoryPage(ctx, a, service.Page{Limit: 3, Cursor: page.NextCursor})
		if err != nil {
			t.Fatal(err)
		}
	}
	if total != 7 {
		t.Fatalf("expected 7 transactions, got %d", total)
	}

	if _, err := env.engine.HistoryPage(ctx, a, service.Page{Cursor: "!!"}); !domain.IsValidation(err) {
		t.Fatalf("expected validation error for bad cursor, got %v", err)
	}
}

func TestHistorySurvivesSoftDelete(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	seedHistory(t, env, a, 2)

	if err := env.accounts.DeleteAccount(ctx, a); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Deposit(ctx, service.DepositInput{AccountID: a, Amount: domain.MustMoney("1")}); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound on deleted account, got %v", err)
	}
	page, err := env.engine.HistoryPage(ctx, a, service.Page{})
	if err != nil || len(page.Transactions) != 2 {
		t.Fatalf("expected history to remain readable, got %d, %v", len(page.Transactions), err)
	}
}

func TestGetTransaction(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	a := env.seedAccount(t, "A", "0")
	ids := seedHistory(t, env, a, 1)

	tx, err := env.engine.GetTransaction(ctx, ids[0])
	if err != nil || tx.Kind != domain.KindCredit {
		t.Fatalf("unexpected %+v, %v", tx, err)
	}
	if _, err := env.engine.GetTransaction(ctx, uuid.New()); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}
