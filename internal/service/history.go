package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Page selects one slice of an account's history. Cursor is the opaque
// NextCursor of a previous page; empty means the newest transactions.
type Page struct {
	Limit  int
	Cursor string
}

type HistoryPage struct {
	Transactions []domain.Transaction `json:"transactions"`
	NextCursor   string               `json:"next_cursor,omitempty"`
}

// History returns an account's transactions newest first. The sequence is
// lazy: pages are fetched as the caller ranges over it, and each range starts
// again from the newest transaction.
func (e *Engine) History(ctx context.Context, accountID uuid.UUID, pageSize int) iter.Seq2[domain.Transaction, error] {
	pageSize = clampPageSize(pageSize)
	return func(yield func(domain.Transaction, error) bool) {
		if err := e.requireAccount(ctx, accountID); err != nil {
			yield(domain.Transaction{}, err)
			return
		}
		var after *store.Cursor
		for {
			txs, err := e.store.ListTransactions(ctx, accountID, after, pageSize)
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("list transactions: %w", err))
				return
			}
			for _, t := range txs {
				if !yield(t, nil) {
					return
				}
			}
			if len(txs) < pageSize {
				return
			}
			last := txs[len(txs)-1]
			after = &store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}
	}
}

// HistoryPage returns a single page of History.
func (e *Engine) HistoryPage(ctx context.Context, accountID uuid.UUID, p Page) (HistoryPage, error) {
	limit := clampPageSize(p.Limit)
	after, err := decodeCursor(p.Cursor)
	if err != nil {
		return HistoryPage{}, err
	}
	if err := e.requireAccount(ctx, accountID); err != nil {
		return HistoryPage{}, err
	}
	txs, err := e.store.ListTransactions(ctx, accountID, after, limit)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("list transactions: %w", err)
	}
	out := HistoryPage{Transactions: txs}
	if len(txs) == limit {
		last := txs[len(txs)-1]
		out.NextCursor = encodeCursor(store.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return out, nil
}

// GetTransaction reads one committed transaction.
func (e *Engine) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	t, err := e.store.GetTransaction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return t, err
}

// requireAccount accepts soft-deleted accounts: their history stays readable.
func (e *Engine) requireAccount(ctx context.Context, id uuid.UUID) error {
	_, err := e.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrAccountNotFound
	}
	return err
}

func clampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return min(n, MaxPageSize)
}

func encodeCursor(c store.Cursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*store.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	invalid := domain.NewValidationError("cursor", "malformed")
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, invalid
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, invalid
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, invalid
	}
	return &store.Cursor{CreatedAt: at, ID: uid}, nil
}
