package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const transactionColumns = `id, account_id, type, counterparty_id, linked_id, amount::text, idempotency_key, status, created_at`

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	a, err := scanAccount(row)
	if err != nil {
		return domain.Account{}, mapErr(err)
	}
	return a, nil
}

func (t *pgTx) SetBalance(ctx context.Context, id uuid.UUID, balance domain.Money, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = $2::numeric, updated_at = $3 WHERE id = $1",
		id, balance.String(), at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransactions(ctx context.Context, txs ...domain.Transaction) error {
	batch := &pgx.Batch{}
	for _, tr := range txs {
		batch.Queue(
			`INSERT INTO transactions (id, account_id, type, counterparty_id, linked_id, amount, idempotency_key, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9)`,
			tr.ID, tr.AccountID, string(tr.Kind), tr.CounterpartyID, tr.LinkedID,
			tr.Amount.String(), tr.IdempotencyKey, string(tr.Status), tr.CreatedAt,
		)
	}
	br := t.tx.SendBatch(ctx, batch)
	for range txs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("transaction insert failed: %w", mapErr(err))
		}
	}
	return mapErr(br.Close())
}

func (t *pgTx) GetTransactions(ctx context.Context, ids []uuid.UUID) ([]domain.Transaction, error) {
	return getTransactions(ctx, t.tx, ids)
}

func (t *pgTx) ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO idempotency_keys (account_id, key, request_hash, transaction_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (account_id, key) DO NOTHING`,
		rec.AccountID, rec.Key, rec.RequestHash, uuidStrings(rec.TransactionIDs), rec.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("key reservation failed: %w", mapErr(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) GetIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{AccountID: accountID, Key: key}
	var ids []string
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, transaction_ids, created_at FROM idempotency_keys WHERE account_id = $1 AND key = $2",
		accountID, key,
	).Scan(&rec.RequestHash, &ids, &rec.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, mapErr(err)
	}
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return domain.IdempotencyRecord{}, fmt.Errorf("idempotency record %s: %w", key, err)
		}
		rec.TransactionIDs = append(rec.TransactionIDs, id)
	}
	return rec, nil
}

// GetTransaction retrieves a single committed transaction.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return domain.Transaction{}, mapErr(err)
	}
	return t, nil
}

// ListTransactions pages an account's history newest first by keyset on
// (created_at, id).
func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID, after *store.Cursor, limit int) ([]domain.Transaction, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.Query(ctx,
			`SELECT `+transactionColumns+` FROM transactions
			 WHERE account_id = $1
			 ORDER BY created_at DESC, id DESC LIMIT $2`,
			accountID, limit)
	} else {
		rows, err = s.db.Query(ctx,
			`SELECT `+transactionColumns+` FROM transactions
			 WHERE account_id = $1 AND (created_at, id) < ($2::timestamptz, $3::uuid)
			 ORDER BY created_at DESC, id DESC LIMIT $4`,
			accountID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return collectTransactions(rows)
}

func getTransactions(ctx context.Context, q querier, ids []uuid.UUID) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ANY($1::uuid[])`, uuidStrings(ids))
	if err != nil {
		return nil, mapErr(err)
	}
	found, err := collectTransactions(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]domain.Transaction, len(found))
	for _, t := range found {
		byID[t.ID] = t
	}
	out := make([]domain.Transaction, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		out = append(out, t)
	}
	return out, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		t            domain.Transaction
		kind, status string
		amount       string
	)
	err := row.Scan(&t.ID, &t.AccountID, &kind, &t.CounterpartyID, &t.LinkedID, &amount, &t.IdempotencyKey, &status, &t.CreatedAt)
	if err != nil {
		return domain.Transaction{}, err
	}
	t.Kind = domain.TransactionKind(kind)
	if t.Status, err = domain.ParseTransactionStatus(status); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	if t.Amount, err = domain.ParseMoney(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s amount: %w", t.ID, err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
