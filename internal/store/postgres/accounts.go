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

const accountColumns = `id, name, balance::text, webhook_secret, deleted_at, created_at, updated_at`

// CreateAccount inserts a new account. Balances start at zero; only the
// ledger engine moves them.
func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, name, balance, webhook_secret, created_at, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, $6)`,
		a.ID, a.Name, a.Balance.String(), a.WebhookSecret, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

// GetAccount retrieves a single account by ID, including soft-deleted ones.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return domain.Account{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts
		 WHERE deleted_at IS NULL
		 ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL", id, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateWebhookSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET webhook_secret = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL", id, secret, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a       domain.Account
		balance string
	)
	if err := row.Scan(&a.ID, &a.Name, &balance, &a.WebhookSecret, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return domain.Account{}, err
	}
	var err error
	if a.Balance, err = domain.ParseMoney(balance); err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance: %w", a.ID, err)
	}
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	return a, nil
}
