package mysql

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) LockAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	var row accountRow
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND deleted_at IS NULL", id.String()).
		Take(&row).Error
	if err != nil {
		return domain.Account{}, mapErr(err)
	}
	return row.toDomain()
}

// SetBalance is only called on rows locked by LockAccount.
func (t *gormTx) SetBalance(ctx context.Context, id uuid.UUID, balance domain.Money, at time.Time) error {
	err := t.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"balance": balance.Decimal(), "updated_at": at}).Error
	return mapErr(err)
}

func (t *gormTx) InsertTransactions(ctx context.Context, txs ...domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	rows := make([]transactionRow, len(txs))
	for i, tr := range txs {
		rows[i] = toTransactionRow(tr)
	}
	if err := t.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("transaction insert failed: %w", mapErr(err))
	}
	return nil
}

func (t *gormTx) GetTransactions(ctx context.Context, ids []uuid.UUID) ([]domain.Transaction, error) {
	return getTransactions(ctx, t.db, ids)
}

func (t *gormTx) ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	row := idempotencyRow{
		AccountID:      rec.AccountID.String(),
		Key:            rec.Key,
		RequestHash:    rec.RequestHash,
		TransactionIDs: uuidStrings(rec.TransactionIDs),
		CreatedAt:      rec.CreatedAt,
	}
	res := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("key reservation failed: %w", mapErr(res.Error))
	}
	return res.RowsAffected == 1, nil
}

// GetIdempotencyRecord uses a locking read so a record committed by a
// concurrent unit is visible even under the transaction's snapshot.
func (t *gormTx) GetIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (domain.IdempotencyRecord, error) {
	var row idempotencyRow
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "SHARE"}).
		Where("account_id = ? AND idem_key = ?", accountID.String(), key).
		Take(&row).Error
	if err != nil {
		return domain.IdempotencyRecord{}, mapErr(err)
	}
	rec := domain.IdempotencyRecord{
		AccountID:   accountID,
		Key:         key,
		RequestHash: row.RequestHash,
		CreatedAt:   row.CreatedAt.UTC(),
	}
	for _, s := range row.TransactionIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return domain.IdempotencyRecord{}, fmt.Errorf("idempotency record %s: %w", key, err)
		}
		rec.TransactionIDs = append(rec.TransactionIDs, id)
	}
	return rec, nil
}

func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (domain.Transaction, error) {
	var row transactionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error; err != nil {
		return domain.Transaction{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) ListTransactions(ctx context.Context, accountID uuid.UUID, after *store.Cursor, limit int) ([]domain.Transaction, error) {
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID.String())
	if after != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", after.CreatedAt, after.CreatedAt, after.ID.String())
	}
	var rows []transactionRow
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	return toTransactions(rows)
}

func getTransactions(ctx context.Context, db *gorm.DB, ids []uuid.UUID) ([]domain.Transaction, error) {
	var rows []transactionRow
	if err := db.WithContext(ctx).Where("id IN ?", uuidStrings(ids)).Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	found, err := toTransactions(rows)
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

func toTransactions(rows []transactionRow) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
