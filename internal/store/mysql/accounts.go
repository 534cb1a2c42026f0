package mysql

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) error {
	row := toAccountRow(a)
	return mapErr(s.db.WithContext(ctx).Create(&row).Error)
}

// GetAccount returns soft-deleted accounts too.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error; err != nil {
		return domain.Account{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	var rows []accountRow
	err := s.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Order("created_at, id").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		a, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *Store) SoftDeleteAccount(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ? AND deleted_at IS NULL", id.String()).
		Updates(map[string]any{"deleted_at": at, "updated_at": at})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateWebhookSecret(ctx context.Context, id uuid.UUID, secret string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("id = ? AND deleted_at IS NULL", id.String()).
		Updates(map[string]any{"webhook_secret": secret, "updated_at": at})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}
