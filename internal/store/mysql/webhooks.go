package mysql

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	row := toSubscriptionRow(sub)
	return mapErr(s.db.WithContext(ctx).Create(&row).Error)
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	var row subscriptionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error; err != nil {
		return domain.Subscription{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]domain.Subscription, error) {
	var rows []subscriptionRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND active = ?", accountID.String(), true).
		Order("created_at").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]domain.Subscription, 0, len(rows))
	for _, r := range rows {
		sub, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, accountID, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&subscriptionRow{}).
		Where("id = ? AND account_id = ? AND active = ?", id.String(), accountID.String(), true).
		Update("active", false)
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) EnqueueDeliveries(ctx context.Context, ds ...domain.DeliveryAttempt) error {
	if len(ds) == 0 {
		return nil
	}
	rows := make([]deliveryRow, len(ds))
	for i, d := range ds {
		rows[i] = toDeliveryRow(d)
	}
	return mapErr(s.db.WithContext(ctx).Create(&rows).Error)
}

// ClaimDeliveries selects due attempts with FOR UPDATE SKIP LOCKED and
// stamps the lease in the same transaction.
func (s *Store) ClaimDeliveries(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]domain.DeliveryAttempt, error) {
	if limit <= 0 {
		return nil, nil
	}
	expires := now.Add(ttl)
	var rows []deliveryRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_eligible_at <= ?", string(domain.DeliveryPending), now).
			Where("(lease_expires_at IS NULL OR lease_expires_at <= ?)", now).
			Order("next_eligible_at").
			Limit(limit).
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}
		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
			rows[i].LeaseOwner = owner
			rows[i].LeaseExpiresAt = &expires
			rows[i].UpdatedAt = now
		}
		return tx.Model(&deliveryRow{}).
			Where("id IN ?", ids).
			Updates(map[string]any{"lease_owner": owner, "lease_expires_at": expires, "updated_at": now}).Error
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return toDeliveries(rows)
}

func (s *Store) RecordDelivery(ctx context.Context, owner string, d domain.DeliveryAttempt) error {
	res := s.db.WithContext(ctx).
		Model(&deliveryRow{}).
		Where("id = ? AND lease_owner = ? AND status = ?", d.ID.String(), owner, string(domain.DeliveryPending)).
		Updates(map[string]any{
			"attempt_count":    d.AttemptCount,
			"next_eligible_at": d.NextEligibleAt,
			"status":           string(d.Status),
			"last_error":       d.LastError,
			"last_status_code": d.LastStatusCode,
			"delivered_at":     d.DeliveredAt,
			"updated_at":       d.UpdatedAt,
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return mapErr(res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.GetDelivery(ctx, d.ID); err != nil {
		return err
	}
	return store.ErrLeaseLost
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error) {
	var row deliveryRow
	if err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error; err != nil {
		return domain.DeliveryAttempt{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	limit := f.PageSize()
	q := s.db.WithContext(ctx)
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.AccountID != nil {
		q = q.Where("account_id = ?", f.AccountID.String())
	}
	var rows []deliveryRow
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	return toDeliveries(rows)
}

func (s *Store) ResetDelivery(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	res := s.db.WithContext(ctx).
		Model(&deliveryRow{}).
		Where("id = ? AND status = ?", id.String(), string(domain.DeliveryExhausted)).
		Updates(map[string]any{
			"status":           string(domain.DeliveryPending),
			"attempt_count":    0,
			"next_eligible_at": now,
			"updated_at":       now,
			"lease_owner":      "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return domain.DeliveryAttempt{}, mapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.DeliveryAttempt{}, store.ErrNotFound
	}
	return s.GetDelivery(ctx, id)
}

func toDeliveries(rows []deliveryRow) ([]domain.DeliveryAttempt, error) {
	out := make([]domain.DeliveryAttempt, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
