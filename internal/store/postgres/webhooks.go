package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const (
	subscriptionColumns = `id, account_id, url, events, secret, active, created_at`
	deliveryColumns     = `id, subscription_id, transaction_id, account_id, event, attempt_count, next_eligible_at,
		status, last_error, last_status_code, lease_owner, lease_expires_at, created_at, updated_at, delivered_at`
)

func (s *Store) CreateSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO webhook_subscriptions (id, account_id, url, events, secret, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.AccountID, sub.URL, sub.Events, sub.Secret, sub.Active, sub.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id))
	if err != nil {
		return domain.Subscription{}, mapErr(err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE account_id = $1 AND active
		 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) DeactivateSubscription(ctx context.Context, accountID, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE webhook_subscriptions SET active = FALSE WHERE id = $1 AND account_id = $2 AND active", id, accountID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) EnqueueDeliveries(ctx context.Context, ds ...domain.DeliveryAttempt) error {
	if len(ds) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(ds))
	for _, d := range ds {
		rows = append(rows, []any{
			d.ID, d.SubscriptionID, d.TransactionID, d.AccountID, d.Event,
			int32(d.AttemptCount), d.NextEligibleAt, string(d.Status), d.CreatedAt, d.UpdatedAt,
		})
	}
	_, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"delivery_attempts"},
		[]string{"id", "subscription_id", "transaction_id", "account_id", "event",
			"attempt_count", "next_eligible_at", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	return mapErr(err)
}

// ClaimDeliveries leases due attempts with FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never pick the same row.
func (s *Store) ClaimDeliveries(ctx context.Context, now time.Time, owner string, ttl time.Duration, limit int) ([]domain.DeliveryAttempt, error) {
	rows, err := s.db.Query(ctx,
		`UPDATE delivery_attempts SET lease_owner = $2, lease_expires_at = $3, updated_at = $1
		 WHERE id IN (
		     SELECT id FROM delivery_attempts
		     WHERE status = 'pending' AND next_eligible_at <= $1
		       AND (lease_expires_at IS NULL OR lease_expires_at <= $1)
		     ORDER BY next_eligible_at
		     LIMIT $4
		     FOR UPDATE SKIP LOCKED)
		 RETURNING `+deliveryColumns,
		now, owner, now.Add(ttl), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectDeliveries(rows)
}

func (s *Store) RecordDelivery(ctx context.Context, owner string, d domain.DeliveryAttempt) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE delivery_attempts
		 SET attempt_count = $3, next_eligible_at = $4, status = $5, last_error = $6,
		     last_status_code = $7, delivered_at = $8, updated_at = $9,
		     lease_owner = '', lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = 'pending'`,
		d.ID, owner, int32(d.AttemptCount), d.NextEligibleAt, string(d.Status), d.LastError,
		int32(d.LastStatusCode), d.DeliveredAt, d.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetDelivery(ctx, d.ID); err != nil {
		return err
	}
	return store.ErrLeaseLost
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_attempts WHERE id = $1`, id))
	if err != nil {
		return domain.DeliveryAttempt{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	limit := f.PageSize()
	var status *string
	if f.Status != "" {
		v := string(f.Status)
		status = &v
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_attempts
		 WHERE ($1::text IS NULL OR status = $1) AND ($2::uuid IS NULL OR account_id = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		status, f.AccountID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectDeliveries(rows)
}

func (s *Store) ResetDelivery(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryAttempt, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`UPDATE delivery_attempts
		 SET status = 'pending', attempt_count = 0, next_eligible_at = $2, updated_at = $2,
		     lease_owner = '', lease_expires_at = NULL
		 WHERE id = $1 AND status = 'exhausted'
		 RETURNING `+deliveryColumns, id, now))
	if err != nil {
		return domain.DeliveryAttempt{}, mapErr(err)
	}
	return d, nil
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.URL, &sub.Events, &sub.Secret, &sub.Active, &sub.CreatedAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	return sub, err
}

func collectDeliveries(rows pgx.Rows) ([]domain.DeliveryAttempt, error) {
	defer rows.Close()
	var out []domain.DeliveryAttempt
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, mapErr(rows.Err())
}

func scanDelivery(row pgx.Row) (domain.DeliveryAttempt, error) {
	var (
		d              domain.DeliveryAttempt
		status         string
		attempts, code int32
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.TransactionID, &d.AccountID, &d.Event, &attempts, &d.NextEligibleAt,
		&status, &d.LastError, &code, &d.LeaseOwner, &d.LeaseExpiresAt, &d.CreatedAt, &d.UpdatedAt, &d.DeliveredAt)
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	d.Status = domain.DeliveryStatus(status)
	d.AttemptCount = int(attempts)
	d.LastStatusCode = int(code)
	d.NextEligibleAt = d.NextEligibleAt.UTC()
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return d, nil
}
