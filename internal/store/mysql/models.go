package mysql

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/shopspring/decimal"
)

// UUIDs are stored as canonical CHAR(36) text. Lowercase hex with fixed
// hyphen positions sorts the same way as the raw bytes.

type accountRow struct {
	ID            string          `gorm:"primaryKey;type:char(36)"`
	Name          string          `gorm:"size:255;not null"`
	Balance       decimal.Decimal `gorm:"type:decimal(17,2);not null;check:chk_accounts_balance,balance >= 0"`
	WebhookSecret string          `gorm:"size:128;not null"`
	DeletedAt     *time.Time      `gorm:"type:datetime(6)"`
	CreatedAt     time.Time       `gorm:"type:datetime(6);not null;autoCreateTime:false"`
	UpdatedAt     time.Time       `gorm:"type:datetime(6);not null;autoUpdateTime:false"`
}

func (*accountRow) TableName() string { return "accounts" }

type transactionRow struct {
	ID             string          `gorm:"primaryKey;type:char(36)"`
	AccountID      string          `gorm:"type:char(36);not null;index:idx_transactions_history,priority:1"`
	Type           string          `gorm:"size:16;not null"`
	CounterpartyID *string         `gorm:"type:char(36)"`
	LinkedID       *string         `gorm:"type:char(36)"`
	Amount         decimal.Decimal `gorm:"type:decimal(17,2);not null"`
	IdempotencyKey *string         `gorm:"size:255"`
	Status         string          `gorm:"size:16;not null"`
	CreatedAt      time.Time       `gorm:"type:datetime(6);not null;autoCreateTime:false;index:idx_transactions_history,priority:2"`
}

func (*transactionRow) TableName() string { return "transactions" }

type idempotencyRow struct {
	AccountID      string    `gorm:"primaryKey;type:char(36)"`
	Key            string    `gorm:"primaryKey;column:idem_key;size:255"`
	RequestHash    string    `gorm:"size:64;not null"`
	TransactionIDs []string  `gorm:"serializer:json;type:json;not null"`
	CreatedAt      time.Time `gorm:"type:datetime(6);not null;autoCreateTime:false"`
}

func (*idempotencyRow) TableName() string { return "idempotency_keys" }

type subscriptionRow struct {
	ID        string    `gorm:"primaryKey;type:char(36)"`
	AccountID string    `gorm:"type:char(36);not null;index"`
	URL       string    `gorm:"size:2048;not null"`
	Events    []string  `gorm:"serializer:json;type:json;not null"`
	Secret    string    `gorm:"size:128;not null"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"type:datetime(6);not null;autoCreateTime:false"`
}

func (*subscriptionRow) TableName() string { return "webhook_subscriptions" }

type deliveryRow struct {
	ID             string     `gorm:"primaryKey;type:char(36)"`
	SubscriptionID string     `gorm:"type:char(36);not null"`
	TransactionID  string     `gorm:"type:char(36);not null"`
	AccountID      string     `gorm:"type:char(36);not null"`
	Event          string     `gorm:"size:64;not null"`
	AttemptCount   int        `gorm:"not null"`
	NextEligibleAt time.Time  `gorm:"type:datetime(6);not null;index:idx_deliveries_due,priority:2"`
	Status         string     `gorm:"size:16;not null;index:idx_deliveries_due,priority:1"`
	LastError      string     `gorm:"type:text"`
	LastStatusCode int        `gorm:"not null"`
	LeaseOwner     string     `gorm:"size:128;not null"`
	LeaseExpiresAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null;autoCreateTime:false"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime:false"`
	DeliveredAt    *time.Time `gorm:"type:datetime(6)"`
}

func (*deliveryRow) TableName() string { return "delivery_attempts" }

func toAccountRow(a domain.Account) accountRow {
	return accountRow{
		ID:            a.ID.String(),
		Name:          a.Name,
		Balance:       a.Balance.Decimal(),
		WebhookSecret: a.WebhookSecret,
		DeletedAt:     a.DeletedAt,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

func (r accountRow) toDomain() (domain.Account, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account id %q: %w", r.ID, err)
	}
	balance, err := domain.NewMoney(r.Balance)
	if err != nil {
		return domain.Account{}, fmt.Errorf("account %s balance: %w", r.ID, err)
	}
	return domain.Account{
		ID:            id,
		Name:          r.Name,
		Balance:       balance,
		WebhookSecret: r.WebhookSecret,
		DeletedAt:     utcPtr(r.DeletedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}, nil
}

func toTransactionRow(t domain.Transaction) transactionRow {
	return transactionRow{
		ID:             t.ID.String(),
		AccountID:      t.AccountID.String(),
		Type:           string(t.Kind),
		CounterpartyID: uuidPtrString(t.CounterpartyID),
		LinkedID:       uuidPtrString(t.LinkedID),
		Amount:         t.Amount.Decimal(),
		IdempotencyKey: t.IdempotencyKey,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt,
	}
}

func (r transactionRow) toDomain() (domain.Transaction, error) {
	t := domain.Transaction{
		Kind:           domain.TransactionKind(r.Type),
		IdempotencyKey: r.IdempotencyKey,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	var err error
	if t.Status, err = domain.ParseTransactionStatus(r.Status); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", r.ID, err)
	}
	if t.ID, err = uuid.Parse(r.ID); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction id %q: %w", r.ID, err)
	}
	if t.AccountID, err = uuid.Parse(r.AccountID); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s account: %w", r.ID, err)
	}
	if t.CounterpartyID, err = parseUUIDPtr(r.CounterpartyID); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s counterparty: %w", r.ID, err)
	}
	if t.LinkedID, err = parseUUIDPtr(r.LinkedID); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s link: %w", r.ID, err)
	}
	if t.Amount, err = domain.NewMoney(r.Amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s amount: %w", r.ID, err)
	}
	return t, nil
}

func toSubscriptionRow(s domain.Subscription) subscriptionRow {
	return subscriptionRow{
		ID:        s.ID.String(),
		AccountID: s.AccountID.String(),
		URL:       s.URL,
		Events:    s.Events,
		Secret:    s.Secret,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
	}
}

func (r subscriptionRow) toDomain() (domain.Subscription, error) {
	s := domain.Subscription{
		URL:       r.URL,
		Events:    r.Events,
		Secret:    r.Secret,
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
	}
	var err error
	if s.ID, err = uuid.Parse(r.ID); err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription id %q: %w", r.ID, err)
	}
	if s.AccountID, err = uuid.Parse(r.AccountID); err != nil {
		return domain.Subscription{}, fmt.Errorf("subscription %s account: %w", r.ID, err)
	}
	return s, nil
}

func toDeliveryRow(d domain.DeliveryAttempt) deliveryRow {
	return deliveryRow{
		ID:             d.ID.String(),
		SubscriptionID: d.SubscriptionID.String(),
		TransactionID:  d.TransactionID.String(),
		AccountID:      d.AccountID.String(),
		Event:          d.Event,
		AttemptCount:   d.AttemptCount,
		NextEligibleAt: d.NextEligibleAt,
		Status:         string(d.Status),
		LastError:      d.LastError,
		LastStatusCode: d.LastStatusCode,
		LeaseOwner:     d.LeaseOwner,
		LeaseExpiresAt: d.LeaseExpiresAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		DeliveredAt:    d.DeliveredAt,
	}
}

func (r deliveryRow) toDomain() (domain.DeliveryAttempt, error) {
	d := domain.DeliveryAttempt{
		Event:          r.Event,
		AttemptCount:   r.AttemptCount,
		NextEligibleAt: r.NextEligibleAt.UTC(),
		Status:         domain.DeliveryStatus(r.Status),
		LastError:      r.LastError,
		LastStatusCode: r.LastStatusCode,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: utcPtr(r.LeaseExpiresAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		DeliveredAt:    utcPtr(r.DeliveredAt),
	}
	ids := []struct {
		dst *uuid.UUID
		src string
	}{
		{&d.ID, r.ID},
		{&d.SubscriptionID, r.SubscriptionID},
		{&d.TransactionID, r.TransactionID},
		{&d.AccountID, r.AccountID},
	}
	for _, f := range ids {
		id, err := uuid.Parse(f.src)
		if err != nil {
			return domain.DeliveryAttempt{}, fmt.Errorf("delivery %s: %w", r.ID, err)
		}
		*f.dst = id
	}
	return d, nil
}

func uuidPtrString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseUUIDPtr(s *string) (*uuid.UUID, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
