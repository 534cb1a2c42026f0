package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const maxURLLen = 2048

type SubscriptionInput struct {
	AccountID uuid.UUID
	URL       string
	Events    []string
	// Secret overrides the account's webhook secret for this subscription.
	Secret string
}

// Subscriptions is the webhook subscription registry.
type Subscriptions struct {
	store interface {
		store.Accounts
		store.Subscriptions
	}
	clock  clock.Clock
	logger *slog.Logger
}

func NewSubscriptions(s store.Store, c clock.Clock, logger *slog.Logger) *Subscriptions {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriptions{store: s, clock: c, logger: logger}
}

func (s *Subscriptions) RegisterSubscription(ctx context.Context, in SubscriptionInput) (domain.Subscription, error) {
	in.URL = strings.TrimSpace(in.URL)
	if err := validateURL(in.URL); err != nil {
		return domain.Subscription{}, err
	}
	events := slices.Clone(in.Events)
	if len(events) == 0 {
		events = []string{domain.EventTransactionCompleted}
	}
	for _, ev := range events {
		if !domain.KnownEvent(ev) {
			return domain.Subscription{}, fmt.Errorf("%w: unknown event %q", domain.ErrInvalidSubscription, ev)
		}
	}
	slices.Sort(events)
	events = slices.Compact(events)

	a, err := s.store.GetAccount(ctx, in.AccountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.DeletedAt != nil) {
		return domain.Subscription{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Subscription{}, err
	}

	secret := in.Secret
	if secret == "" {
		secret = a.WebhookSecret
	}
	sub := domain.Subscription{
		ID:        uuid.New(),
		AccountID: a.ID,
		URL:       in.URL,
		Events:    events,
		Secret:    secret,
		Active:    true,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info("webhook subscription registered", "account_id", a.ID, "subscription_id", sub.ID)
	return sub, nil
}

// ListSubscriptions returns the active subscriptions of an account.
func (s *Subscriptions) ListSubscriptions(ctx context.Context, accountID uuid.UUID) ([]domain.Subscription, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.DeletedAt != nil) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListSubscriptions(ctx, accountID)
}

// RemoveSubscription deactivates a subscription. Pending deliveries for it
// are exhausted by the dispatcher on their next attempt.
func (s *Subscriptions) RemoveSubscription(ctx context.Context, accountID, id uuid.UUID) error {
	err := s.store.DeactivateSubscription(ctx, accountID, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrSubscriptionNotFound
	}
	if err == nil {
		s.logger.Info("webhook subscription removed", "account_id", accountID, "subscription_id", id)
	}
	return err
}

func validateURL(raw string) error {
	if len(raw) > maxURLLen {
		return fmt.Errorf("%w: url too long", domain.ErrInvalidSubscription)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be an absolute http or https address", domain.ErrInvalidSubscription)
	}
	return nil
}
