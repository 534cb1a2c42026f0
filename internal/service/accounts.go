package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const maxAccountNameLen = 255

// Accounts manages account lifecycle. Balances are only ever changed by the
// Engine.
type Accounts struct {
	store  store.Accounts
	clock  clock.Clock
	logger *slog.Logger
}

func NewAccounts(s store.Accounts, c clock.Clock, logger *slog.Logger) *Accounts {
	if c == nil {
		c = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{store: s, clock: c, logger: logger}
}

// CreateAccount opens an empty account with a fresh webhook signing secret.
func (s *Accounts) CreateAccount(ctx context.Context, name string) (domain.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Account{}, domain.NewValidationError("name", "must not be empty")
	}
	if len(name) > maxAccountNameLen {
		return domain.Account{}, domain.NewValidationError("name", fmt.Sprintf("must be at most %d characters", maxAccountNameLen))
	}
	secret, err := NewSecret()
	if err != nil {
		return domain.Account{}, err
	}
	now := s.clock.Now()
	a := domain.Account{
		ID:            uuid.New(),
		Name:          name,
		WebhookSecret: secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAccount(ctx, a); err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	s.logger.Info("account created", "account_id", a.ID)
	return a, nil
}

// GetAccount returns a live account.
func (s *Accounts) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	a, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && a.DeletedAt != nil) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	return a, err
}

func (s *Accounts) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	if offset < 0 {
		return nil, domain.NewValidationError("offset", "must not be negative")
	}
	return s.store.ListAccounts(ctx, clampPageSize(limit), offset)
}

// DeleteAccount soft-deletes an account. Its history is kept.
func (s *Accounts) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	err := s.store.SoftDeleteAccount(ctx, id, s.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return domain.ErrAccountNotFound
	}
	if err == nil {
		s.logger.Info("account deleted", "account_id", id)
	}
	return err
}

// RotateWebhookSecret replaces the account signing secret. Subscriptions that
// inherited the old secret keep it.
func (s *Accounts) RotateWebhookSecret(ctx context.Context, id uuid.UUID) (string, error) {
	secret, err := NewSecret()
	if err != nil {
		return "", err
	}
	err = s.store.UpdateWebhookSecret(ctx, id, secret, s.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return "", domain.ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}
	return secret, nil
}

// NewSecret returns 32 random bytes, hex encoded.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
