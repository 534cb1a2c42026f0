package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

type DepositInput struct {
	AccountID      uuid.UUID
	Amount         domain.Money
	IdempotencyKey *string
}

type WithdrawInput struct {
	AccountID      uuid.UUID
	Amount         domain.Money
	IdempotencyKey *string
}

type TransferInput struct {
	FromAccountID  uuid.UUID
	ToAccountID    uuid.UUID
	Amount         domain.Money
	IdempotencyKey *string
}

// Deposit credits an account.
func (e *Engine) Deposit(ctx context.Context, in DepositInput) (*Receipt, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}
	if in.AccountID == uuid.Nil {
		return nil, domain.NewValidationError("account_id", "is required")
	}
	return e.execute(ctx, movement{op: opDeposit, to: in.AccountID, amount: in.Amount, key: in.IdempotencyKey})
}

// Withdraw debits an account. It fails with ErrInsufficientFunds rather than
// drive the balance negative.
func (e *Engine) Withdraw(ctx context.Context, in WithdrawInput) (*Receipt, error) {
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}
	if in.AccountID == uuid.Nil {
		return nil, domain.NewValidationError("account_id", "is required")
	}
	return e.execute(ctx, movement{op: opWithdraw, from: in.AccountID, amount: in.Amount, key: in.IdempotencyKey})
}

// Transfer moves money between two accounts as a linked TransferOut/TransferIn
// pair. Both rows are locked in ascending id order before either balance is
// read, whatever the direction of the transfer.
func (e *Engine) Transfer(ctx context.Context, in TransferInput) (*Receipt, error) {
	if in.FromAccountID == uuid.Nil || in.ToAccountID == uuid.Nil {
		return nil, domain.NewValidationError("account_id", "source and destination are required")
	}
	if in.FromAccountID == in.ToAccountID {
		return nil, domain.ErrSameAccount
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	if err := validateKey(in.IdempotencyKey); err != nil {
		return nil, err
	}
	r, err := e.execute(ctx, movement{
		op:     opTransfer,
		from:   in.FromAccountID,
		to:     in.ToAccountID,
		amount: in.Amount,
		key:    in.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return r, nil
}
