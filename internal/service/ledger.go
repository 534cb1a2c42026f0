package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const maxIdempotencyKeyLen = 255

// Publisher receives committed transactions. It is called after commit and
// its failure never affects the ledger outcome.
type Publisher interface {
	Publish(ctx context.Context, txs []domain.Transaction) error
}

// Engine is the only writer of account balances.
type Engine struct {
	store     store.Store
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger

	maxRetries     int
	retryPause     time.Duration
	opTimeout      time.Duration
	publishTimeout time.Duration
}

// Option configures the Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMaxRetries bounds how many times a conflicting unit of work is re-run.
func WithMaxRetries(n int) Option { return func(e *Engine) { e.maxRetries = n } }

// WithRetryPause sets the upper bound of the random pause between retries.
func WithRetryPause(d time.Duration) Option { return func(e *Engine) { e.retryPause = d } }

// WithOpTimeout bounds each mutation. Zero disables the bound.
func WithOpTimeout(d time.Duration) Option { return func(e *Engine) { e.opTimeout = d } }

func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		clock:          clock.Real{},
		logger:         slog.Default(),
		maxRetries:     3,
		retryPause:     10 * time.Millisecond,
		opTimeout:      5 * time.Second,
		publishTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receipt is the outcome of a mutation. For transfers Transaction is the
// outgoing leg and Counterpart the incoming one.
type Receipt struct {
	Transaction domain.Transaction  `json:"transaction"`
	Counterpart *domain.Transaction `json:"counterpart,omitempty"`
	Replayed    bool                `json:"-"`
}

func (r *Receipt) transactions() []domain.Transaction {
	if r.Counterpart == nil {
		return []domain.Transaction{r.Transaction}
	}
	return []domain.Transaction{r.Transaction, *r.Counterpart}
}

type opKind string

const (
	opDeposit  opKind = "deposit"
	opWithdraw opKind = "withdraw"
	opTransfer opKind = "transfer"
)

// movement is a validated mutation request.
type movement struct {
	op     opKind
	from   uuid.UUID // debited account, zero for deposits
	to     uuid.UUID // credited account, zero for withdrawals
	amount domain.Money
	key    *string
}

// scope is the account the idempotency key belongs to.
func (m movement) scope() uuid.UUID {
	if m.op == opDeposit {
		return m.to
	}
	return m.from
}

// fingerprint identifies the request for key-reuse detection.
func (m movement) fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(m.op), m.from.String(), m.to.String(), m.amount.String(),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// lockOrder returns the distinct accounts touched, ascending.
func (m movement) lockOrder() []uuid.UUID {
	var ids []uuid.UUID
	for _, id := range []uuid.UUID{m.from, m.to} {
		if id != uuid.Nil {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

func validateAmount(amount domain.Money) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", domain.ErrInvalidAmount)
	}
	return nil
}

func validateKey(key *string) error {
	if key == nil {
		return nil
	}
	if strings.TrimSpace(*key) == "" {
		return fmt.Errorf("%w: must not be empty", domain.ErrInvalidIdempotencyKey)
	}
	if len(*key) > maxIdempotencyKeyLen {
		return fmt.Errorf("%w: longer than %d characters", domain.ErrInvalidIdempotencyKey, maxIdempotencyKeyLen)
	}
	return nil
}

// execute runs m as one atomic unit, retrying on storage conflicts, then
// publishes the committed transactions.
func (e *Engine) execute(ctx context.Context, m movement) (*Receipt, error) {
	start := time.Now()
	if e.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opTimeout)
		defer cancel()
	}

	n := 1
	if m.op == opTransfer {
		n = 2
	}
	ids := make([]uuid.UUID, n)
	for i := range ids {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate transaction id: %w", err)
		}
		ids[i] = id
	}

	var (
		receipt *Receipt
		err     error
	)
	for attempt := 0; ; attempt++ {
		err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var applyErr error
			receipt, applyErr = e.apply(ctx, tx, m, ids)
			return applyErr
		})
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		if attempt >= e.maxRetries {
			err = fmt.Errorf("%w: %w", domain.ErrContention, err)
			break
		}
		opRetries.WithLabelValues(string(m.op)).Inc()
		e.logger.Debug("retrying ledger operation", "op", m.op, "attempt", attempt+1)
		if sleepErr := e.pause(ctx); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", domain.ErrOutcomeUnknown, err)
	}
	observeOp(m.op, receipt, err, time.Since(start))
	if err != nil {
		if !domain.IsValidation(err) && !errors.Is(err, domain.ErrInsufficientFunds) && !errors.Is(err, domain.ErrAccountNotFound) {
			e.logger.Error("ledger operation failed", "op", m.op, "error", err)
		}
		return nil, err
	}

	if !receipt.Replayed {
		e.publish(ctx, receipt.transactions())
	}
	return receipt, nil
}

func (e *Engine) pause(ctx context.Context) error {
	if e.retryPause <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(rand.N(e.retryPause))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish hands committed transactions to the publisher on a context that
// survives caller cancellation.
func (e *Engine) publish(ctx context.Context, txs []domain.Transaction) {
	if e.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(pctx, txs); err != nil {
		publishFailures.Inc()
		e.logger.Error("enqueue webhook deliveries", "transaction_id", txs[0].ID, "error", err)
	}
}

// apply is the body of one atomic unit: reserve key, lock, check, write.
func (e *Engine) apply(ctx context.Context, tx store.Tx, m movement, ids []uuid.UUID) (*Receipt, error) {
	now := e.clock.Now()

	if m.key != nil {
		rec := domain.IdempotencyRecord{
			AccountID:      m.scope(),
			Key:            *m.key,
			RequestHash:    m.fingerprint(),
			TransactionIDs: ids,
			CreatedAt:      now,
		}
		reserved, err := tx.ReserveIdempotencyKey(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			return e.replay(ctx, tx, rec)
		}
	}

	accounts := make(map[uuid.UUID]domain.Account, 2)
	for _, id := range m.lockOrder() {
		a, err := tx.LockAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("lock account: %w", err)
		}
		accounts[id] = a
	}

	var txs []domain.Transaction
	newTx := func(id, account uuid.UUID, kind domain.TransactionKind) domain.Transaction {
		return domain.Transaction{
			ID:             id,
			AccountID:      account,
			Kind:           kind,
			Amount:         m.amount,
			IdempotencyKey: m.key,
			Status:         domain.StatusCompleted,
			CreatedAt:      now,
		}
	}

	switch m.op {
	case opDeposit:
		txs = append(txs, newTx(ids[0], m.to, domain.KindCredit))
	case opWithdraw:
		txs = append(txs, newTx(ids[0], m.from, domain.KindDebit))
	case opTransfer:
		out := newTx(ids[0], m.from, domain.KindTransferOut)
		in := newTx(ids[1], m.to, domain.KindTransferIn)
		out.CounterpartyID, out.LinkedID = &m.to, &in.ID
		in.CounterpartyID, in.LinkedID = &m.from, &out.ID
		txs = append(txs, out, in)
	}

	if m.from != uuid.Nil {
		bal, err := accounts[m.from].Balance.Sub(m.amount)
		if errors.Is(err, domain.ErrUnderflow) {
			return nil, domain.ErrInsufficientFunds
		}
		if err != nil {
			return nil, err
		}
		if err := tx.SetBalance(ctx, m.from, bal, now); err != nil {
			return nil, fmt.Errorf("debit %s: %w", m.from, err)
		}
	}
	if m.to != uuid.Nil {
		bal, err := accounts[m.to].Balance.Add(m.amount)
		if err != nil {
			return nil, err
		}
		if err := tx.SetBalance(ctx, m.to, bal, now); err != nil {
			return nil, fmt.Errorf("credit %s: %w", m.to, err)
		}
	}

	if err := tx.InsertTransactions(ctx, txs...); err != nil {
		return nil, fmt.Errorf("insert transactions: %w", err)
	}

	r := &Receipt{Transaction: txs[0]}
	if len(txs) == 2 {
		r.Counterpart = &txs[1]
	}
	return r, nil
}

// replay returns the outcome recorded for an already used key.
func (e *Engine) replay(ctx context.Context, tx store.Tx, want domain.IdempotencyRecord) (*Receipt, error) {
	rec, err := tx.GetIdempotencyRecord(ctx, want.AccountID, want.Key)
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if rec.RequestHash != want.RequestHash {
		return nil, domain.ErrIdempotencyMismatch
	}
	txs, err := tx.GetTransactions(ctx, rec.TransactionIDs)
	if err != nil {
		return nil, fmt.Errorf("load recorded transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("load recorded transactions: %w", store.ErrNotFound)
	}
	r := &Receipt{Transaction: txs[0], Replayed: true}
	if len(txs) > 1 {
		r.Counterpart = &txs[1]
	}
	return r, nil
}
