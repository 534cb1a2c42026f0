// Package webhook delivers signed transaction notifications to subscriber
// endpoints with at-least-once semantics.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerhooks/internal/clock"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// Config holds the delivery policy.
type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	Backoff        Backoff
	AttemptTimeout time.Duration
	LeaseTTL       time.Duration
	PollInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      64,
		MaxAttempts:    5,
		Backoff:        Backoff{Base: 2 * time.Second, MaxJitter: 500 * time.Millisecond, Max: time.Hour},
		AttemptTimeout: 10 * time.Second,
		LeaseTTL:       30 * time.Second,
		PollInterval:   time.Second,
	}
}

// Payload is the JSON body sent to subscribers. ID is the delivery attempt
// id and stays the same across retries.
type Payload struct {
	ID             uuid.UUID                `json:"id"`
	Event          string                   `json:"event"`
	TransactionID  uuid.UUID                `json:"transaction_id"`
	AccountID      uuid.UUID                `json:"account_id"`
	Type           domain.TransactionKind   `json:"type"`
	Amount         domain.Money             `json:"amount"`
	CounterpartyID *uuid.UUID               `json:"counterparty_id,omitempty"`
	Status         domain.TransactionStatus `json:"status"`
	CreatedAt      time.Time                `json:"created_at"`
}

type Dispatcher struct {
	store  store.Store
	sender Sender
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config
	owner  string

	// claims numbers lease tokens; inflight counts claimed attempts not yet
	// recorded by a worker.
	claims   atomic.Uint64
	inflight atomic.Int64

	jobs    chan domain.DeliveryAttempt
	kick    chan struct{}
	stop    chan struct{}
	polling sync.WaitGroup
	working sync.WaitGroup
	cancel  context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithOwner sets the lease owner name. Defaults to hostname and pid.
func WithOwner(owner string) Option { return func(d *Dispatcher) { d.owner = owner } }

func New(s store.Store, sender Sender, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize < cfg.Workers {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	d := &Dispatcher{
		store:  s,
		sender: sender,
		clock:  clock.Real{},
		logger: slog.Default(),
		cfg:    cfg,
		jobs:   make(chan domain.DeliveryAttempt, cfg.QueueSize),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.owner == "" {
		host, _ := os.Hostname()
		d.owner = host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
	}
	return d
}

// Publish creates one pending attempt for every active subscription on each
// transaction's account whose filter matches, then wakes the poller.
func (d *Dispatcher) Publish(ctx context.Context, txs []domain.Transaction) error {
	now := d.clock.Now()
	var attempts []domain.DeliveryAttempt
	for _, tx := range txs {
		subs, err := d.store.ListSubscriptions(ctx, tx.AccountID)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range subs {
			if !sub.Matches(domain.EventTransactionCompleted) {
				continue
			}
			attempts = append(attempts, domain.DeliveryAttempt{
				ID:             uuid.New(),
				SubscriptionID: sub.ID,
				TransactionID:  tx.ID,
				AccountID:      tx.AccountID,
				Event:          domain.EventTransactionCompleted,
				NextEligibleAt: now,
				Status:         domain.DeliveryPending,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
	}
	if len(attempts) == 0 {
		return nil
	}
	if err := d.store.EnqueueDeliveries(ctx, attempts...); err != nil {
		return fmt.Errorf("enqueue deliveries: %w", err)
	}
	deliveriesEnqueued.Add(float64(len(attempts)))
	d.Notify()
	return nil
}

// Notify wakes the poller without blocking.
func (d *Dispatcher) Notify() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start launches the poller and the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.working.Add(d.cfg.Workers)
		for range d.cfg.Workers {
			go d.worker(ctx)
		}
		d.polling.Add(1)
		go d.poll(ctx)
		d.logger.Info("webhook dispatcher started", "workers", d.cfg.Workers, "owner", d.owner)
	})
}

// Stop stops claiming new attempts and waits for queued and in-flight ones
// to finish. If ctx expires first, in-flight sends are aborted; their leases
// lapse and another worker picks them up.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		close(d.stop)
		if d.cancel == nil {
			return
		}
		d.polling.Wait()
		close(d.jobs)

		done := make(chan struct{})
		go func() {
			d.working.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.cancel()
			<-done
			err = ctx.Err()
		}
		d.cancel()
		d.logger.Info("webhook dispatcher stopped")
	})
	return err
}

func (d *Dispatcher) poll(ctx context.Context) {
	defer d.polling.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.fill(ctx)
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// fill claims at most one attempt per idle worker, so nothing waits in the
// queue long enough for its lease to run out. The poller is the only sender
// on jobs and jobs holds at least Workers entries, so the sends below never
// block.
func (d *Dispatcher) fill(ctx context.Context) {
	idle := d.cfg.Workers - int(d.inflight.Load())
	if idle <= 0 {
		return
	}
	claimed, err := d.store.ClaimDeliveries(ctx, d.clock.Now(), d.leaseToken(), d.cfg.LeaseTTL, idle)
	if err != nil {
		d.logger.Error("claim deliveries", "error", err)
		return
	}
	d.inflight.Add(int64(len(claimed)))
	for _, a := range claimed {
		d.jobs <- a
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.working.Done()
	for a := range d.jobs {
		if err := d.deliver(ctx, a); err != nil {
			d.logger.Error("delivery bookkeeping failed", "attempt_id", a.ID, "error", err)
		}
		d.inflight.Add(-1)
		d.Notify()
	}
}

// leaseToken names one claim. RecordDelivery only accepts the token of the
// latest claim, so a copy from an earlier, expired claim cannot be recorded.
func (d *Dispatcher) leaseToken() string {
	return d.owner + "/" + strconv.FormatUint(d.claims.Add(1), 10)
}

// RunOnce claims every due attempt and delivers them one by one on the
// calling goroutine. It returns how many were processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.store.ClaimDeliveries(ctx, d.clock.Now(), d.leaseToken(), d.cfg.LeaseTTL, d.cfg.QueueSize)
	if err != nil {
		return 0, fmt.Errorf("claim deliveries: %w", err)
	}
	var errs []error
	for _, a := range claimed {
		errs = append(errs, d.deliver(ctx, a))
	}
	return len(claimed), errors.Join(errs...)
}

// deliver makes one attempt and records its outcome. The returned error is
// about bookkeeping only; a failed send is a normal outcome.
func (d *Dispatcher) deliver(ctx context.Context, a domain.DeliveryAttempt) error {
	if a.LeaseExpiresAt != nil && !d.clock.Now().Before(*a.LeaseExpiresAt) {
		leasesExpired.Inc()
		d.logger.Warn("delivery lease expired before send, skipping", "attempt_id", a.ID)
		return nil
	}
	sub, err := d.store.GetSubscription(ctx, a.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sub.Active) {
		return d.exhaust(ctx, a, "subscription inactive")
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	tx, err := d.store.GetTransaction(ctx, a.TransactionID)
	if errors.Is(err, store.ErrNotFound) {
		return d.exhaust(ctx, a, "transaction not found")
	}
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}

	body, err := json.Marshal(Payload{
		ID:             a.ID,
		Event:          a.Event,
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		Type:           tx.Kind,
		Amount:         tx.Amount,
		CounterpartyID: tx.CounterpartyID,
		Status:         tx.Status,
		CreatedAt:      tx.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	status, sendErr := d.sender.Send(sendCtx, Request{
		URL:  sub.URL,
		Body: body,
		Headers: map[string]string{
			SignatureHeader: Sign(sub.Secret, body),
			EventHeader:     a.Event,
			DeliveryHeader:  a.ID.String(),
		},
	})
	cancel()
	deliveryDuration.Observe(time.Since(start).Seconds())

	now := d.clock.Now()
	a.AttemptCount++
	a.UpdatedAt = now
	a.LastStatusCode = status

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		a.Status = domain.DeliveryDelivered
		a.DeliveredAt = &now
		a.LastError = ""
		deliveriesTotal.WithLabelValues("delivered").Inc()
	case a.AttemptCount >= d.cfg.MaxAttempts:
		a.Status = domain.DeliveryExhausted
		a.LastError = failureReason(status, sendErr)
		deliveriesTotal.WithLabelValues("exhausted").Inc()
		d.logger.Warn("webhook delivery exhausted",
			"attempt_id", a.ID, "subscription_id", a.SubscriptionID, "attempts", a.AttemptCount, "error", a.LastError)
	default:
		a.LastError = failureReason(status, sendErr)
		a.NextEligibleAt = now.Add(d.cfg.Backoff.Delay(a.AttemptCount - 1))
		deliveriesTotal.WithLabelValues("retry").Inc()
		d.logger.Debug("webhook delivery failed, will retry",
			"attempt_id", a.ID, "attempts", a.AttemptCount, "next_eligible_at", a.NextEligibleAt, "error", a.LastError)
	}
	return d.record(ctx, a)
}

func (d *Dispatcher) exhaust(ctx context.Context, a domain.DeliveryAttempt, reason string) error {
	now := d.clock.Now()
	a.Status = domain.DeliveryExhausted
	a.LastError = reason
	a.UpdatedAt = now
	deliveriesTotal.WithLabelValues("exhausted").Inc()
	return d.record(ctx, a)
}

func (d *Dispatcher) record(ctx context.Context, a domain.DeliveryAttempt) error {
	// Bookkeeping must land even when shutdown cancels the send context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := d.store.RecordDelivery(rctx, a.LeaseOwner, a)
	if errors.Is(err, store.ErrLeaseLost) {
		d.logger.Warn("delivery lease lost before recording", "attempt_id", a.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

func failureReason(status int, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return err.Error()
	default:
		return fmt.Sprintf("unexpected status %d", status)
	}
}

// Deliveries lists attempts, newest first. Exhausted attempts are the dead
// letters.
func (d *Dispatcher) Deliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.DeliveryAttempt, error) {
	return d.store.ListDeliveries(ctx, f)
}

// Redeliver returns an exhausted attempt to the queue with a fresh attempt
// budget.
func (d *Dispatcher) Redeliver(ctx context.Context, id uuid.UUID) (domain.DeliveryAttempt, error) {
	cur, err := d.store.GetDelivery(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DeliveryAttempt{}, domain.ErrDeliveryNotFound
	}
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	if cur.Status != domain.DeliveryExhausted {
		return domain.DeliveryAttempt{}, domain.ErrDeliveryNotExhausted
	}
	a, err := d.store.ResetDelivery(ctx, id, d.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return domain.DeliveryAttempt{}, domain.ErrDeliveryNotExhausted
	}
	if err != nil {
		return domain.DeliveryAttempt{}, err
	}
	d.logger.Info("webhook delivery requeued", "attempt_id", id)
	d.Notify()
	return a, nil
}
