package service

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

var (
	opTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger mutations by operation and result",
	}, []string{"op", "result"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Latency of ledger mutations including retries",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"op"})

	opRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operation_retries_total",
		Help: "Units of work re-run after a storage conflict",
	}, []string{"op"})

	publishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_webhook_enqueue_failures_total",
		Help: "Committed transactions whose webhook deliveries could not be enqueued",
	})
)

func observeOp(op opKind, r *Receipt, err error, d time.Duration) {
	opDuration.WithLabelValues(string(op)).Observe(d.Seconds())
	opTotal.WithLabelValues(string(op), resultLabel(r, err)).Inc()
}

func resultLabel(r *Receipt, err error) string {
	switch {
	case err == nil && r.Replayed:
		return "replayed"
	case err == nil:
		return "committed"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "not_found"
	case domain.IsValidation(err):
		return "invalid"
	case errors.Is(err, domain.ErrContention):
		return "contention"
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return "unknown"
	default:
		return "error"
	}
}
