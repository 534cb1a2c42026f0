package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_webhook_deliveries_enqueued_total",
		Help: "Delivery attempts created for committed transactions",
	})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_webhook_delivery_outcomes_total",
		Help: "Outcome of each webhook send: delivered, retry or exhausted",
	}, []string{"result"})

	leasesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_webhook_leases_expired_total",
		Help: "Claimed attempts dropped because their lease ran out before the send",
	})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_webhook_send_duration_seconds",
		Help:    "Latency of outbound webhook calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
)
