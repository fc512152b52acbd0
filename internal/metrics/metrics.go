package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_payment_operations_total",
		Help: "Payment engine operations, labeled by outcome",
	}, []string{"operation", "outcome"})

	BalanceMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_balance_mutations_total",
		Help: "Balance debits and credits applied",
	}, []string{"direction"})

	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_tx_retries_total",
		Help: "Units of work retried after a serialization conflict",
	}, []string{"operation"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_webhook_events_total",
		Help: "Provider webhook events, labeled by reconciliation outcome",
	}, []string{"event_type", "outcome"})

	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paycore_outbox_published_total",
		Help: "Outbox events handed to the publisher",
	}, []string{"result"})
)
