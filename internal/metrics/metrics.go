package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts inbound gateway events by outcome:
	// processed, duplicate, unhandled, invalid, failed.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billingsync_webhook_events_total",
		Help: "Inbound gateway webhook events by outcome.",
	}, []string{"result"})

	// QuotaDenials counts metered actions rejected at the quota.
	QuotaDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billingsync_quota_denials_total",
		Help: "Metered actions rejected because the period quota was reached.",
	}, []string{"meter"})

	// ReconcileConflicts counts optimistic-lock retries while applying events.
	ReconcileConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billingsync_reconcile_conflicts_total",
		Help: "Version conflicts encountered while saving reconciled state.",
	})
)
