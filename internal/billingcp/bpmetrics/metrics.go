package bpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileTotal counts reconciliation attempts by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Total reconciliation attempts by outcome.",
	}, []string{"outcome"})

	// SlotClaimsTotal counts founder slot claim attempts by outcome.
	SlotClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "slot_claims_total",
		Help:      "Total founder slot claim attempts by outcome.",
	}, []string{"outcome"})

	// SlotsTotal reports the configured founder slot capacity.
	SlotsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "founder_slots_total",
		Help:      "Configured founder slot capacity.",
	})

	// SlotsClaimed reports the number of founder slots claimed.
	SlotsClaimed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "founder_slots_claimed",
		Help:      "Number of founder slots claimed.",
	})

	// ProcessedEventsPruned counts dedup markers removed by the retention pruner.
	ProcessedEventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "repogym",
		Subsystem: "billing",
		Name:      "processed_events_pruned_total",
		Help:      "Total processed-event markers removed by retention pruning.",
	})
)
