package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LedgerEntriesTotal counts ledger apply attempts by entry kind and outcome.
	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger apply attempts by entry kind and outcome.",
	}, []string{"kind", "outcome"})

	// LedgerRejectionsTotal counts applies rejected by a balance invariant.
	LedgerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "ledger",
		Name:      "rejections_total",
		Help:      "Ledger applies rejected by reason.",
	}, []string{"reason"})

	// VerifyDiscrepancies is the number of workspaces failing the last integrity check.
	VerifyDiscrepancies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "credits",
		Subsystem: "ledger",
		Name:      "verify_discrepancies",
		Help:      "Workspaces whose balance did not match their ledger on the last verification run.",
	})

	// SubscriptionTransitionsTotal counts subscription transitions by target status and result.
	SubscriptionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "subscription",
		Name:      "transitions_total",
		Help:      "Subscription transitions by target status and result.",
	}, []string{"status", "result"})

	// CommissionCentsTotal sums commission cents by direction (credited/reversed/clawback).
	CommissionCentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "commission",
		Name:      "cents_total",
		Help:      "Commission cents by direction.",
	}, []string{"direction"})

	// PayoutsTotal counts payout state changes by resulting status and method.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "payout",
		Name:      "transitions_total",
		Help:      "Payout request transitions by status and method.",
	}, []string{"status", "method"})

	// WebhookRequestsTotal counts processor webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Processor webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook acceptance latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "credits",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook acceptance duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// PaymentEventsTotal counts background payment event processing by type and result.
	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "credits",
		Subsystem: "billing",
		Name:      "events_total",
		Help:      "Processed payment events by type and result.",
	}, []string{"event_type", "result"})
)
