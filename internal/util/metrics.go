package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransactionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_transactions_opened_total",
		Help: "Total number of escrow transactions opened",
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transitions_total",
		Help: "Total number of applied state transitions",
	}, []string{"from", "to"})

	TransitionRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_transition_rejections_total",
		Help: "Total number of rejected transition requests",
	}, []string{"transition", "code"})

	IdempotentReplaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_idempotent_replays_total",
		Help: "Total number of transition calls that were already applied",
	}, []string{"transition"})

	ConcurrencyConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_concurrency_conflicts_total",
		Help: "Total number of optimistic concurrency write collisions",
	})

	CheckoutSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_checkout_sessions_total",
		Help: "Total number of checkout session creation attempts",
	}, []string{"result"})

	CheckoutSessionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_checkout_session_latency_seconds",
		Help:    "Latency of checkout session creation",
		Buckets: prometheus.DefBuckets,
	})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_webhook_events_total",
		Help: "Total number of payment webhook deliveries by outcome",
	}, []string{"result"})

	ReviewsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reviews_submitted_total",
		Help: "Total number of reviews submitted",
	}, []string{"sentiment"})

	PointsAwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_points_awarded_total",
		Help: "Total points awarded to sellers",
	})

	DisputesRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_disputes_raised_total",
		Help: "Total number of disputes raised",
	}, []string{"role"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
