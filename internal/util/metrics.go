package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkouts_total",
		Help: "Total number of checkouts assembled",
	})

	CheckoutsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkouts_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_notifications_total",
		Help: "Total number of gateway notifications received",
	}, []string{"result"})

	TicketsIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tickets_issued_total",
		Help: "Total number of tickets generated",
	})

	RedemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemptions_total",
		Help: "Total number of successful redemptions",
	})

	RedemptionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_conflicts_total",
		Help: "Total number of rejected redemptions",
	}, []string{"reason"})

	RedemptionReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redemption_replays_total",
		Help: "Total number of redemptions served from the idempotency cache",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Total number of accepted refunds",
	}, []string{"kind"})

	RedemptionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redemption_latency_seconds",
		Help:    "Latency of redemption operations",
		Buckets: prometheus.DefBuckets,
	})

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
