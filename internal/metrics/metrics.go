// Package metrics exposes the Prometheus counters and histograms for every
// component of the work queue: push/poll/ack volume, the unack reclaimer's
// sweep duration and error rate, and HTTP-layer request counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages pushed counter
	MessagesPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relqueue_messages_pushed_total",
			Help: "Total number of messages pushed, by queue",
		},
		[]string{"queue"},
	)

	// Messages polled (leased) counter
	MessagesPolled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relqueue_messages_polled_total",
			Help: "Total number of messages leased via pollMessages, by queue",
		},
		[]string{"queue"},
	)

	// Messages acknowledged counter
	MessagesAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relqueue_messages_acked_total",
			Help: "Total number of messages acknowledged, by queue",
		},
		[]string{"queue"},
	)

	// Expired leases reclaimed by the unack sweeper
	MessagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relqueue_messages_reclaimed_total",
			Help: "Total number of expired leases returned to visible state by the unack reclaimer",
		},
	)

	// Unack sweep run duration
	UnackSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relqueue_unack_sweep_duration_seconds",
			Help:    "Time taken for one unack reclaimer sweep across all queues",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Unack sweep errors counter
	UnackSweepErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relqueue_unack_sweep_errors_total",
			Help: "Total number of unack reclaimer sweeps that failed",
		},
	)

	// pollMessages call duration, by queue
	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relqueue_poll_duration_seconds",
			Help:    "Time taken by pollMessages calls, by queue",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// HTTP request counter, by route and status class
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relqueue_http_requests_total",
			Help: "Total number of HTTP requests, by route and status class",
		},
		[]string{"route", "status_class"},
	)
)
