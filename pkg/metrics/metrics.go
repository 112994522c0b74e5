// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gitstream_build_info",
			Help: "Build information of the GitStream distribution service",
		},
		[]string{"version", "commit", "date"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitstream_distributions_total",
			Help: "Total number of distribution attempts",
		},
		[]string{"status"},
	)

	ClearnodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gitstream_clearnode_requests_total",
			Help: "Total number of clearnode RPC requests",
		},
		[]string{"method", "status"},
	)

	ClearnodeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gitstream_clearnode_request_duration_seconds",
			Help:    "Duration of clearnode RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"method"},
	)

	ClearnodeReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gitstream_clearnode_reconnects_total",
			Help: "Total number of clearnode reconnection attempts",
		},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gitstream_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		},
	)
)
