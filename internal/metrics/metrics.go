// Package metrics declares the relay's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Currently attached websocket connections",
		},
	)

	RoomsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_rooms_active",
			Help: "Rooms with at least one registered connection",
		},
	)

	Joins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_joins_total",
			Help: "Successful joins",
		},
		[]string{"kind"}, // "visitor" or "owner"
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_persisted_total",
			Help: "Messages persisted",
		},
		[]string{"kind"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Per-connection deliveries of fan-out events",
		},
		[]string{"event", "result"}, // result: "ok" or "failed"
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Errors reported to connections",
		},
		[]string{"code"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"op"},
	)
)
