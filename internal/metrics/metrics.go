// Package metrics declares the Prometheus collectors exported on the metrics port.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microclimate_http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		},
		[]string{"method", "route", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microclimate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microclimate_auth_decisions_total",
			Help: "Access gate decisions by role and outcome (granted, missing, forbidden)",
		},
		[]string{"role", "outcome"},
	)

	IngestedReadings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microclimate_ingested_readings_total",
			Help: "Readings submitted for ingestion by outcome (stored, rejected, failed)",
		},
		[]string{"outcome"},
	)

	MQTTMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microclimate_mqtt_messages_total",
			Help: "MQTT publishes received by the embedded broker by outcome",
		},
		[]string{"outcome"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microclimate_store_operation_duration_seconds",
			Help:    "Duration of storage operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microclimate_store_errors_total",
			Help: "Storage operations that returned an error",
		},
		[]string{"operation"},
	)
)

// RecordHTTPRequest records one completed HTTP request.
func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveStore records the duration of a storage operation and counts it as
// failed when err is non-nil.
func ObserveStore(operation string, start time.Time, err error) {
	StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreErrors.WithLabelValues(operation).Inc()
	}
}
