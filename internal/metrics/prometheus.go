package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics describing the relay itself
var (
	// Collection cycle metrics
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_cycles_total",
			Help: "Total number of collection cycles",
		},
		[]string{"status"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kaptn_relay_cycle_duration_seconds",
			Help:    "Duration of a collection cycle",
			Buckets: []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
	)

	podsProcessed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kaptn_relay_pods_processed",
			Help: "Number of pods processed in the last cycle",
		},
	)

	podsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kaptn_relay_pods_skipped_total",
			Help: "Total number of pods skipped because their registration could not be confirmed",
		},
	)

	// Kubernetes API call metrics
	kubernetesRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_kubernetes_requests_total",
			Help: "Total number of requests to the Kubernetes API",
		},
		[]string{"resource", "status"},
	)

	kubernetesRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kaptn_relay_kubernetes_request_duration_seconds",
			Help:    "Kubernetes API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "status"},
	)

	// Registration protocol metrics
	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_registrations_total",
			Help: "Total number of element registration requests issued",
		},
		[]string{"kind"},
	)

	registrationTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_registration_timeouts_total",
			Help: "Total number of remote id confirmations that timed out",
		},
		[]string{"kind"},
	)

	registryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kaptn_relay_registry_entries",
			Help: "Number of natural keys held in the registration cache",
		},
	)

	// Ingestion metrics
	samplesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_samples_sent_total",
			Help: "Total number of metric samples handed to the ingestion client",
		},
		[]string{"metric"},
	)

	storePointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kaptn_relay_store_points_total",
			Help: "Total number of points added to the time series store",
		},
	)

	storeSeriesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kaptn_relay_store_series_total",
			Help: "Current number of series in the time series store",
		},
	)

	storeDroppedPointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kaptn_relay_store_dropped_points_total",
			Help: "Total number of points dropped due to store limits",
		},
	)

	// HTTP surface metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kaptn_relay_http_requests_total",
			Help: "Total number of HTTP requests served",
		},
		[]string{"method", "route", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kaptn_relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordCycle records the outcome of a collection cycle
func RecordCycle(duration time.Duration, pods int, hasError bool) {
	status := "success"
	if hasError {
		status = "error"
	}
	cyclesTotal.With(prometheus.Labels{"status": status}).Inc()
	cycleDuration.Observe(duration.Seconds())
	podsProcessed.Set(float64(pods))
}

// RecordPodSkipped records a pod left out of the current cycle
func RecordPodSkipped() {
	podsSkipped.Inc()
}

// RecordKubernetesRequest records metrics for Kubernetes API requests
func RecordKubernetesRequest(resource string, duration time.Duration, hasError bool) {
	status := "success"
	if hasError {
		status = "error"
	}
	labels := prometheus.Labels{
		"resource": resource,
		"status":   status,
	}

	kubernetesRequestsTotal.With(labels).Inc()
	kubernetesRequestDuration.With(labels).Observe(duration.Seconds())
}

// RecordRegistration records an element registration request
func RecordRegistration(kind string) {
	registrationsTotal.With(prometheus.Labels{"kind": kind}).Inc()
}

// RecordRegistrationTimeout records a remote id confirmation timeout
func RecordRegistrationTimeout(kind string) {
	registrationTimeoutsTotal.With(prometheus.Labels{"kind": kind}).Inc()
}

// UpdateRegistryEntries sets the current registration cache size
func UpdateRegistryEntries(n int) {
	registryEntries.Set(float64(n))
}

// RecordSampleSent records a sample handed to the ingestion client
func RecordSampleSent(metric string) {
	samplesSentTotal.With(prometheus.Labels{"metric": metric}).Inc()
}

// RecordStorePoint records when a point is added to the store
func RecordStorePoint() {
	storePointsTotal.Inc()
}

// RecordStoreDroppedPoint records a point rejected by store limits
func RecordStoreDroppedPoint() {
	storeDroppedPointsTotal.Inc()
}

// UpdateStoreSeries sets the current number of series in the store
func UpdateStoreSeries(n int64) {
	storeSeriesTotal.Set(float64(n))
}

// RecordHTTPRequest records one served HTTP request
func RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
