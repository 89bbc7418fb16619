// SPDX-License-Identifier: MIT

// Package metrics defines the prometheus instrumentation for packaging runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Download metrics
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_downloads_total",
		Help: "Asset download attempts by outcome",
	}, []string{"outcome"}) // outcome=success|failure|dedup|cache_hit|offline_miss

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentpack_download_bytes_total",
		Help: "Total bytes fetched from upstream registries",
	})

	downloadRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_download_retries_total",
		Help: "Retry attempts per upstream host",
	}, []string{"host"})

	downloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentpack_download_duration_seconds",
		Help:    "Duration of successful asset downloads",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// Verification metrics
	verifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_verify_failures_total",
		Help: "Payload verification failures by reason",
	}, []string{"reason"}) // reason=checksum|html_payload|format_mismatch

	// Cache metrics
	cacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_cache_ops_total",
		Help: "Cache operations by kind and outcome",
	}, []string{"op", "outcome"}) // op=get|put|lookup|gc

	// Build metrics
	buildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_builds_total",
		Help: "Package builds by outcome",
	}, []string{"outcome"}) // outcome=success|failure

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agentpack_build_duration_seconds",
		Help:    "End-to-end duration of package builds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	serversBundled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentpack_servers_bundled",
		Help: "Number of language servers in the last assembled bundle",
	})

	// Resilience metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentpack_circuit_breaker_state",
		Help: "Circuit breaker state per upstream host (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentpack_circuit_breaker_trips_total",
		Help: "Circuit breaker trips by name and cause",
	}, []string{"name", "cause"})
)

// IncDownload records a download attempt outcome.
func IncDownload(outcome string) {
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// AddDownloadBytes records bytes fetched from upstream.
func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// IncDownloadRetry records a retry against the given host.
func IncDownloadRetry(host string) {
	downloadRetries.WithLabelValues(host).Inc()
}

// ObserveDownloadDuration records the duration of a successful download.
func ObserveDownloadDuration(seconds float64) {
	downloadDuration.Observe(seconds)
}

// IncVerifyFailure records a payload verification failure.
func IncVerifyFailure(reason string) {
	verifyFailures.WithLabelValues(reason).Inc()
}

// IncCacheOp records a cache operation outcome.
func IncCacheOp(op, outcome string) {
	cacheOps.WithLabelValues(op, outcome).Inc()
}

// RecordBuild records a completed build and its duration.
func RecordBuild(outcome string, seconds float64) {
	buildsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		buildDuration.Observe(seconds)
	}
}

// SetServersBundled records the server count of the last bundle.
func SetServersBundled(n int) {
	serversBundled.Set(float64(n))
}

// SetCircuitBreakerState updates the breaker state gauge.
func SetCircuitBreakerState(name, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	circuitBreakerState.WithLabelValues(name).Set(v)
}

// RecordCircuitBreakerTrip counts a breaker trip.
func RecordCircuitBreakerTrip(name, cause string) {
	circuitBreakerTrips.WithLabelValues(name, cause).Inc()
}
