// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Item outcomes recorded per source.
const (
	OutcomeFetched   = "fetched"
	OutcomeBlocked   = "blocked"
	OutcomeTimeout   = "timeout"
	OutcomeSaved     = "saved"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
)

var (
	itemsTotal                 *prometheus.CounterVec
	scoringRequestsTotal       *prometheus.CounterVec
	scoringDurationSeconds     prometheus.Histogram
	activeSessions             prometheus.Gauge
	sourcesTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	navigationWaitSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Items processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scoringRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_scoring_requests_total",
				Help: "Quality oracle requests, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scoringDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_scoring_duration_seconds",
				Help:    "Histogram of quality oracle latencies.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sessions",
				Help: "Number of browser sessions currently open.",
			},
		)

		sourcesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sources_total",
				Help: "Sources processed, labeled by final status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		navigationWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_navigation_wait_seconds",
				Help:    "Time spent waiting on the per-host navigation limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeSource lowercases a source name for use as a label value.
// It returns "unknown" for an empty name.
func SanitizeSource(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "unknown"
	}
	return name
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts one item outcome for a source.
func ObserveItem(source, outcome string) {
	Init()
	itemsTotal.WithLabelValues(SanitizeSource(source), outcome).Inc()
}

// ObserveScoring records one oracle request.
func ObserveScoring(outcome string, duration time.Duration) {
	Init()
	scoringRequestsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		scoringDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveSource counts a finished source by status.
func ObserveSource(status string) {
	Init()
	sourcesTotal.WithLabelValues(status).Inc()
}

// IncActiveSessions increments the open sessions gauge.
func IncActiveSessions() {
	Init()
	activeSessions.Inc()
}

// DecActiveSessions decrements the open sessions gauge.
func DecActiveSessions() {
	Init()
	activeSessions.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveNavigationWait records a delay imposed by the navigation limiter.
func ObserveNavigationWait(host string, d time.Duration) {
	Init()
	navigationWaitSeconds.WithLabelValues(host).Observe(d.Seconds())
}
