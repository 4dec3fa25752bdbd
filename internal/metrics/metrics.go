// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterProbesTotal        prometheus.Counter
	harvesterCollectedTotal     *prometheus.CounterVec
	harvesterSkippedTotal       *prometheus.CounterVec
	harvesterFailuresTotal      *prometheus.CounterVec
	harvesterRateLimitWaitSecs  prometheus.Histogram
	harvesterBackoffSecs        prometheus.Histogram
	harvesterEmergencyStopTotal prometheus.Counter
	harvesterRecoveriesTotal    prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call multiple
// times; every observe helper is a no-op until Init runs, which keeps
// unit tests free of global registry setup.
func Init() {
	once.Do(func() {
		harvesterProbesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_probes_total",
			Help: "Total oracle calls issued during bound discovery.",
		})
		harvesterCollectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_collected_total",
			Help: "Records collected, labeled by export status.",
		}, []string{"save_status"})
		harvesterSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_skipped_total",
			Help: "Ids skipped without a network call, labeled by reason class.",
		}, []string{"reason"})
		harvesterFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_failures_total",
			Help: "Terminal per-id failures, labeled by error kind.",
		}, []string{"kind"})
		harvesterRateLimitWaitSecs = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Histogram of politeness-interval waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		})
		harvesterBackoffSecs = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_backoff_seconds",
			Help:    "Histogram of failure backoff sleeps.",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		})
		harvesterEmergencyStopTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_emergency_stops_total",
			Help: "Runs halted by the consecutive-failure threshold.",
		})
		harvesterRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "harvester_source_recoveries_total",
			Help: "Source session recoveries, triggered or periodic.",
		})
	})
}

// Handler returns an http.Handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveProbe counts one oracle call.
func ObserveProbe() {
	if harvesterProbesTotal != nil {
		harvesterProbesTotal.Inc()
	}
}

// ObserveCollected counts a collected record by export status.
func ObserveCollected(saveStatus string) {
	if harvesterCollectedTotal != nil {
		harvesterCollectedTotal.WithLabelValues(saveStatus).Inc()
	}
}

// ObserveSkipped counts a skip decision by reason class.
func ObserveSkipped(reason string) {
	if harvesterSkippedTotal != nil {
		harvesterSkippedTotal.WithLabelValues(reason).Inc()
	}
}

// ObserveFailure counts a terminal per-id failure by error kind.
func ObserveFailure(kind string) {
	if harvesterFailuresTotal != nil {
		harvesterFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveRateLimitWait records a politeness wait.
func ObserveRateLimitWait(d time.Duration) {
	if harvesterRateLimitWaitSecs != nil && d > 0 {
		harvesterRateLimitWaitSecs.Observe(d.Seconds())
	}
}

// ObserveBackoff records a failure backoff sleep.
func ObserveBackoff(d time.Duration) {
	if harvesterBackoffSecs != nil && d > 0 {
		harvesterBackoffSecs.Observe(d.Seconds())
	}
}

// ObserveEmergencyStop counts a run-wide halt.
func ObserveEmergencyStop() {
	if harvesterEmergencyStopTotal != nil {
		harvesterEmergencyStopTotal.Inc()
	}
}

// ObserveRecovery counts a source session recovery.
func ObserveRecovery() {
	if harvesterRecoveriesTotal != nil {
		harvesterRecoveriesTotal.Inc()
	}
}
