// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal           *prometheus.CounterVec
	fetchAttemptsTotal   *prometheus.CounterVec
	fetchDurationSeconds *prometheus.HistogramVec
	batchWritesTotal     *prometheus.CounterVec
	activeWorkers        prometheus.Gauge
	progressItems        *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_items_total",
				Help: "Total number of work items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fetch_attempts_total",
				Help: "Total number of fetch attempts, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by source.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		)

		batchWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_batch_writes_total",
				Help: "Total number of document writes, labeled by mode (bulk, single) and result.",
			},
			[]string{"mode", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers currently running.",
			},
		)

		progressItems = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_progress_items",
				Help: "Harvest progress, labeled by kind (total, done).",
			},
			[]string{"kind"},
		)
	})
}

// SourceLabel reduces a document location to scheme://host so label
// cardinality stays bounded.
func SourceLabel(u *url.URL) string {
	if u == nil || u.Host == "" {
		return "unknown"
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// StatusClass buckets an HTTP-like status into 2xx, 3xx, 4xx or 5xx.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome counts one processed item.
func ObserveOutcome(outcome string) {
	Init()
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one fetch attempt. result is a status class or "error".
func ObserveFetch(source, result string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(source, result).Inc()
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveWrite records one bulk or single-row write.
func ObserveWrite(mode string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	batchWritesTotal.WithLabelValues(mode, result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetProgress mirrors the progress counters.
func SetProgress(total, done int64) {
	Init()
	progressItems.WithLabelValues("total").Set(float64(total))
	progressItems.WithLabelValues("done").Set(float64(done))
}
