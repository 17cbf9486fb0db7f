// Package metrics exposes Prometheus collectors for the sync service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedPagesTotal             *prometheus.CounterVec
	discoveredKeysTotal        *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	queueDepth                 *prometheus.GaugeVec
	cooldownsTotal             *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	watermarkTimestampSeconds  prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		feedPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_feed_pages_total",
				Help: "Recent-changes pages requested, labeled by change kind and result.",
			},
			[]string{"change_kind", "result"},
		)

		discoveredKeysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_discovered_keys_total",
				Help: "Distinct keys queued by discovery, labeled by entity kind.",
			},
			[]string{"kind"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_records_total",
				Help: "Records processed, labeled by entity kind and result.",
			},
			[]string{"kind", "result"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogsync_fetch_duration_seconds",
				Help:    "Upstream record fetch latency, labeled by entity kind.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalogsync_queue_depth",
				Help: "Keys pending fetch, labeled by entity kind.",
			},
			[]string{"kind"},
		)

		cooldownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_cooldowns_total",
				Help: "Back-off cooldowns after high-failure batches, labeled by entity kind.",
			},
			[]string{"kind"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogsync_runs_total",
				Help: "Sync runs, labeled by result.",
			},
			[]string{"result"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "catalogsync_run_duration_seconds",
				Help:    "Wall time of sync runs.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		)

		watermarkTimestampSeconds = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "catalogsync_watermark_timestamp_seconds",
				Help: "Unix time of the last fully discovered day.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogsync_pacing_delay_seconds",
				Help:    "Time spent waiting on request pacing gates.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"gate"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFeedPage counts one recent-changes page request.
func ObserveFeedPage(changeKind string, ok bool) {
	Init()
	result := "success"
	if !ok {
		result = "failure"
	}
	feedPagesTotal.WithLabelValues(changeKind, result).Inc()
}

// AddDiscoveredKeys counts newly queued keys of kind.
func AddDiscoveredKeys(kind string, n int) {
	Init()
	if n > 0 {
		discoveredKeysTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// ObserveRecord counts one processed record and its fetch latency.
func ObserveRecord(kind string, result string, fetch time.Duration) {
	Init()
	recordsTotal.WithLabelValues(kind, result).Inc()
	if fetch > 0 {
		fetchDurationSeconds.WithLabelValues(kind).Observe(fetch.Seconds())
	}
}

// SetQueueDepth publishes the remaining queue length of kind.
func SetQueueDepth(kind string, depth int) {
	Init()
	queueDepth.WithLabelValues(kind).Set(float64(depth))
}

// ObserveCooldown counts one cooldown.
func ObserveCooldown(kind string) {
	Init()
	cooldownsTotal.WithLabelValues(kind).Inc()
}

// ObserveRun counts a finished or failed run.
func ObserveRun(result string, duration time.Duration) {
	Init()
	runsTotal.WithLabelValues(result).Inc()
	runDurationSeconds.Observe(duration.Seconds())
}

// SetWatermark publishes the current watermark.
func SetWatermark(t time.Time) {
	Init()
	watermarkTimestampSeconds.Set(float64(t.Unix()))
}

// ObservePacingDelay records the time a pacing gate held a request.
func ObservePacingDelay(gate string, d time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(gate).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
