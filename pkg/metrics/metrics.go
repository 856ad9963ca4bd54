// Package metrics exposes the Prometheus collectors for the asset
// materialization engine: tick/materialization/ingest counters and
// histograms, upstream call classification, and HTTP request metrics for the
// read API. All collectors live on a private Registry rather than the
// Prometheus default registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bdx",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bdx",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	engineTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total engine ticks, grouped by outcome.",
		},
		[]string{"status"},
	)

	engineTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a full engine tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~2.5m
		},
	)

	materializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "materializations_total",
			Help:      "Total materialization attempts per asset slug and outcome.",
		},
		[]string{"slug", "status"},
	)

	materializationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "materialization_duration_seconds",
			Help:      "Duration of a single instance materialization.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"slug"},
	)

	membershipChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "membership_events_total",
			Help:      "Enter/exit events written across all materializations.",
		},
		[]string{"slug", "direction"},
	)

	plannerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "engine",
			Name:      "planner_events_total",
			Help:      "Non-fatal planner decisions (deferred, skipped, warning).",
		},
		[]string{"kind"},
	)

	ingestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Total ingest runs per kind and outcome.",
		},
		[]string{"kind", "status"},
	)

	ingestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bdx",
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of a single ingest run.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"kind"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bdx",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream provider calls grouped by status class.",
		},
		[]string{"status_class"},
	)

	rateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bdx",
			Subsystem: "upstream",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent queued behind the process-global rate gate.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpInFlight,
		httpRequests,
		httpDuration,
		engineTicks,
		engineTickDuration,
		materializations,
		materializationDuration,
		membershipChanges,
		plannerEvents,
		ingestRuns,
		ingestDuration,
		upstreamRequests,
		rateLimitWait,
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordTick records one engine tick with its duration; status is "success"
// or "error".
func RecordTick(status string, dur time.Duration) {
	engineTicks.WithLabelValues(status).Inc()
	engineTickDuration.Observe(dur.Seconds())
}

// RecordMaterialization records one per-instance materialization attempt.
// Status is one of success|error|short_circuit|deferred|skipped.
func RecordMaterialization(slug, status string, dur time.Duration) {
	materializations.WithLabelValues(slug, status).Inc()
	materializationDuration.WithLabelValues(slug).Observe(dur.Seconds())
}

// RecordMembershipEvents records the enter/exit counts a materialization wrote.
func RecordMembershipEvents(slug string, enters, exits int) {
	if enters > 0 {
		membershipChanges.WithLabelValues(slug, "enter").Add(float64(enters))
	}
	if exits > 0 {
		membershipChanges.WithLabelValues(slug, "exit").Add(float64(exits))
	}
}

// RecordPlannerEvent counts a non-fatal planner decision by kind.
func RecordPlannerEvent(kind string) {
	plannerEvents.WithLabelValues(kind).Inc()
}

// RecordIngestRun records one completed ingest run.
func RecordIngestRun(kind, status string, dur time.Duration) {
	ingestRuns.WithLabelValues(kind, status).Inc()
	ingestDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

// RecordUpstreamRequest counts one upstream call by status class
// ("2xx", "4xx", "429", "5xx", "transport").
func RecordUpstreamRequest(statusCode int) {
	upstreamRequests.WithLabelValues(statusClass(statusCode)).Inc()
}

// RecordRateLimitWait observes time spent queued behind the rate gate.
func RecordRateLimitWait(dur time.Duration) {
	rateLimitWait.Observe(dur.Seconds())
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "transport"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "2xx"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// canonicalPath collapses id-bearing path segments so metrics cardinality
// stays bounded: /v1/materializations/123 -> /v1/materializations/:id.
func canonicalPath(raw string) string {
	if raw == "" {
		return "/"
	}
	parts := strings.Split(raw, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if _, err := strconv.ParseInt(p, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
