// Package metrics holds the service's Prometheus collectors and the helpers
// other packages record through.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contactd_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	ephemerisRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_ephemeris_refresh_total",
			Help: "Ephemeris refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	ephemerisRefreshSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contactd_ephemeris_refresh_duration_seconds",
			Help:    "Time to fetch, propagate and swap one ephemeris window.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ephemerisSamples = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contactd_ephemeris_samples",
			Help: "Samples in the currently served ephemeris window.",
		},
	)

	ephemerisLastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contactd_ephemeris_last_success_timestamp_seconds",
			Help: "Unix time of the last successful ephemeris refresh.",
		},
	)

	geometryTaskSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contactd_geometry_task_duration_seconds",
			Help:    "Geometry pool task duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"task"},
	)

	geometryTaskErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_geometry_task_errors_total",
			Help: "Geometry pool tasks that returned an error.",
		},
		[]string{"task"},
	)

	passCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_pass_cache_requests_total",
			Help: "Pass prediction cache lookups by result.",
		},
		[]string{"result"},
	)

	reconcileOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_pass_reconcile_ops_total",
			Help: "Stored pass operations written by reconciliation.",
		},
		[]string{"op"},
	)

	missionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_mission_transitions_total",
			Help: "Mission status transitions by target status.",
		},
		[]string{"status"},
	)

	allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_scheduler_allocations_total",
			Help: "Queue drain outcomes per mission.",
		},
		[]string{"outcome"},
	)

	freeSpaceRows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contactd_scheduler_free_space_rows",
			Help: "Free-space intervals on the mission timeline after the last allocation.",
		},
	)

	commandDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_command_dispatch_total",
			Help: "Commands dispatched to the spacecraft by outcome.",
		},
		[]string{"outcome"},
	)

	commandDispatchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contactd_command_dispatch_duration_seconds",
			Help:    "Round trip of a single command dispatch.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_jobs_total",
			Help: "Finished job queue jobs by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	webhookTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contactd_stream_clients",
			Help: "Connected mission status stream clients.",
		},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contactd_stream_events_total",
			Help: "Mission status stream events by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpDurationSeconds,
		ephemerisRefreshTotal,
		ephemerisRefreshSeconds,
		ephemerisSamples,
		ephemerisLastSuccess,
		geometryTaskSeconds,
		geometryTaskErrors,
		passCacheTotal,
		reconcileOpsTotal,
		missionTransitionsTotal,
		allocationsTotal,
		freeSpaceRows,
		commandDispatchTotal,
		commandDispatchSeconds,
		jobsTotal,
		webhookTotal,
		streamsActive,
		streamEventsTotal,
	)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordEphemerisRefresh records one refresh attempt.
func RecordEphemerisRefresh(d time.Duration, err error) {
	ephemerisRefreshTotal.WithLabelValues(outcome(err)).Inc()
	ephemerisRefreshSeconds.Observe(d.Seconds())
	if err == nil {
		ephemerisLastSuccess.SetToCurrentTime()
	}
}

func SetEphemerisSamples(n int) { ephemerisSamples.Set(float64(n)) }

// ObserveGeometryTask records one geometry pool task.
func ObserveGeometryTask(task string, d time.Duration, err error) {
	geometryTaskSeconds.WithLabelValues(task).Observe(d.Seconds())
	if err != nil {
		geometryTaskErrors.WithLabelValues(task).Inc()
	}
}

func RecordPassCache(hit bool) {
	if hit {
		passCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	passCacheTotal.WithLabelValues("miss").Inc()
}

// RecordReconcile adds one reconciliation cycle's writes.
func RecordReconcile(added, updated, deleted int) {
	reconcileOpsTotal.WithLabelValues("add").Add(float64(added))
	reconcileOpsTotal.WithLabelValues("update").Add(float64(updated))
	reconcileOpsTotal.WithLabelValues("delete").Add(float64(deleted))
}

func RecordMissionTransition(status string) {
	missionTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordAllocation counts a drain outcome: scheduled, expired or unplaceable.
func RecordAllocation(outcome string) {
	allocationsTotal.WithLabelValues(outcome).Inc()
}

func SetFreeSpaceRows(n int) { freeSpaceRows.Set(float64(n)) }

// RecordCommandDispatch records one transport round trip.
func RecordCommandDispatch(d time.Duration, err error) {
	commandDispatchTotal.WithLabelValues(outcome(err)).Inc()
	commandDispatchSeconds.Observe(d.Seconds())
}

func RecordJob(kind string, err error) {
	jobsTotal.WithLabelValues(kind, outcome(err)).Inc()
}

func RecordWebhook(err error) {
	webhookTotal.WithLabelValues(outcome(err)).Inc()
}

func IncStreamsActive() { streamsActive.Inc() }
func DecStreamsActive() { streamsActive.Dec() }

// IncStreamEvents counts a stream event: sent, dropped or rate_limit.
func IncStreamEvents(result string) {
	streamEventsTotal.WithLabelValues(result).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush lets SSE handlers stream through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routes are the templates path labels collapse to. "*" matches one segment.
var routes = [][]string{
	{"healthz"},
	{"readyz"},
	{"metrics"},
	{"api", "v1", "groundstations"},
	{"api", "v1", "groundstations", "*"},
	{"api", "v1", "groundstations", "*", "passes"},
	{"api", "v1", "passes"},
	{"api", "v1", "passes", "*", "history"},
	{"api", "v1", "groundtrack"},
	{"api", "v1", "missions"},
	{"api", "v1", "missions", "*"},
	{"api", "v1", "jobs", "*"},
	{"api", "v1", "ephemeris"},
	{"api", "v1", "ephemeris", "refresh"},
	{"api", "v1", "stream", "missions"},
	{"api", "v1", "webhooks", "queue-mission"},
	{"api", "v1", "webhooks", "ephemeris-updated"},
}

// normalizeRoute maps a request path to a bounded set of labels so IDs in
// paths cannot blow up series cardinality.
func normalizeRoute(path string) string {
	if path == "/" {
		return "/"
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for _, r := range routes {
		if len(r) != len(segs) {
			continue
		}
		match := true
		for i := range r {
			if r[i] != "*" && r[i] != segs[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		label := make([]string, len(r))
		for i := range r {
			label[i] = r[i]
			if r[i] == "*" {
				label[i] = "{id}"
			}
		}
		return "/" + strings.Join(label, "/")
	}
	return "other"
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}
