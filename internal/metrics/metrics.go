// Package metrics provides Prometheus metrics for the ossdrive server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ossdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ossdrive_content_bytes_downloaded_total",
			Help: "Total bytes streamed to clients",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ossdrive_content_bytes_uploaded_total",
			Help: "Total bytes accepted from clients",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_downloads_total",
			Help: "Downloads by outcome (full, partial, aborted, error)",
		},
		[]string{"outcome"},
	)

	// Chunked upload metrics
	partsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_upload_parts_total",
			Help: "Part uploads by status",
		},
		[]string{"status"},
	)

	completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_upload_completions_total",
			Help: "Upload finalizations by path (multipart, single) and status",
		},
		[]string{"path", "status"},
	)

	trackerSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ossdrive_upload_tracker_sessions",
			Help: "Upload sessions currently held by the part tracker",
		},
	)

	trackerLoads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ossdrive_upload_tracker_loads_total",
			Help: "Part listings fetched from the backend to seed the tracker",
		},
	)

	sweptSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ossdrive_upload_swept_sessions_total",
			Help: "Stale upload sessions evicted by the sweeper",
		},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ossdrive_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ossdrive_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Event metrics
	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_events_published_total",
			Help: "File events published to subscribers",
		},
		[]string{"type"},
	)

	eventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ossdrive_event_subscribers",
			Help: "Active event stream subscribers",
		},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ossdrive_auth_attempts_total",
			Help: "Token validations by result",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDownload records a finished download and the bytes it sent.
func RecordDownload(outcome string, bytes int64) {
	bytesDownloaded.Add(float64(bytes))
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// RecordPartUpload records one part upload attempt.
func RecordPartUpload(bytes int64, ok bool) {
	if ok {
		bytesUploaded.Add(float64(bytes))
	}
	partsTotal.WithLabelValues(status(ok)).Inc()
}

// RecordSingleUpload records a whole-object upload.
func RecordSingleUpload(bytes int64, ok bool) {
	if ok {
		bytesUploaded.Add(float64(bytes))
	}
	completionsTotal.WithLabelValues("single", status(ok)).Inc()
}

// RecordCompletion records a multipart finalization.
func RecordCompletion(ok bool) {
	completionsTotal.WithLabelValues("multipart", status(ok)).Inc()
}

// SetTrackerSessions sets the number of tracked upload sessions.
func SetTrackerSessions(n int) {
	trackerSessions.Set(float64(n))
}

// RecordTrackerLoad counts a backend part listing used to seed the tracker.
func RecordTrackerLoad() {
	trackerLoads.Inc()
}

// RecordSweep counts sessions evicted by the sweeper.
func RecordSweep(n int) {
	sweptSessions.Add(float64(n))
}

// RecordBackendOperation records a storage backend call.
func RecordBackendOperation(backend, operation string, duration time.Duration, ok bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, status(ok)).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordEvent counts a published file event.
func RecordEvent(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// SetEventSubscribers sets the number of event stream subscribers.
func SetEventSubscribers(n int) {
	eventSubscribers.Set(float64(n))
}

// RecordAuthAttempt records a token validation.
func RecordAuthAttempt(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records request metrics. The route label is the matched
// ServeMux pattern so object paths do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, sw.code, time.Since(start))
	})
}
