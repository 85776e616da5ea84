// Package metrics provides Prometheus metrics for the folder storage server.
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
			Name: "folderhub_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "folderhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	downloadsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderhub_downloads_started_total",
			Help: "Total number of download transfers started",
		},
		[]string{"kind"},
	)

	downloadsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderhub_downloads_finished_total",
			Help: "Total number of download transfers finished, by terminal status",
		},
		[]string{"kind", "status"},
	)

	downloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderhub_download_bytes_total",
			Help: "Total bytes written to download responses",
		},
		[]string{"kind"},
	)

	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderhub_active_transfers",
			Help: "Number of transfers currently streaming",
		},
	)

	// Upload metrics
	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderhub_upload_bytes_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	quotaDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderhub_quota_denied_total",
			Help: "Total number of uploads denied by quota",
		},
	)

	// Session metrics
	trackedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderhub_tracked_sessions",
			Help: "Number of download sessions currently held in the registry",
		},
	)

	// Realtime metrics
	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "folderhub_ws_connections_active",
			Help: "Number of active websocket connections",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "folderhub_events_published_total",
			Help: "Total transfer events published, by event name",
		},
		[]string{"event"},
	)

	replaysServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "folderhub_replays_served_total",
			Help: "Total history replays served to late joiners",
		},
	)
)

// RecordDownloadStart records the start of a transfer ("file" or "archive").
func RecordDownloadStart(kind string) {
	downloadsStarted.WithLabelValues(kind).Inc()
	activeTransfers.Inc()
}

// RecordDownloadEnd records a transfer reaching a terminal status.
func RecordDownloadEnd(kind, status string, bytes int64) {
	downloadsFinished.WithLabelValues(kind, status).Inc()
	downloadBytes.WithLabelValues(kind).Add(float64(bytes))
	activeTransfers.Dec()
}

// RecordUpload records accepted upload bytes.
func RecordUpload(bytes int64) {
	uploadBytes.Add(float64(bytes))
}

// RecordQuotaDenied records an upload denied by quota.
func RecordQuotaDenied() {
	quotaDenied.Inc()
}

// SetTrackedSessions sets the session registry size gauge.
func SetTrackedSessions(n int64) {
	trackedSessions.Set(float64(n))
}

// SetWSConnections sets the active websocket connection gauge.
func SetWSConnections(n int64) {
	wsConnections.Set(float64(n))
}

// RecordEventPublished records a published transfer event.
func RecordEventPublished(event string) {
	eventsPublished.WithLabelValues(event).Inc()
}

// RecordReplay records one history replay served to a late joiner.
func RecordReplay() {
	replaysServed.Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments HTTP handlers with request count and duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
