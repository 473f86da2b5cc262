package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet-dispatch-dashboard/shared/httpx"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	pollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_ticks_total",
			Help: "Poll ticks by resource and outcome (success, failed, skipped).",
		},
		[]string{"resource", "outcome"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Duration of one poll cycle (fetch and apply) in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"resource"},
	)
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Requests to the tracking provider by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Tracking provider latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	wsSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_subscribers",
			Help: "Currently connected event stream subscribers.",
		},
	)
	wsEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_evictions_total",
			Help: "Subscribers disconnected because their send buffer was full.",
		},
	)
	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_messages_total",
			Help: "Messages fanned out to subscribers by event.",
		},
		[]string{"event"},
	)
	alertsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_generated_total",
			Help: "Alerts derived from positions and activities by type.",
		},
		[]string{"type"},
	)
	alertExportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_export_failures_total",
			Help: "Alert sink publish failures by sink.",
		},
		[]string{"sink"},
	)
	snapshotItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapshot_items",
			Help: "Items held in the in-memory snapshot by kind.",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			pollTicks, pollDuration,
			upstreamRequests, upstreamLatency,
			wsSubscribers, wsEvictions, broadcastMessages,
			alertsGenerated, alertExportFailures, snapshotItems,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

const unmatchedRoute = "unmatched"

// Instrument labels requests by matched route pattern rather than raw path,
// keeping per-device and per-alert URLs in one series.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &httpx.StatusWriter{ResponseWriter: w, Status: http.StatusOK}
		r, slot := httpx.WithRouteSlot(r)
		next.ServeHTTP(sw, r)
		route := slot.Pattern()
		if route == "" {
			route = unmatchedRoute
		}
		status := strconv.Itoa(sw.Status)
		httpRequests.WithLabelValues(r.Method, route, status).Inc()
		httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func IncPollTick(resource string, outcome string) {
	pollTicks.WithLabelValues(resource, outcome).Inc()
}

func ObservePollDuration(resource string, d time.Duration) {
	pollDuration.WithLabelValues(resource).Observe(d.Seconds())
}

func ObserveUpstream(kind string, outcome string, d time.Duration) {
	upstreamRequests.WithLabelValues(kind, outcome).Inc()
	upstreamLatency.WithLabelValues(kind).Observe(d.Seconds())
}

func SetSubscribers(n int) {
	wsSubscribers.Set(float64(n))
}

func IncEviction() {
	wsEvictions.Inc()
}

func IncBroadcast(event string, n int) {
	broadcastMessages.WithLabelValues(event).Add(float64(n))
}

func IncAlert(alertType string) {
	alertsGenerated.WithLabelValues(alertType).Inc()
}

func IncAlertExportFailure(sink string) {
	alertExportFailures.WithLabelValues(sink).Inc()
}

func SetSnapshotItems(kind string, n int) {
	snapshotItems.WithLabelValues(kind).Set(float64(n))
}
