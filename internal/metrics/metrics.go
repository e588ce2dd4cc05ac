// Package metrics provides Prometheus instrumentation for the treasury service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "treasury",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts routed decisions by action.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "decisions_total",
			Help:      "Total routed decisions by action.",
		},
		[]string{"action"},
	)

	// DetectorHitsTotal counts fired detectors by name.
	DetectorHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "detector_hits_total",
			Help:      "Total detector firings by detector name.",
		},
		[]string{"detector"},
	)

	// AnalysesTotal counts risk analyses by outcome (ok, failsafe).
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "analyses_total",
			Help:      "Total risk analyses by outcome.",
		},
		[]string{"outcome"},
	)

	// CascadeFailuresTotal counts rolled-back status cascades.
	CascadeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "cascade_failures_total",
			Help:      "Total dependent-record cascades that failed and rolled back.",
		},
	)

	// StatusConflictsTotal counts concurrent status-update conflicts.
	StatusConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "status_conflicts_total",
			Help:      "Total optimistic-concurrency conflicts on status updates.",
		},
	)

	// NotificationsBundledTotal counts notifications grouped into bundles.
	NotificationsBundledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "notifications_bundled_total",
			Help:      "Total notifications accepted into recipient bundles.",
		},
	)

	// NotificationFlushesTotal counts bundle flushes by trigger (window, size).
	NotificationFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "notification_flushes_total",
			Help:      "Total notification bundle flushes by trigger.",
		},
		[]string{"trigger"},
	)

	// ReviewQueueDepth tracks transactions awaiting human review.
	ReviewQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "review_queue_depth",
		Help: "Number of pending transactions in the review queue.",
	})

	// ActiveWebSocketClients tracks connected reviewer feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "active_websocket_clients",
		Help: "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "treasury", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// BaselineRefreshesTotal counts profile baseline recomputations.
	BaselineRefreshesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "treasury",
		Name:      "baseline_refreshes_total",
		Help:      "Total submitter profile baseline recomputations.",
	})

	// AnalysisDuration observes time spent in the detection pipeline.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "treasury",
		Name:      "analysis_duration_seconds",
		Help:      "Time spent running detectors and scoring in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		DetectorHitsTotal,
		AnalysesTotal,
		CascadeFailuresTotal,
		StatusConflictsTotal,
		NotificationsBundledTotal,
		NotificationFlushesTotal,
		ReviewQueueDepth,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		BaselineRefreshesTotal,
		AnalysisDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns a gin handler serving the Prometheus exposition endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket collapses status codes into class buckets to bound cardinality.
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
