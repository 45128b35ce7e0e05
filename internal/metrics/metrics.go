// Package metrics provides Prometheus instrumentation for paycore.
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
			Namespace: "paycore",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paycore",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Workflow metrics ---

	// WorkflowRunsStarted counts runs started by template.
	WorkflowRunsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "runs_started_total",
		Help:      "Workflow runs started by template.",
	}, []string{"template"})

	// WorkflowRunsFinished counts runs reaching a terminal status.
	WorkflowRunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "runs_finished_total",
		Help:      "Workflow runs reaching a terminal status, by template and status.",
	}, []string{"template", "status"})

	// WorkflowActiveRuns tracks non-terminal runs held by the orchestrator.
	WorkflowActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "active_runs",
		Help:      "Non-terminal runs currently driven by this process.",
	})

	// WorkflowStepAttempts counts step handler invocations by outcome.
	WorkflowStepAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "step_attempts_total",
		Help:      "Step handler invocations by step type and outcome (success, retry, failed, rejected).",
	}, []string{"step", "outcome"})

	// WorkflowStepDuration observes step handler latency.
	WorkflowStepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "step_duration_seconds",
		Help:      "Step handler execution time.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"step"})

	// WorkflowPersistErrors counts failed store writes.
	WorkflowPersistErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "persist_errors_total",
		Help:      "Run state writes that failed; in-memory state is kept.",
	})

	// WorkflowPendingEvents tracks lifecycle events awaiting delivery.
	WorkflowPendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "workflow",
		Name:      "pending_events",
		Help:      "Lifecycle events recorded by a transition and not yet delivered.",
	})

	// --- Risk metrics ---

	// RiskChecksTotal counts risk checks by recommendation.
	RiskChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "risk",
		Name:      "checks_total",
		Help:      "Risk checks by recommendation.",
	}, []string{"recommendation"})

	// RiskCheckDuration observes end-to-end risk check latency.
	RiskCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "risk",
		Name:      "check_duration_seconds",
		Help:      "Risk check latency.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// RiskAnalyzerFailures counts analyzers dropped from the ensemble.
	RiskAnalyzerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "risk",
		Name:      "analyzer_failures_total",
		Help:      "Analyzers omitted from a check, by category and reason (error, timeout, panic).",
	}, []string{"category", "reason"})

	// RiskBlacklistHits counts blacklist short-circuits.
	RiskBlacklistHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "risk",
		Name:      "blacklist_hits_total",
		Help:      "Risk checks short-circuited by the blacklist.",
	})

	// --- Payment gateways ---

	// GatewayCalls counts gateway operations by outcome (success, declined, error, rejected_open).
	GatewayCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Payment gateway calls by gateway, operation and outcome.",
	}, []string{"gateway", "operation", "outcome"})

	// GatewayCallDuration tracks gateway call latency.
	GatewayCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Payment gateway call latency.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"gateway", "operation"})

	// --- Realtime ---

	// RealtimeClients tracks connected WebSocket clients.
	RealtimeClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Subsystem: "realtime", Name: "clients",
		Help: "Number of connected event stream clients.",
	})
	// RealtimeDropped counts events dropped for a full hub or a slow client.
	RealtimeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore", Subsystem: "realtime", Name: "dropped_total",
		Help: "Events not delivered to stream clients.",
	}, []string{"reason"})

	// --- Infrastructure ---

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		WorkflowRunsStarted,
		WorkflowRunsFinished,
		WorkflowActiveRuns,
		WorkflowStepAttempts,
		WorkflowStepDuration,
		WorkflowPersistErrors,
		WorkflowPendingEvents,
		RiskChecksTotal,
		RiskCheckDuration,
		RiskAnalyzerFailures,
		RiskBlacklistHits,
		GatewayCalls,
		GatewayCallDuration,
		RealtimeClients,
		RealtimeDropped,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
