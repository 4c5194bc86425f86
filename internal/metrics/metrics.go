// Package metrics provides Prometheus instrumentation for the money path.
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
			Namespace: "dartduel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dartduel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowsCreatedTotal counts escrows created (pending).
	EscrowsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dartduel",
		Name:      "escrows_created_total",
		Help:      "Total escrows created.",
	})

	// EscrowsLockedTotal counts successful joins (pending -> locked).
	EscrowsLockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dartduel",
		Name:      "escrows_locked_total",
		Help:      "Total escrows locked by a second player joining.",
	})

	// SettlementsTotal counts settlement outcomes.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dartduel",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by outcome.",
		},
		[]string{"outcome"}, // released, already_settled, rolled_back, contention
	)

	// RefundsTotal counts refund outcomes.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dartduel",
			Name:      "refunds_total",
			Help:      "Total refund attempts by outcome.",
		},
		[]string{"outcome"}, // refunded, partial, contention
	)

	// PayoutCoinsTotal sums coins paid out to winners.
	PayoutCoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dartduel",
		Name:      "payout_coins_total",
		Help:      "Total coins credited to winners.",
	})

	// StaleLockTakeoversTotal counts lock takeovers after staleness timeout.
	StaleLockTakeoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dartduel",
			Name:      "stale_lock_takeovers_total",
			Help:      "Total stale phase locks taken over, by phase.",
		},
		[]string{"phase"},
	)

	// TxLogAppendFailures counts transaction log appends that exhausted retries.
	TxLogAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dartduel",
		Name:      "txlog_append_failures_total",
		Help:      "Transaction log appends that failed after retries (wallet already credited).",
	})

	// ReconcileStuckRecords reports stuck records found by the last scan.
	ReconcileStuckRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dartduel",
			Name:      "reconcile_stuck_records",
			Help:      "Stuck records found by the most recent reconciliation scan, by category.",
		},
		[]string{"category"},
	)

	// ReconcileAnomalies reports anomalies (stuck without usable timestamp).
	ReconcileAnomalies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dartduel",
			Name:      "reconcile_anomalies",
			Help:      "Records stuck without a usable timestamp, by category.",
		},
		[]string{"category"},
	)

	// ReconcileRunsTotal counts reconciliation runs by result.
	ReconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dartduel",
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation runs by result.",
		},
		[]string{"result"}, // ok, partial, failed
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dartduel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dartduel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// ActiveWebSocketClients tracks connected realtime clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dartduel", Name: "websocket_clients",
		Help: "Currently connected WebSocket clients.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dartduel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsCreatedTotal,
		EscrowsLockedTotal,
		SettlementsTotal,
		RefundsTotal,
		PayoutCoinsTotal,
		StaleLockTakeoversTotal,
		TxLogAppendFailures,
		ReconcileStuckRecords,
		ReconcileAnomalies,
		ReconcileRunsTotal,
		DBOpenConnections,
		DBInUseConnections,
		ActiveWebSocketClients,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits
// when ctx is done.
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
