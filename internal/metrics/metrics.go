// Package metrics provides Prometheus instrumentation for the commissions service.
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
			Namespace: "commissions",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commissions",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OrderTransitionsTotal counts committed order transitions by target status.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "orders_transitions_total",
			Help:      "Total committed order transitions by target status.",
		},
		[]string{"to"},
	)

	// OrdersExpiredTotal counts orders cancelled by the expiry sweeper.
	OrdersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "commissions",
		Name:      "orders_expired_total",
		Help:      "Total orders cancelled after their delivery deadline passed.",
	})

	// ExpirySweepDuration observes how long one expiry sweep takes.
	ExpirySweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "commissions",
		Name:      "expiry_sweep_duration_seconds",
		Help:      "Expiry sweep duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// WithdrawalsTotal counts withdrawal status changes.
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "withdrawals_total",
			Help:      "Total withdrawals by resulting status.",
		},
		[]string{"status"},
	)

	// EventsEmittedTotal counts events delivered to a sink.
	EventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "events_emitted_total",
			Help:      "Total order events delivered by kind and sink.",
		},
		[]string{"kind", "sink"},
	)

	// EventsFailedTotal counts events a sink failed to deliver.
	EventsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "events_failed_total",
			Help:      "Total order events a sink failed to deliver by kind and sink.",
		},
		[]string{"kind", "sink"},
	)

	// EventsDroppedTotal counts events shed because the fanout queue was full or closed.
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "events_dropped_total",
			Help:      "Total order events dropped before delivery by kind.",
		},
		[]string{"kind"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "commissions",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// PayoutCircuitTransitions counts payout circuit breaker state changes.
	PayoutCircuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Subsystem: "payouts",
			Name:      "circuit_transitions_total",
			Help:      "Payout circuit breaker transitions by method, from-state and to-state.",
		},
		[]string{"method", "from_state", "to_state"},
	)

	// PayoutsUnconfirmedTotal counts payouts the provider neither confirmed
	// nor rejected; those withdrawals wait in PROCESSING for an admin.
	PayoutsUnconfirmedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Subsystem: "payouts",
			Name:      "unconfirmed_total",
			Help:      "Payouts with an unknown provider outcome by executor.",
		},
		[]string{"executor"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "rate_limited_total",
			Help:      "Total requests rejected with 429 by caller kind.",
		},
		[]string{"caller"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "commissions", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrderTransitionsTotal,
		OrdersExpiredTotal,
		ExpirySweepDuration,
		WithdrawalsTotal,
		EventsEmittedTotal,
		EventsFailedTotal,
		EventsDroppedTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		PayoutCircuitTransitions,
		PayoutsUnconfirmedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
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
