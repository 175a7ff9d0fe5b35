package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OpsTotal counts ledger primitives by operation.
	OpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by operation.",
		},
		[]string{"op"},
	)

	// OpDuration observes primitive latency by operation.
	OpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "commissions",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	reconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "commissions",
			Name:      "ledger_reconcile_mismatches_total",
			Help:      "Wallets found out of balance with their transaction history.",
		},
	)
)

func init() {
	prometheus.MustRegister(OpsTotal, OpDuration, reconcileMismatches)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(op string) func() {
	OpsTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
