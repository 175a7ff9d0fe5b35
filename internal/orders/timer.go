package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/commissions/internal/metrics"
)

const sweepLeaseName = "orders:expiry-sweep"

// DefaultSweepInterval is how often the expiry sweep runs when unset.
const DefaultSweepInterval = 10 * time.Minute

// Timer periodically cancels orders whose delivery deadline has passed.
type Timer struct {
	service   *Service
	lease     Lease
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
	lastRun   atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a new expiry sweeper.
func NewTimer(service *Service, interval time.Duration, batchSize int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:   service,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// WithLease makes the timer sweep only on ticks where it wins the lease, so
// one replica sweeps at a time.
func (t *Timer) WithLease(l Lease) *Timer {
	t.lease = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished, or zero if none has.
func (t *Timer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if t.lease != nil {
		// TTL below the interval: a crashed holder frees it before the next tick.
		ok, err := t.lease.TryAcquire(ctx, sweepLeaseName, t.interval*9/10)
		if err != nil {
			t.logger.Warn("expiry sweep lease unavailable", "error", err)
			return
		}
		if !ok {
			t.logger.Debug("expiry sweep held by another replica")
			return
		}
	}

	start := time.Now()
	n, err := t.service.ExpireOrders(ctx, t.batchSize)
	metrics.ExpirySweepDuration.Observe(time.Since(start).Seconds())
	t.lastRun.Store(time.Now().UnixNano())
	if err != nil {
		t.logger.Error("expiry sweep failed", "expired", n, "error", err)
		return
	}
	t.logger.Info("expiry sweep finished", "expired", n, "duration", time.Since(start))
}
