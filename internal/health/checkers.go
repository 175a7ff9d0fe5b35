package health

import (
	"context"
	"time"
)

// Pinger is satisfied by the store implementations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreChecker reports whether the backing store answers a ping within timeout.
func StoreChecker(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// LoopChecker reports whether a background loop is running.
func LoopChecker(name string, running func() bool) Checker {
	return func(_ context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// ErrChecker wraps a component that reports its last error, such as a
// message writer.
func ErrChecker(name string, check func() error) Checker {
	return func(_ context.Context) Status {
		if err := check(); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}
