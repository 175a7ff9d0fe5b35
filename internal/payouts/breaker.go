package payouts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/commissions/internal/metrics"
	"github.com/mbd888/commissions/internal/withdrawals"
)

// ErrCircuitOpen is returned without contacting the provider while the
// circuit for a payout method is open.
var ErrCircuitOpen = errors.New("payout provider unavailable: circuit open")

// State is the circuit state for one payout method.
type State int

const (
	StateClosed   State = iota // payouts flow
	StateOpen                  // payouts rejected
	StateHalfOpen              // one probe payout allowed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive payout failures per method and opens after
// threshold of them. After cooldown one probe payout is let through.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[withdrawals.Method]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments select 5 failures
// and a 30s cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[withdrawals.Method]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the time source (tests).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a payout by method may be attempted. An open
// circuit past its cooldown moves to half-open and admits one probe.
func (b *Breaker) Allow(method withdrawals.Method) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[method]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.lastFailure) >= b.cooldown {
			b.transition(c, method, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(method withdrawals.Method) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[method]
	if !ok {
		return
	}
	if c.state == StateHalfOpen {
		b.transition(c, method, StateClosed)
	}
	c.failures = 0
}

// RecordFailure counts a failed payout. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(method withdrawals.Method) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[method]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[method] = c
	}
	c.failures++
	c.lastFailure = b.now()

	switch {
	case c.state == StateHalfOpen:
		b.transition(c, method, StateOpen)
	case c.state == StateClosed && c.failures >= b.threshold:
		b.transition(c, method, StateOpen)
	}
}

// State returns the circuit state for method. Unknown methods are closed.
func (b *Breaker) State(method withdrawals.Method) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[method]; ok {
		return c.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(c *circuit, method withdrawals.Method, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metrics.PayoutCircuitTransitions.WithLabelValues(string(method), from.String(), to.String()).Inc()
}

// Guarded wraps an executor with a breaker. While a method's circuit is
// open its payouts fail fast with ErrCircuitOpen. Only unconfirmed payouts
// count as failures; a rejection is a healthy provider saying no.
type Guarded struct {
	next    withdrawals.PayoutExecutor
	breaker *Breaker
}

// Guard wraps next with breaker.
func Guard(next withdrawals.PayoutExecutor, breaker *Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Name implements withdrawals.PayoutExecutor.
func (g *Guarded) Name() string { return g.next.Name() }

// Payout implements withdrawals.PayoutExecutor.
func (g *Guarded) Payout(ctx context.Context, w withdrawals.Withdrawal) (withdrawals.PayoutResult, error) {
	if !g.breaker.Allow(w.Method) {
		return withdrawals.PayoutResult{}, fmt.Errorf("%s: %w", w.Method, ErrCircuitOpen)
	}
	res, err := g.next.Payout(ctx, w)
	if errors.Is(err, withdrawals.ErrPayoutUnconfirmed) {
		g.breaker.RecordFailure(w.Method)
		return res, err
	}
	g.breaker.RecordSuccess(w.Method)
	return res, err
}

// Healthy reports an error while any circuit is open.
func (g *Guarded) Healthy() error {
	g.breaker.mu.Lock()
	defer g.breaker.mu.Unlock()
	for method, c := range g.breaker.circuits {
		if c.state == StateOpen {
			return fmt.Errorf("%s: %w", method, ErrCircuitOpen)
		}
	}
	return nil
}

var _ withdrawals.PayoutExecutor = (*Guarded)(nil)
