// Package events delivers post-commit order events to the outside world.
//
// Fanout implements orders.EventSink. Notify only enqueues; one worker hands
// each event to every configured Sink in order, so a slow sink never holds up
// an order transition. A full queue drops the event and counts it. A failing
// sink is logged and counted but never reported back to the order service,
// whose transition has already committed.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/commissions/internal/idgen"
	"github.com/mbd888/commissions/internal/metrics"
	"github.com/mbd888/commissions/internal/money"
	"github.com/mbd888/commissions/internal/orders"
)

// ErrDropped is returned by a sink that discarded an event under back-pressure.
var ErrDropped = errors.New("event dropped")

// Sink is one delivery target.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env Envelope) error
}

// Envelope is the wire form of an order event.
type Envelope struct {
	ID         string           `json:"id"`
	Kind       orders.EventKind `json:"kind"`
	OrderID    string           `json:"orderId"`
	SessionID  string           `json:"sessionId"`
	BuyerID    string           `json:"buyerId"`
	SellerID   string           `json:"sellerId"`
	Status     orders.Status    `json:"status"`
	Amount     money.Amount     `json:"amount"`
	Currency   string           `json:"currency"`
	OccurredAt time.Time        `json:"occurredAt"`
	Order      orders.Order     `json:"order"`
}

// NewEnvelope wraps an order snapshot.
func NewEnvelope(kind orders.EventKind, o orders.Order) Envelope {
	return Envelope{
		ID:         idgen.WithPrefix(idgen.PrefixEvent),
		Kind:       kind,
		OrderID:    o.ID,
		SessionID:  o.SessionID,
		BuyerID:    o.BuyerID,
		SellerID:   o.SellerID,
		Status:     o.Status,
		Amount:     o.Amount,
		Currency:   o.Currency,
		OccurredAt: o.UpdatedAt,
		Order:      o,
	}
}

// DefaultQueueSize bounds the events waiting for delivery.
const DefaultQueueSize = 1024

type job struct {
	ctx context.Context
	env Envelope
}

// Fanout delivers each event to all sinks, in registration order, from a
// single worker goroutine.
type Fanout struct {
	mu     sync.RWMutex
	sinks  []Sink
	closed bool
	logger *slog.Logger

	queue chan job
	done  chan struct{}
}

// NewFanout creates a fanout over the given sinks with the default queue
// size and starts its worker. Call Close to drain and stop it.
func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return NewFanoutSize(logger, DefaultQueueSize, sinks...)
}

// NewFanoutSize is NewFanout with an explicit queue size.
func NewFanoutSize(logger *slog.Logger, size int, sinks ...Sink) *Fanout {
	if size <= 0 {
		size = DefaultQueueSize
	}
	f := &Fanout{
		sinks:  sinks,
		logger: logger,
		queue:  make(chan job, size),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

// Add appends a sink.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Notify implements orders.EventSink. It never blocks.
func (f *Fanout) Notify(ctx context.Context, kind orders.EventKind, o orders.Order) {
	env := NewEnvelope(kind, o)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.drop(env, "fanout closed")
		return
	}
	select {
	case f.queue <- job{ctx: context.WithoutCancel(ctx), env: env}:
	default:
		f.drop(env, "event queue full")
	}
}

// Close stops accepting events and waits until the queued ones have been
// delivered or ctx is done.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event queue not drained: %w", ctx.Err())
	}
}

func (f *Fanout) drop(env Envelope, why string) {
	metrics.EventsDroppedTotal.WithLabelValues(string(env.Kind)).Inc()
	f.logger.Warn(why+", dropping event", "event", env.Kind, "orderId", env.OrderID, "eventId", env.ID)
}

func (f *Fanout) run() {
	defer close(f.done)
	for j := range f.queue {
		f.dispatch(j.ctx, j.env)
	}
}

func (f *Fanout) dispatch(ctx context.Context, env Envelope) {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := f.deliver(ctx, s, env); err != nil {
			metrics.EventsFailedTotal.WithLabelValues(string(env.Kind), s.Name()).Inc()
			f.logger.Warn("event delivery failed",
				"sink", s.Name(), "event", env.Kind, "orderId", env.OrderID, "eventId", env.ID, "error", err)
			continue
		}
		metrics.EventsEmittedTotal.WithLabelValues(string(env.Kind), s.Name()).Inc()
	}
}

func (f *Fanout) deliver(ctx context.Context, s Sink, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return s.Deliver(ctx, env)
}

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, env Envelope) error {
	s.logger.Info("order event",
		"eventId", env.ID,
		"event", env.Kind,
		"orderId", env.OrderID,
		"status", env.Status,
		"amount", env.Amount.String(),
	)
	return nil
}

var (
	_ orders.EventSink = (*Fanout)(nil)
	_ Sink             = (*LogSink)(nil)
)
