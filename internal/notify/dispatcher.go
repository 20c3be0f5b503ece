// Package notify dispatches workflow notifications to the messaging
// collaborator. Delivery is asynchronous and best-effort: a full queue, an
// open circuit or a failed delivery is logged and counted, never surfaced
// to the transition that produced the notification.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/model"
)

// Delivery outcomes reported to the Recorder.
const (
	OutcomeDelivered   = "delivered"
	OutcomeFailed      = "failed"
	OutcomeRefused     = "refused"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeDropped     = "dropped"
)

// Errors returned by Notify.
var (
	ErrQueueFull = errors.New("notify: queue is full")
	ErrClosed    = errors.New("notify: dispatcher is closed")
)

// Recorder receives notification measurements.
type Recorder interface {
	RecordNotification(sink, outcome string)
	SetCircuitBreakerState(sink string, state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotification(string, string)      {}
func (nopRecorder) SetCircuitBreakerState(string, float64) {}

type job struct {
	ctx context.Context
	n   model.Notification
}

// Dispatcher queues notifications and delivers them to a Sink from a fixed
// pool of workers.
type Dispatcher struct {
	sink     Sink
	breaker  *CircuitBreaker
	recorder Recorder
	logger   *zap.Logger
	workers  int

	mu     sync.RWMutex
	queue  chan job
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder reports delivery outcomes and breaker state.
func WithRecorder(rec Recorder) Option {
	return func(d *Dispatcher) { d.recorder = rec }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher for sink. Workers start with Start.
func NewDispatcher(sink Sink, cfg config.NotificationsConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:     sink,
		recorder: nopRecorder{},
		logger:   zap.NewNop(),
		workers:  max(cfg.Workers, 1),
		queue:    make(chan job, max(cfg.QueueSize, 1)),
	}
	for _, o := range opts {
		o(d)
	}
	d.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		d.recorder.SetCircuitBreakerState(sink.Name(), s.gauge())
		d.logger.Warn("notification circuit breaker state changed",
			zap.String("sink", sink.Name()), zap.String("state", s.String()))
	})
	d.recorder.SetCircuitBreakerState(sink.Name(), BreakerClosed.gauge())
	return d
}

// Start launches the delivery workers. They exit when Close drains the
// queue.
func (d *Dispatcher) Start() {
	for range d.workers {
		d.wg.Add(1)
		go d.work()
	}
}

// Notify enqueues n without blocking. It fails with ErrQueueFull when the
// queue is at capacity and ErrClosed after Close.
func (d *Dispatcher) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), n: n}:
		return nil
	default:
		d.recorder.RecordNotification(d.sink.Name(), OutcomeDropped)
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits until queued ones have been
// delivered or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports an open circuit as unhealthy.
func (d *Dispatcher) HealthCheck(context.Context) error {
	if d.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Breaker exposes the sink circuit breaker.
func (d *Dispatcher) Breaker() *CircuitBreaker {
	return d.breaker
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j.ctx, j.n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n model.Notification) {
	name := d.sink.Name()
	l := d.logger.With(
		zap.String("sink", name),
		zap.String("notification_id", n.ID),
		zap.String("template", n.Template),
		zap.String("work_item_id", n.WorkItemID),
	)

	if err := d.breaker.Allow(); err != nil {
		d.recorder.RecordNotification(name, OutcomeCircuitOpen)
		l.Warn("notification skipped, circuit open")
		return
	}

	err := d.sink.Deliver(ctx, n)
	var perm *permanentError
	switch {
	case err == nil:
		d.breaker.RecordSuccess()
		d.recorder.RecordNotification(name, OutcomeDelivered)
		l.Debug("notification delivered")
	case errors.As(err, &perm):
		d.recorder.RecordNotification(name, OutcomeRefused)
		l.Warn("notification refused", zap.Error(err))
	default:
		d.breaker.RecordFailure()
		d.recorder.RecordNotification(name, OutcomeFailed)
		l.Warn("notification delivery failed", zap.Error(err))
	}
}
