/*
Package dispatcher hands received events to the service's owning execution context.

Transports call Dispatch from their receive goroutine; the owner runs Run on its own
goroutine and executes queued invocations one at a time, in the order they were
enqueued. The queue is bounded: when it is full Dispatch blocks, which in turn slows
the receive loop down instead of growing memory without limit.
*/
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/ids"
	"github.com/next-trace/scg-event-bus/metrics"
)

const (
	// DefaultQueueSize bounds the number of invocations waiting for the owner.
	DefaultQueueSize = 1024

	tracerName = "github.com/next-trace/scg-event-bus/dispatcher"
)

// Dispatcher is a bounded FIFO of handler invocations with a single consumer.
type Dispatcher struct {
	// mu is held for reading by in-flight Dispatch calls so shutdown can wait for them.
	mu        sync.RWMutex
	queue     chan event.Invocation
	closed    chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	drain   bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

var _ event.Dispatcher = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize sets the queue bound. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan event.Invocation, n)
		}
	}
}

// WithDrainOnClose selects whether pending invocations run (true, the default)
// or are discarded when the dispatcher shuts down.
func WithDrainOnClose(drain bool) Option {
	return func(d *Dispatcher) { d.drain = drain }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New constructs a Dispatcher. Nothing runs until Run is called.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  make(chan event.Invocation, DefaultQueueSize),
		closed: make(chan struct{}),
		drain:  true,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("component", "dispatcher")

	return d
}

// Dispatch enqueues inv for the owning context and returns without waiting for
// the handler. It blocks while the queue is full until space frees up, ctx is
// done, or the dispatcher is closed.
func (d *Dispatcher) Dispatch(ctx context.Context, inv event.Invocation) error {
	if inv.Handler == nil {
		return fmt.Errorf("dispatch %q: nil handler: %w", inv.Channel, berr.ErrValidation)
	}

	if inv.ID == "" {
		inv.ID = ids.New()
	}

	if inv.Received.IsZero() {
		inv.Received = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	select {
	case <-d.closed:
		return fmt.Errorf("dispatch %q: %w", inv.Channel, berr.ErrDispatcherClosed)
	default:
	}

	select {
	case d.queue <- inv:
		d.metrics.QueueDepth(len(d.queue))
		return nil
	case <-d.closed:
		return fmt.Errorf("dispatch %q: %w", inv.Channel, berr.ErrDispatcherClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the owner's drain loop. It executes invocations one at a time, in
// enqueue order, handing each handler ctx. It returns nil after Close, or
// ctx.Err() once ctx is done; either way the dispatcher is closed and pending
// invocations are drained or discarded before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("dispatcher run: %w", berr.ErrAlreadyRunning)
	}
	defer d.running.Store(false)

	d.logger.Debug("dispatcher started")

	for {
		// Shutdown takes priority over queued work.
		select {
		case <-d.closed:
			d.finish(ctx)
			return nil
		case <-ctx.Done():
			d.Close()
			d.finish(context.WithoutCancel(ctx))
			return ctx.Err()
		default:
		}

		select {
		case <-d.closed:
			d.finish(ctx)
			return nil
		case <-ctx.Done():
			d.Close()
			d.finish(context.WithoutCancel(ctx))
			return ctx.Err()
		case inv := <-d.queue:
			d.invoke(ctx, inv)
		}
	}
}

// Close stops accepting invocations and makes Run return. It is idempotent.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.closed) })
}

// Pending returns the number of queued invocations.
func (d *Dispatcher) Pending() int { return len(d.queue) }

func (d *Dispatcher) finish(ctx context.Context) {
	// wait for Dispatch calls that raced with Close
	d.mu.Lock()
	d.mu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	n := 0

	for {
		select {
		case inv := <-d.queue:
			n++

			if d.drain {
				d.invoke(ctx, inv)
			}
		default:
			if d.drain {
				d.logger.Debug("dispatcher stopped", "drained", n)
			} else {
				d.metrics.Discarded(n)
				d.logger.Info("dispatcher stopped", "discarded", n)
			}

			d.metrics.QueueDepth(0)

			return
		}
	}
}

func (d *Dispatcher) invoke(ctx context.Context, inv event.Invocation) {
	ctx, span := d.tracer.Start(ctx, "handle "+inv.Channel,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", inv.Channel),
			attribute.String("eventbus.invocation_id", inv.ID),
		),
	)
	defer span.End()

	start := time.Now()
	err := d.call(ctx, inv)
	took := time.Since(start)

	d.metrics.HandlerDone(inv.Channel, took, err)
	d.metrics.QueueDepth(len(d.queue))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.ErrorContext(ctx, "event handler failed",
			"channel", inv.Channel, "invocation", inv.ID, "error", err)

		return
	}

	d.logger.DebugContext(ctx, "event handled",
		"channel", inv.Channel, "invocation", inv.ID, "took", took, "waited", start.Sub(inv.Received))
}

func (d *Dispatcher) call(ctx context.Context, inv event.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %q: %v", inv.Channel, r)
			d.logger.ErrorContext(ctx, "event handler panic",
				"channel", inv.Channel, "invocation", inv.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	return inv.Handler(ctx, inv.Body)
}
