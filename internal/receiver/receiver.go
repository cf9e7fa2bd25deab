// Package receiver implements the transport-independent half of every adapter:
// the channel -> handler registration map, inbound decoding and hand-off to the
// dispatcher, and the emit pipeline (encode, trace, publish, classify errors).
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-event-bus/codec"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/metrics"
)

const tracerName = "github.com/next-trace/scg-event-bus/transport"

// Session is an open subscription delivering raw messages. Close must unblock a
// pending Next.
type Session interface {
	Next(ctx context.Context) (channel, payload []byte, err error)
	Close() error
}

// Opener subscribes to channels and returns once the subscription is confirmed.
type Opener func(ctx context.Context, channels []string) (Session, error)

// Options carries the ambient dependencies shared by adapters. Zero values are valid.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Option configures Options; adapters re-export it under their own package.
type Option func(*Options)

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// Apply folds opts into an Options value.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	return o
}

// Receiver is embedded by adapters. It is safe for concurrent use.
type Receiver struct {
	name string

	mu        sync.RWMutex
	handlers  map[string]event.Handler
	accepting bool

	ready     chan struct{}
	readyOnce sync.Once

	session  Session
	shutdown bool

	dispatcher event.Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

var _ event.Receiver = (*Receiver)(nil)

// New returns a Receiver for the transport called name. A nil dispatcher is a
// configuration error.
func New(name string, d event.Dispatcher, opts Options) (*Receiver, error) {
	if d == nil {
		return nil, fmt.Errorf("%s transport: dispatcher required: %w", name, berr.ErrConfiguration)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Receiver{
		name:       name,
		handlers:   make(map[string]event.Handler),
		ready:      make(chan struct{}),
		dispatcher: d,
		logger:     logger.With("transport", name),
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

// Name returns the transport name used in logs, metrics and errors.
func (r *Receiver) Name() string { return r.name }

// Logger returns the transport-scoped logger.
func (r *Receiver) Logger() *slog.Logger { return r.logger }

// RegisterHandler associates h with channel; a later registration for the same
// channel replaces the earlier one. Registration is rejected once accepting has begun.
func (r *Receiver) RegisterHandler(channel string, h event.Handler) error {
	if channel == "" {
		return fmt.Errorf("%s register: empty channel: %w", r.name, berr.ErrValidation)
	}

	if h == nil {
		return fmt.Errorf("%s register %q: nil handler: %w", r.name, channel, berr.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accepting {
		return fmt.Errorf("%s register %q: %w", r.name, channel, berr.ErrAcceptingStarted)
	}

	if _, replaced := r.handlers[channel]; replaced {
		r.logger.Debug("handler replaced", "channel", channel)
	}

	r.handlers[channel] = h

	return nil
}

// Handler returns the handler registered for channel.
func (r *Receiver) Handler(channel string) (event.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[channel]

	return h, ok
}

// Channels returns the registered channel names, sorted.
func (r *Receiver) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.channelsLocked()
}

func (r *Receiver) channelsLocked() []string {
	out := make([]string, 0, len(r.handlers))
	for ch := range r.handlers {
		out = append(out, ch)
	}

	sort.Strings(out)

	return out
}

// BeginAccepting freezes the registration map and returns the channels to
// subscribe to. Channels registered afterwards are rejected, not subscribed.
func (r *Receiver) BeginAccepting() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accepting {
		return nil, fmt.Errorf("%s start accepting: %w", r.name, berr.ErrAcceptingStarted)
	}

	if len(r.handlers) == 0 {
		return nil, fmt.Errorf("%s start accepting: %w", r.name, berr.ErrNoHandlers)
	}

	r.accepting = true

	return r.channelsLocked(), nil
}

// MarkReady signals that the subscription session is established.
func (r *Receiver) MarkReady() {
	r.readyOnce.Do(func() { close(r.ready) })
}

// Ready is closed once the adapter has confirmed its subscriptions.
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

// OnReceive decodes one raw message and schedules its handler on the dispatcher.
// Messages on channels without a handler are dropped and return nil. Decoding
// failures match berr.ErrDecoding.
func (r *Receiver) OnReceive(ctx context.Context, channel, payload []byte) error {
	ch, err := codec.DecodeChannel(channel)
	if err != nil {
		r.metrics.DecodeFailed(r.name)
		return fmt.Errorf("%s receive: %w", r.name, err)
	}

	h, ok := r.Handler(ch)
	if !ok {
		r.metrics.Dropped(r.name, ch)
		r.logger.DebugContext(ctx, "no handler for channel, dropping event", "channel", ch)

		return nil
	}

	body, err := codec.DecodeBody(payload)
	if err != nil {
		r.metrics.DecodeFailed(r.name)
		return fmt.Errorf("%s receive %q: %w", r.name, ch, err)
	}

	r.metrics.Received(r.name, ch)

	inv := event.Invocation{Channel: ch, Handler: h, Body: body, Received: time.Now()}
	if err := r.dispatcher.Dispatch(ctx, inv); err != nil {
		return fmt.Errorf("%s receive %q: %w", r.name, ch, err)
	}

	return nil
}

// Consume runs OnReceive for one message on behalf of a receive loop and
// reports whether the loop should keep going. Decoding failures are logged and
// isolated to the message; a closed dispatcher or a done ctx stops the loop.
func (r *Receiver) Consume(ctx context.Context, channel, payload []byte) bool {
	err := r.OnReceive(ctx, channel, payload)

	switch {
	case err == nil:
		return true
	case errors.Is(err, berr.ErrDecoding):
		r.logger.WarnContext(ctx, "discarding malformed event", "error", err, "size", len(payload))
		return true
	case errors.Is(err, berr.ErrDispatcherClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		r.logger.DebugContext(ctx, "receive loop stopping", "reason", err)
		return false
	default:
		r.logger.ErrorContext(ctx, "event not dispatched", "error", err)
		return true
	}
}

// Emit validates channel, encodes body and hands the payload to publish.
// Publish failures are wrapped with berr.ErrTransport; context errors pass through.
func (r *Receiver) Emit(
	ctx context.Context,
	channel string,
	body event.Body,
	publish func(ctx context.Context, payload []byte) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if channel == "" {
		return fmt.Errorf("%s emit: empty channel: %w", r.name, berr.ErrValidation)
	}

	ctx, span := r.tracer.Start(ctx, "emit "+channel,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", r.name),
			attribute.String("messaging.destination.name", channel),
		),
	)
	defer span.End()

	payload, err := codec.EncodeBody(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "serialize")

		return fmt.Errorf("%s emit %q: %w", r.name, channel, err)
	}

	if err := publish(ctx, payload); err != nil {
		r.metrics.EmitFailed(r.name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("%s emit %q: %w", r.name, channel, errors.Join(berr.ErrTransport, err))
	}

	r.metrics.Emitted(r.name, channel)

	return nil
}

// ConnectionLost logs err and wraps it as a transport failure for StartAccepting to return.
func (r *Receiver) ConnectionLost(err error) error {
	r.logger.Error("receive loop terminated", "error", err)
	return fmt.Errorf("%s receive: %w", r.name, errors.Join(berr.ErrTransport, err))
}

// Serve freezes the registration map, opens a session for the registered
// channels and feeds the dispatcher until ctx is done, Shutdown is called or the
// session fails. The first two are clean exits and return nil.
func (r *Receiver) Serve(ctx context.Context, open Opener) error {
	channels, err := r.BeginAccepting()
	if err != nil {
		return err
	}

	if ctx.Err() != nil || r.isShutdown() {
		return nil
	}

	sess, err := open(ctx, channels)
	if err != nil {
		if ctx.Err() != nil || r.isShutdown() {
			return nil
		}

		return r.ConnectionLost(fmt.Errorf("subscribe: %w", err))
	}

	sess = &onceSession{Session: sess}
	if !r.attach(sess) {
		_ = sess.Close()
		return nil
	}

	defer func() { _ = sess.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
	defer stop()

	r.MarkReady()
	r.logger.InfoContext(ctx, "subscribed", "channels", channels)

	for {
		channel, payload, err := sess.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || r.isShutdown() {
				return nil
			}

			return r.ConnectionLost(err)
		}

		if !r.Consume(ctx, channel, payload) {
			return nil
		}
	}
}

// Shutdown makes Serve return and closes its session. Later calls are no-ops.
func (r *Receiver) Shutdown() error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}

	r.shutdown = true
	sess := r.session
	r.mu.Unlock()

	if sess == nil {
		return nil
	}

	if err := sess.Close(); err != nil {
		return fmt.Errorf("%s close: %w", r.name, errors.Join(berr.ErrTransport, err))
	}

	return nil
}

func (r *Receiver) attach(sess Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return false
	}

	r.session = sess

	return true
}

func (r *Receiver) isShutdown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.shutdown
}

type onceSession struct {
	Session

	once sync.Once
	err  error
}

func (s *onceSession) Close() error {
	s.once.Do(func() { s.err = s.Session.Close() })
	return s.err
}
