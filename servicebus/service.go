package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/next-trace/scg-event-bus/codec"
	"github.com/next-trace/scg-event-bus/container"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/dispatcher"
)

// Service is concurrency-safe and contains no global state.
type Service struct {
	mu sync.RWMutex

	methods map[string]container.Entry

	// middleware executed in registration order
	handlerMW []HandlerMiddleware
	callMW    []CallMiddleware

	transport  event.Transport
	dispatcher *dispatcher.Dispatcher
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Service instance.
type Option func(*Service)

// HandlerMiddleware wraps event handlers when they are mounted.
type HandlerMiddleware func(channel string, next event.Handler) event.Handler

// CallMiddleware wraps exposed method calls.
type CallMiddleware func(name string, next container.Method) container.Method

// WithHandlerMiddleware registers event handler middleware; the first registered runs first.
func WithHandlerMiddleware(mw ...HandlerMiddleware) Option {
	return func(s *Service) { s.handlerMW = append(s.handlerMW, mw...) }
}

// WithCallMiddleware registers method call middleware; the first registered runs first.
func WithCallMiddleware(mw ...CallMiddleware) Option {
	return func(s *Service) { s.callMW = append(s.callMW, mw...) }
}

// New binds a transport to the dispatcher that owns its handlers. d must be the
// dispatcher the transport was constructed with.
func New(t event.Transport, d *dispatcher.Dispatcher, logger *slog.Logger, opts ...Option) (*Service, error) {
	if t == nil || d == nil {
		return nil, fmt.Errorf("servicebus: transport and dispatcher required: %w", berr.ErrConfiguration)
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		methods:    make(map[string]container.Entry),
		transport:  t,
		dispatcher: d,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Mount registers every event handler of every container on the transport and
// indexes exposed methods by name. Exposed names must be unique across the
// service; on a duplicate nothing from the offending call is mounted.
func (s *Service) Mount(containers ...*container.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]container.Entry)

	var errs []error

	for _, c := range containers {
		for _, e := range c.ExposedMethods() {
			_, mounted := s.methods[e.Name]
			_, again := pending[e.Name]

			if mounted || again {
				errs = append(errs, fmt.Errorf("mount %s: method %q: %w", c.Name(), e.Name, berr.ErrHandlerExists))
				continue
			}

			pending[e.Name] = e
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	for _, c := range containers {
		for _, e := range c.EventHandlers() {
			if err := s.transport.RegisterHandler(e.Channel, s.wrapHandler(e.Channel, e.Handler())); err != nil {
				return fmt.Errorf("mount %s: %w", c.Name(), err)
			}
		}

		s.logger.Debug("container mounted", "container", c.Name(),
			"methods", len(c.ExposedMethods()), "handlers", len(c.EventHandlers()))
	}

	for name, e := range pending {
		s.methods[name] = e
	}

	return nil
}

// Handle registers a single event handler, wrapped with handler middleware.
func (s *Service) Handle(channel string, h event.Handler) error {
	if h == nil {
		return fmt.Errorf("handle %q: nil handler: %w", channel, berr.ErrValidation)
	}

	s.mu.RLock()
	wrapped := s.wrapHandler(channel, h)
	s.mu.RUnlock()

	return s.transport.RegisterHandler(channel, wrapped)
}

func (s *Service) wrapHandler(channel string, h event.Handler) event.Handler {
	final := h
	for i := len(s.handlerMW) - 1; i >= 0; i-- {
		final = s.handlerMW[i](channel, final)
	}

	return final
}

// Call invokes an exposed method synchronously on the caller's goroutine.
func (s *Service) Call(ctx context.Context, name string, params event.Body) (any, error) {
	s.mu.RLock()
	e, ok := s.methods[name]
	chain := append([]CallMiddleware(nil), s.callMW...)
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("call %q: %w", name, berr.ErrHandlerNotFound)
	}

	final := e.Method
	for i := len(chain) - 1; i >= 0; i-- {
		final = chain[i](name, final)
	}

	return final(ctx, params)
}

// CallAs invokes an exposed method and converts its result to R.
func CallAs[R any](ctx context.Context, s *Service, name string, params event.Body) (R, error) {
	var zero R

	res, err := s.Call(ctx, name, params)
	if err != nil {
		return zero, err
	}

	r, err := codec.As[R](res)
	if err != nil {
		return zero, fmt.Errorf("call %q: %w", name, err)
	}

	return r, nil
}

// HandlerOf adapts a typed handler; bodies that do not decode into T fail with
// berr.ErrTypeMismatch before fn runs.
func HandlerOf[T any](fn func(ctx context.Context, body T) error) event.Handler {
	return func(ctx context.Context, body event.Body) error {
		v, err := codec.As[T](body)
		if err != nil {
			return err
		}

		return fn(ctx, v)
	}
}

// Methods returns the exposed method names, sorted.
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.methods))
	for name := range s.methods {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Emit publishes body on channel through the transport.
func (s *Service) Emit(ctx context.Context, channel string, body event.Body) error {
	return s.transport.Emit(ctx, channel, body)
}

// Ready is closed once the transport has confirmed its subscriptions. Transports
// that cannot report readiness are ready immediately.
func (s *Service) Ready() <-chan struct{} {
	if rn, ok := s.transport.(event.ReadyNotifier); ok {
		return rn.Ready()
	}

	ch := make(chan struct{})
	close(ch)

	return ch
}

// Run accepts events until ctx is cancelled, Close is called or the transport
// fails. The calling goroutine becomes the owning context: every handler runs
// on it, one at a time. Cancellation and Close are clean exits.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	accepted := make(chan error, 1)

	go func() {
		err := s.transport.StartAccepting(ctx)
		if errors.Is(err, berr.ErrNoHandlers) {
			s.logger.DebugContext(ctx, "no event handlers mounted; serving calls only")
			err = nil
		} else if err != nil {
			s.logger.ErrorContext(ctx, "transport stopped", "error", err)
			cancel()
		}

		accepted <- err
	}()

	s.logger.InfoContext(ctx, "service running")

	runErr := s.dispatcher.Run(ctx)

	cancel()

	if err := <-accepted; err != nil {
		return err
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}

	s.logger.InfoContext(ctx, "service stopped")

	return nil
}

// Close stops the transport and then the dispatcher. Later calls return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.transport.Close()
		s.dispatcher.Close()
	})

	return s.closeErr
}

// Outgoing is one event for EmitBatch.
type Outgoing struct {
	Channel string
	Body    event.Body
}

// BatchOptions controls EmitBatch behavior.
// OnProgress is called after each emit (success or failure) with done and total.
// OnError is called when an emit fails with its index, the event, and the error.
type BatchOptions struct {
	OnProgress func(done, total int)
	OnError    func(index int, out Outgoing, err error)
}

// BatchOpt configures BatchOptions.
type BatchOpt func(*BatchOptions)

// WithBatchProgress sets the progress callback.
func WithBatchProgress(fn func(done, total int)) BatchOpt {
	return func(o *BatchOptions) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError(fn func(index int, out Outgoing, err error)) BatchOpt {
	return func(o *BatchOptions) { o.OnError = fn }
}

// EmitBatch emits events sequentially.
// It respects context cancellation, reports progress, and aggregates errors.
func (s *Service) EmitBatch(ctx context.Context, events []Outgoing, opts ...BatchOpt) error {
	var o BatchOptions
	for _, f := range opts {
		f(&o)
	}

	total := len(events)

	var errs []error

	for i, ev := range events {
		if err := ctx.Err(); err != nil { // canceled or deadline exceeded
			return errors.Join(append(errs, err)...)
		}

		if err := s.Emit(ctx, ev.Channel, ev.Body); err != nil {
			if o.OnError != nil {
				o.OnError(i, ev, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
