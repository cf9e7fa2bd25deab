package servicebus_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/next-trace/scg-event-bus/adapters/watermill"
	"github.com/next-trace/scg-event-bus/container"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/dispatcher"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// fakes

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]event.Handler
	emitted  []string
	emitErr  map[string]error
	startErr error
	closed   chan struct{}
	once     sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: map[string]event.Handler{},
		emitErr:  map[string]error{},
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) OnReceive(context.Context, []byte, []byte) error { return nil }

func (f *fakeTransport) RegisterHandler(channel string, h event.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.handlers[channel] = h

	return nil
}

func (f *fakeTransport) Emit(_ context.Context, channel string, _ event.Body) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.emitted = append(f.emitted, channel)

	return f.emitErr[channel]
}

func (f *fakeTransport) StartAccepting(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}

	select {
	case <-ctx.Done():
	case <-f.closed:
	}

	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func echo(_ context.Context, params event.Body) (any, error) { return params, nil }

func newService(t *testing.T, tr event.Transport, opts ...servicebus.Option) *servicebus.Service {
	t.Helper()

	s, err := servicebus.New(tr, dispatcher.New(), nil, opts...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	return s
}

func mustBuild(t *testing.T, b *container.Builder) *container.Container {
	t.Helper()

	c, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	return c
}

func Test_New_RequiresTransportAndDispatcher(t *testing.T) {
	if _, err := servicebus.New(nil, dispatcher.New(), nil); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}

	if _, err := servicebus.New(newFakeTransport(), nil, nil); !errors.Is(err, berr.ErrConfiguration) {
		t.Fatalf("want ErrConfiguration, got %v", err)
	}
}

func Test_MountAndCall(t *testing.T) {
	ft := newFakeTransport()
	s := newService(t, ft)

	users := mustBuild(t, container.NewBuilder("users").
		Public("users.get", echo).
		Private("users.purge", echo).
		OnEvent("orders.created", func(context.Context, event.Body) error { return nil }))

	if err := s.Mount(users); err != nil {
		t.Fatalf("mount: %v", err)
	}

	if got := s.Methods(); !reflect.DeepEqual(got, []string{"users.get", "users.purge"}) {
		t.Fatalf("methods: %v", got)
	}

	if _, ok := ft.handlers["orders.created"]; !ok {
		t.Fatalf("event handler not registered on transport: %v", ft.handlers)
	}

	res, err := s.Call(t.Context(), "users.get", "u-1")
	if err != nil || res != "u-1" {
		t.Fatalf("call: %v %v", res, err)
	}

	if _, err := s.Call(t.Context(), "missing", nil); !errors.Is(err, berr.ErrHandlerNotFound) {
		t.Fatalf("want ErrHandlerNotFound, got %v", err)
	}
}

func Test_Mount_DuplicateMethodAcrossContainers(t *testing.T) {
	ft := newFakeTransport()
	s := newService(t, ft)

	a := mustBuild(t, container.NewBuilder("a").Public("shared", echo))
	b := mustBuild(t, container.NewBuilder("b").
		Public("shared", echo).
		OnEvent("b.only", func(context.Context, event.Body) error { return nil }))

	if err := s.Mount(a); err != nil {
		t.Fatalf("mount a: %v", err)
	}

	if err := s.Mount(b); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	if _, ok := ft.handlers["b.only"]; ok {
		t.Fatalf("rejected mount must not register handlers")
	}
}

func Test_Middleware_Order(t *testing.T) {
	var order []string

	mw := func(tag string) servicebus.CallMiddleware {
		return func(name string, next container.Method) container.Method {
			return func(ctx context.Context, params event.Body) (any, error) {
				order = append(order, tag+":"+name)
				return next(ctx, params)
			}
		}
	}

	hmw := func(tag string) servicebus.HandlerMiddleware {
		return func(channel string, next event.Handler) event.Handler {
			return func(ctx context.Context, body event.Body) error {
				order = append(order, tag+":"+channel)
				return next(ctx, body)
			}
		}
	}

	ft := newFakeTransport()
	s := newService(t, ft,
		servicebus.WithCallMiddleware(mw("c1"), mw("c2")),
		servicebus.WithHandlerMiddleware(hmw("h1"), hmw("h2")),
	)

	if err := s.Mount(mustBuild(t, container.NewBuilder("m").Public("m.x", echo))); err != nil {
		t.Fatalf("mount: %v", err)
	}

	if err := s.Handle("evt", func(context.Context, event.Body) error { return nil }); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if _, err := s.Call(t.Context(), "m.x", nil); err != nil {
		t.Fatalf("call: %v", err)
	}

	if err := ft.handlers["evt"](t.Context(), nil); err != nil {
		t.Fatalf("handler: %v", err)
	}

	want := []string{"c1:m.x", "c2:m.x", "h1:evt", "h2:evt"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("order: %v want %v", order, want)
	}
}

type ownerKey struct{}

type orderCreated struct {
	ID int `json:"id"`
}

func Test_Run_DeliversOnOwningContext(t *testing.T) {
	d := dispatcher.New()

	tr, cleanup, err := watermill.NewGoChannel(gochannel.Config{}, d)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer cleanup()

	s, err := servicebus.New(tr, d, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	type seen struct {
		owner any
		order orderCreated
	}

	got := make(chan seen, 2)
	release := make(chan struct{})
	orders := mustBuild(t, container.NewBuilder("orders").
		OnEvent("orders.created", servicebus.HandlerOf(func(ctx context.Context, o orderCreated) error {
			got <- seen{owner: ctx.Value(ownerKey{}), order: o}
			<-release
			return nil
		})))

	if err := s.Mount(orders); err != nil {
		t.Fatalf("mount: %v", err)
	}

	ctx, cancel := context.WithCancel(context.WithValue(t.Context(), ownerKey{}, "owner"))
	done := make(chan error, 1)

	go func() { done <- s.Run(ctx) }()

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("service not ready")
	}

	if err := s.Emit(t.Context(), "orders.created", map[string]any{"id": 42}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case v := <-got:
		if v.owner != "owner" || v.order.ID != 42 {
			t.Fatalf("unexpected delivery: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	// The first handler is still blocked. The receive loop must keep taking
	// events off the wire and queue them for the owner.
	if err := s.Emit(t.Context(), "orders.created", map[string]any{"id": 43}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.Pending() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("second event not queued while the handler was busy: pending=%d", d.Pending())
		}

		time.Sleep(5 * time.Millisecond)
	}

	select {
	case v := <-got:
		t.Fatalf("second handler ran concurrently with the first: %+v", v)
	default:
	}

	close(release)

	select {
	case v := <-got:
		if v.owner != "owner" || v.order.ID != 43 {
			t.Fatalf("unexpected delivery: %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second handler not invoked")
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func Test_Run_TransportFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.startErr = berr.ErrTransport

	s := newService(t, ft)

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()

	select {
	case err := <-done:
		if !errors.Is(err, berr.ErrTransport) {
			t.Fatalf("want ErrTransport, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on transport failure")
	}
}

func Test_Run_CloseAndNoHandlers(t *testing.T) {
	ft := newFakeTransport()
	ft.startErr = berr.ErrNoHandlers

	s := newService(t, ft)

	done := make(chan error, 1)
	go func() { done <- s.Run(t.Context()) }()

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not stop run")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func Test_CallAs(t *testing.T) {
	s := newService(t, newFakeTransport())

	get := func(context.Context, event.Body) (any, error) {
		return map[string]any{"id": float64(7)}, nil
	}

	if err := s.Mount(mustBuild(t, container.NewBuilder("orders").Public("orders.get", get))); err != nil {
		t.Fatalf("mount: %v", err)
	}

	o, err := servicebus.CallAs[orderCreated](t.Context(), s, "orders.get", nil)
	if err != nil || o.ID != 7 {
		t.Fatalf("call as: %+v %v", o, err)
	}

	if _, err := servicebus.CallAs[int](t.Context(), s, "orders.get", nil); !errors.Is(err, berr.ErrTypeMismatch) {
		t.Fatalf("want ErrTypeMismatch, got %v", err)
	}
}

func Test_EmitBatch(t *testing.T) {
	ft := newFakeTransport()
	ft.emitErr["bad"] = berr.ErrTransport

	s := newService(t, ft)

	var progress []int

	var failed []int

	err := s.EmitBatch(t.Context(), []servicebus.Outgoing{
		{Channel: "a", Body: 1},
		{Channel: "bad", Body: 2},
		{Channel: "c", Body: 3},
	},
		servicebus.WithBatchProgress(func(done, _ int) { progress = append(progress, done) }),
		servicebus.WithBatchOnError(func(i int, _ servicebus.Outgoing, _ error) { failed = append(failed, i) }),
	)
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want aggregated ErrTransport, got %v", err)
	}

	if !reflect.DeepEqual(progress, []int{1, 2, 3}) || !reflect.DeepEqual(failed, []int{1}) {
		t.Fatalf("progress %v failed %v", progress, failed)
	}

	if !reflect.DeepEqual(ft.emitted, []string{"a", "bad", "c"}) {
		t.Fatalf("emitted: %v", ft.emitted)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := s.EmitBatch(ctx, []servicebus.Outgoing{{Channel: "a"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
