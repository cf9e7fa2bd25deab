package receiver_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	invs []event.Invocation
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, inv event.Invocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}

	d.invs = append(d.invs, inv)

	return nil
}

func (d *recordingDispatcher) invocations() []event.Invocation {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]event.Invocation(nil), d.invs...)
}

func noop(context.Context, event.Body) error { return nil }

func newReceiver(t *testing.T) (*receiver.Receiver, *recordingDispatcher) {
	t.Helper()

	d := &recordingDispatcher{}
	r, err := receiver.New("test", d, receiver.Options{})
	require.NoError(t, err)

	return r, d
}

func TestNew_RequiresDispatcher(t *testing.T) {
	_, err := receiver.New("test", nil, receiver.Options{})
	require.ErrorIs(t, err, berr.ErrConfiguration)
}

func TestRegisterHandler_Validation(t *testing.T) {
	r, _ := newReceiver(t)

	require.ErrorIs(t, r.RegisterHandler("", noop), berr.ErrValidation)
	require.ErrorIs(t, r.RegisterHandler("a", nil), berr.ErrValidation)
}

func TestRegisterHandler_LastWriteWins(t *testing.T) {
	r, d := newReceiver(t)

	var second bool
	require.NoError(t, r.RegisterHandler("a", noop))
	require.NoError(t, r.RegisterHandler("a", func(context.Context, event.Body) error {
		second = true
		return nil
	}))

	require.NoError(t, r.OnReceive(t.Context(), []byte("a"), []byte(`1`)))

	invs := d.invocations()
	require.Len(t, invs, 1)
	require.NoError(t, invs[0].Handler(t.Context(), invs[0].Body))
	assert.True(t, second)
}

func TestBeginAccepting(t *testing.T) {
	r, _ := newReceiver(t)

	_, err := r.BeginAccepting()
	require.ErrorIs(t, err, berr.ErrNoHandlers)

	require.NoError(t, r.RegisterHandler("b", noop))
	require.NoError(t, r.RegisterHandler("a", noop))

	channels, err := r.BeginAccepting()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, channels)

	_, err = r.BeginAccepting()
	require.ErrorIs(t, err, berr.ErrAcceptingStarted)

	require.ErrorIs(t, r.RegisterHandler("c", noop), berr.ErrAcceptingStarted)
}

func TestReady(t *testing.T) {
	r, _ := newReceiver(t)

	select {
	case <-r.Ready():
		t.Fatal("ready before MarkReady")
	default:
	}

	r.MarkReady()
	r.MarkReady()

	select {
	case <-r.Ready():
	default:
		t.Fatal("not ready after MarkReady")
	}
}

func TestOnReceive_DispatchesDecodedBody(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("orders.created", noop))

	require.NoError(t, r.OnReceive(t.Context(), []byte("orders.created"), []byte(`{"id":42}`)))

	invs := d.invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "orders.created", invs[0].Channel)
	assert.Equal(t, map[string]any{"id": int64(42)}, invs[0].Body)
	assert.False(t, invs[0].Received.IsZero())
}

func TestOnReceive_KeepsLargeIntegerIDs(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("orders.created", noop))

	require.NoError(t, r.OnReceive(t.Context(), []byte("orders.created"), []byte(`{"id":9007199254740993}`)))

	invs := d.invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, map[string]any{"id": int64(9007199254740993)}, invs[0].Body)
}

func TestOnReceive_NoHandlerDrops(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	require.NoError(t, r.OnReceive(t.Context(), []byte("other"), []byte(`not json`)))
	assert.Empty(t, d.invocations())
}

func TestOnReceive_Malformed(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	require.ErrorIs(t, r.OnReceive(t.Context(), []byte("a"), []byte(`{"id":`)), berr.ErrDecoding)
	require.ErrorIs(t, r.OnReceive(t.Context(), []byte{0xff, 0xfe}, []byte(`1`)), berr.ErrDecoding)
	assert.Empty(t, d.invocations())
}

func TestConsume(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	assert.True(t, r.Consume(t.Context(), []byte("a"), []byte(`{`)), "malformed message must not stop the loop")
	assert.True(t, r.Consume(t.Context(), []byte("a"), []byte(`{"ok":true}`)))
	assert.Len(t, d.invocations(), 1)

	d.err = berr.ErrDispatcherClosed
	assert.False(t, r.Consume(t.Context(), []byte("a"), []byte(`1`)))

	d.err = errors.New("boom")
	assert.True(t, r.Consume(t.Context(), []byte("a"), []byte(`1`)))
}

func TestConsume_MalformedLogOmitsPayload(t *testing.T) {
	var logs bytes.Buffer

	d := &recordingDispatcher{}
	r, err := receiver.New("test", d, receiver.Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	require.NoError(t, err)
	require.NoError(t, r.RegisterHandler("payments", noop))

	assert.True(t, r.Consume(t.Context(), []byte("payments"), []byte(`{"card":"4111111111111111","cvv":`)))
	assert.Contains(t, logs.String(), "discarding malformed event")
	assert.NotContains(t, logs.String(), "4111111111111111")
}

func TestEmit(t *testing.T) {
	r, _ := newReceiver(t)

	var got []byte
	publish := func(_ context.Context, payload []byte) error {
		got = payload
		return nil
	}

	require.NoError(t, r.Emit(t.Context(), "a", map[string]any{"id": 1}, publish))
	assert.JSONEq(t, `{"id":1}`, string(got))

	require.ErrorIs(t, r.Emit(t.Context(), "", 1, publish), berr.ErrValidation)
	require.ErrorIs(t, r.Emit(t.Context(), "a", make(chan int), publish), berr.ErrSerializationFailed)
}

func TestEmit_PublishErrors(t *testing.T) {
	r, _ := newReceiver(t)

	boom := errors.New("connection reset")
	err := r.Emit(t.Context(), "a", 1, func(context.Context, []byte) error { return boom })
	require.ErrorIs(t, err, berr.ErrTransport)
	require.ErrorIs(t, err, boom)

	err = r.Emit(t.Context(), "a", 1, func(context.Context, []byte) error { return context.DeadlineExceeded })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, berr.ErrTransport)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	called := false
	err = r.Emit(ctx, "a", 1, func(context.Context, []byte) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

type frame struct {
	channel, payload string
	err              error
}

// chanSession delivers frames until closed.
type chanSession struct {
	frames chan frame
	closed chan struct{}
	once   sync.Once
}

func newChanSession() *chanSession {
	return &chanSession{frames: make(chan frame, 8), closed: make(chan struct{})}
}

func (s *chanSession) Next(ctx context.Context) ([]byte, []byte, error) {
	select {
	case f := <-s.frames:
		return []byte(f.channel), []byte(f.payload), f.err
	case <-s.closed:
		return nil, nil, errors.New("session closed")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (s *chanSession) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func opener(s *chanSession) receiver.Opener {
	return func(context.Context, []string) (receiver.Session, error) { return s, nil }
}

func serve(ctx context.Context, r *receiver.Receiver, open receiver.Opener) <-chan error {
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, open) }()

	return done
}

func TestServe_ShutdownIsCleanExit(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	sess := newChanSession()
	sess.frames <- frame{channel: "a", payload: `{`}
	sess.frames <- frame{channel: "a", payload: `"ok"`}

	done := serve(t.Context(), r, opener(sess))
	<-r.Ready()

	require.Eventually(t, func() bool { return len(d.invocations()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Shutdown())
	require.NoError(t, <-done)
	require.NoError(t, r.Shutdown())
	assert.Equal(t, "ok", d.invocations()[0].Body)
}

func TestServe_ContextCancelIsCleanExit(t *testing.T) {
	r, _ := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	ctx, cancel := context.WithCancel(t.Context())
	done := serve(ctx, r, opener(newChanSession()))
	<-r.Ready()

	cancel()
	require.NoError(t, <-done)
}

func TestServe_SessionFailure(t *testing.T) {
	r, _ := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	lost := errors.New("connection reset")
	sess := newChanSession()
	sess.frames <- frame{err: lost}

	err := r.Serve(t.Context(), opener(sess))
	require.ErrorIs(t, err, berr.ErrTransport)
	require.ErrorIs(t, err, lost)
}

func TestServe_OpenFailure(t *testing.T) {
	r, _ := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	refused := errors.New("dial: refused")
	err := r.Serve(t.Context(), func(context.Context, []string) (receiver.Session, error) { return nil, refused })
	require.ErrorIs(t, err, berr.ErrTransport)
	require.ErrorIs(t, err, refused)
}

func TestServe_ShutdownBeforeServe(t *testing.T) {
	r, _ := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))
	require.NoError(t, r.Shutdown())

	opened := false
	err := r.Serve(t.Context(), func(context.Context, []string) (receiver.Session, error) {
		opened = true
		return newChanSession(), nil
	})
	require.NoError(t, err)
	assert.False(t, opened)
}

func TestServe_StopsWhenDispatcherClosed(t *testing.T) {
	r, d := newReceiver(t)
	require.NoError(t, r.RegisterHandler("a", noop))

	d.mu.Lock()
	d.err = berr.ErrDispatcherClosed
	d.mu.Unlock()

	sess := newChanSession()
	sess.frames <- frame{channel: "a", payload: `1`}

	require.NoError(t, r.Serve(t.Context(), opener(sess)))
}
