// Package watermill runs the event bus over any watermill Publisher/Subscriber
// pair. With the gochannel pub/sub it is the in-process transport used by tests,
// examples and the memory package.
//
// Each channel is its own watermill topic, read by its own goroutine. Events on
// one channel reach handlers in emit order; events on different channels may
// interleave in any order.
package watermill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	wm "github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/ids"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

const name = "watermill"

var errSubscriberClosed = errors.New("watermill subscriber closed")

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

// Transport implements event.Transport; watermill topics are channel names.
type Transport struct {
	recv *receiver.Receiver
	pub  message.Publisher
	sub  message.Subscriber
}

var (
	_ event.Transport     = (*Transport)(nil)
	_ event.ReadyNotifier = (*Transport)(nil)
)

// New wraps pub and sub. Neither is closed by the transport.
func New(pub message.Publisher, sub message.Subscriber, d event.Dispatcher, opts ...Option) (*Transport, error) {
	if pub == nil || sub == nil {
		return nil, fmt.Errorf("watermill transport: publisher and subscriber required: %w", berr.ErrConfiguration)
	}

	recv, err := receiver.New(name, d, receiver.Apply(opts...))
	if err != nil {
		return nil, err
	}

	return &Transport{recv: recv, pub: pub, sub: sub}, nil
}

// NewGoChannel builds an in-process transport over a fresh gochannel pub/sub.
// Publish always waits for the receive loop to take the message, which keeps
// per-channel order and makes Emit block while the dispatcher queue is full.
// The cleanup closes the transport and the pub/sub.
func NewGoChannel(cfg gochannel.Config, d event.Dispatcher, opts ...Option) (*Transport, func(), error) {
	logger := receiver.Apply(opts...).Logger
	if logger == nil {
		logger = slog.Default()
	}

	// gochannel hands each message to subscribers on its own goroutine unless
	// Publish waits for the ack.
	cfg.BlockPublishUntilSubscriberAck = true

	ps := gochannel.NewGoChannel(cfg, wm.NewSlogLogger(logger))

	tr, err := New(ps, ps, d, opts...)
	if err != nil {
		_ = ps.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = tr.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
		_ = ps.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
	}

	return tr, cleanup, nil
}

func (t *Transport) RegisterHandler(channel string, h event.Handler) error {
	return t.recv.RegisterHandler(channel, h)
}

func (t *Transport) OnReceive(ctx context.Context, channel, payload []byte) error {
	return t.recv.OnReceive(ctx, channel, payload)
}

func (t *Transport) Ready() <-chan struct{} { return t.recv.Ready() }

func (t *Transport) Emit(ctx context.Context, channel string, body event.Body) error {
	return t.recv.Emit(ctx, channel, body, func(ctx context.Context, payload []byte) error {
		msg := message.NewMessage(ids.New(), payload)
		msg.SetContext(ctx)

		return t.pub.Publish(channel, msg)
	})
}

func (t *Transport) StartAccepting(ctx context.Context) error {
	return t.recv.Serve(ctx, t.open)
}

func (t *Transport) Close() error { return t.recv.Shutdown() }

func (t *Transport) open(ctx context.Context, topics []string) (receiver.Session, error) {
	sctx, cancel := context.WithCancel(ctx)
	f := &fanIn{out: make(chan delivery), cancel: cancel}

	for _, topic := range topics {
		msgs, err := t.sub.Subscribe(sctx, topic)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("subscribe %q: %w", topic, err)
		}

		f.wg.Add(1)

		go f.forward(sctx, topic, msgs)
	}

	go func() {
		f.wg.Wait()
		close(f.out)
	}()

	return f, nil
}

type delivery struct {
	topic   string
	payload []byte
}

// fanIn merges per-topic subscriptions into one ordered-per-topic stream.
type fanIn struct {
	out    chan delivery
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (f *fanIn) forward(ctx context.Context, topic string, msgs <-chan *message.Message) {
	defer f.wg.Done()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}

			// at-most-once: acknowledged on receipt, before the handler runs
			msg.Ack()

			select {
			case f.out <- delivery{topic: topic, payload: msg.Payload}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (f *fanIn) Next(ctx context.Context) ([]byte, []byte, error) {
	select {
	case d, ok := <-f.out:
		if !ok {
			return nil, nil, errSubscriberClosed
		}

		return []byte(d.topic), d.payload, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (f *fanIn) Close() error {
	f.cancel()
	return nil
}
