package redis

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/next-trace/scg-event-bus/adapters/redis Client,Subscription

import (
	"context"
	"fmt"
	"log/slog"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

const name = "redis"

// Message is one pub/sub delivery as raw bytes.
type Message struct {
	Channel []byte
	Payload []byte
}

// Subscription is a dedicated pub/sub session. Close must unblock a pending Receive.
type Subscription interface {
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Client is the subset of Redis the transport needs. Implementations must be
// safe for concurrent use; Publish and Subscribe share one connection pool.
type Client interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe opens a session and returns once the subscription is confirmed.
	Subscribe(ctx context.Context, channels []string) (Subscription, error)
}

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

// Transport implements event.Transport over Redis pub/sub.
type Transport struct {
	recv   *receiver.Receiver
	client Client
}

var (
	_ event.Transport     = (*Transport)(nil)
	_ event.ReadyNotifier = (*Transport)(nil)
)

// New returns a transport publishing and subscribing through c. Handlers run on
// the owning context that drives d.
func New(c Client, d event.Dispatcher, opts ...Option) (*Transport, error) {
	if c == nil {
		return nil, fmt.Errorf("redis transport: client required: %w", berr.ErrConfiguration)
	}

	recv, err := receiver.New(name, d, receiver.Apply(opts...))
	if err != nil {
		return nil, err
	}

	return &Transport{recv: recv, client: c}, nil
}

func (t *Transport) RegisterHandler(channel string, h event.Handler) error {
	return t.recv.RegisterHandler(channel, h)
}

func (t *Transport) OnReceive(ctx context.Context, channel, payload []byte) error {
	return t.recv.OnReceive(ctx, channel, payload)
}

func (t *Transport) Ready() <-chan struct{} { return t.recv.Ready() }

// Emit publishes body on channel. Nobody listening is not an error.
func (t *Transport) Emit(ctx context.Context, channel string, body event.Body) error {
	return t.recv.Emit(ctx, channel, body, func(ctx context.Context, payload []byte) error {
		return t.client.Publish(ctx, channel, payload)
	})
}

// StartAccepting subscribes to every channel registered so far and delivers
// messages to the dispatcher until ctx is done or Close is called.
func (t *Transport) StartAccepting(ctx context.Context) error {
	return t.recv.Serve(ctx, func(ctx context.Context, channels []string) (receiver.Session, error) {
		sub, err := t.client.Subscribe(ctx, channels)
		if err != nil {
			return nil, err
		}

		return session{sub}, nil
	})
}

// Close stops the receive loop. The Client itself belongs to the caller.
func (t *Transport) Close() error {
	return t.recv.Shutdown()
}

type session struct{ sub Subscription }

func (s session) Next(ctx context.Context) ([]byte, []byte, error) {
	m, err := s.sub.Receive(ctx)
	if err != nil {
		return nil, nil, err
	}

	return m.Channel, m.Payload, nil
}

func (s session) Close() error { return s.sub.Close() }
