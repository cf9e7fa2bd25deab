package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

const (
	name = "rabbitmq"

	// DefaultExchange is the topic exchange events are routed through.
	DefaultExchange = "events"
)

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Delivery is one consumed message.
type Delivery struct {
	RoutingKey string
	Body       []byte
}

// Consumer yields deliveries from a bound queue. Close must unblock a pending Next.
type Consumer interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

// Subscriber binds a fresh queue to exchange for every routing key and starts consuming.
type Subscriber interface {
	Consume(ctx context.Context, exchange string, routingKeys []string) (Consumer, error)
}

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

type Transport struct {
	recv       *receiver.Receiver
	publisher  Publisher
	subscriber Subscriber
	exchange   string
	propagator propagation.TextMapPropagator
}

var (
	_ event.Transport     = (*Transport)(nil)
	_ event.ReadyNotifier = (*Transport)(nil)
)

// New wires a transport over p and s on DefaultExchange. A nil subscriber
// yields an emit-only transport whose StartAccepting fails with ErrConfiguration.
func New(p Publisher, s Subscriber, d event.Dispatcher, opts ...Option) (*Transport, error) {
	return NewWithExchange(DefaultExchange, p, s, d, opts...)
}

func NewWithExchange(exchange string, p Publisher, s Subscriber, d event.Dispatcher, opts ...Option) (*Transport, error) {
	if p == nil {
		return nil, fmt.Errorf("rabbitmq transport: publisher required: %w", berr.ErrConfiguration)
	}

	if exchange == "" {
		return nil, fmt.Errorf("rabbitmq transport: exchange required: %w", berr.ErrConfiguration)
	}

	recv, err := receiver.New(name, d, receiver.Apply(opts...))
	if err != nil {
		return nil, err
	}

	return &Transport{
		recv:       recv,
		publisher:  p,
		subscriber: s,
		exchange:   exchange,
		propagator: otel.GetTextMapPropagator(),
	}, nil
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
		hdrs := map[string]string{}
		t.propagator.Inject(ctx, propagation.MapCarrier(hdrs))

		return t.publisher.Publish(ctx, PubMsg{
			Exchange:   t.exchange,
			RoutingKey: channel,
			Body:       payload,
			Headers:    hdrs,
		})
	})
}

func (t *Transport) StartAccepting(ctx context.Context) error {
	if t.subscriber == nil {
		return fmt.Errorf("rabbitmq start accepting: subscriber required: %w", berr.ErrConfiguration)
	}

	return t.recv.Serve(ctx, func(ctx context.Context, keys []string) (receiver.Session, error) {
		c, err := t.subscriber.Consume(ctx, t.exchange, keys)
		if err != nil {
			return nil, err
		}

		return session{c}, nil
	})
}

func (t *Transport) Close() error { return t.recv.Shutdown() }

type session struct{ c Consumer }

func (s session) Next(ctx context.Context) ([]byte, []byte, error) {
	d, err := s.c.Next(ctx)
	if err != nil {
		return nil, nil, err
	}

	return []byte(d.RoutingKey), d.Body, nil
}

func (s session) Close() error { return s.c.Close() }
