// Package kafka carries events over Kafka topics, one topic per channel.
// Consumers start at the end of each partition, so only events produced after
// StartAccepting are seen.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

const name = "kafka"

type Record struct {
	Topic string
	Value []byte
}

// Consumer yields records from the subscribed topics. Close must unblock a pending Next.
type Consumer interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Client is a minimal Kafka-like interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Client interface {
	Produce(ctx context.Context, topic string, value []byte) error
	Consume(ctx context.Context, topics []string) (Consumer, error)
}

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

// Transport implements event.Transport using an injected Client.
type Transport struct {
	recv   *receiver.Receiver
	client Client
}

var (
	_ event.Transport     = (*Transport)(nil)
	_ event.ReadyNotifier = (*Transport)(nil)
)

func New(c Client, d event.Dispatcher, opts ...Option) (*Transport, error) {
	if c == nil {
		return nil, fmt.Errorf("kafka transport: client required: %w", berr.ErrConfiguration)
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

func (t *Transport) Emit(ctx context.Context, channel string, body event.Body) error {
	return t.recv.Emit(ctx, channel, body, func(ctx context.Context, payload []byte) error {
		return t.client.Produce(ctx, channel, payload)
	})
}

func (t *Transport) StartAccepting(ctx context.Context) error {
	return t.recv.Serve(ctx, func(ctx context.Context, topics []string) (receiver.Session, error) {
		c, err := t.client.Consume(ctx, topics)
		if err != nil {
			return nil, err
		}

		return session{c}, nil
	})
}

func (t *Transport) Close() error { return t.recv.Shutdown() }

type session struct{ c Consumer }

func (s session) Next(ctx context.Context) ([]byte, []byte, error) {
	r, err := s.c.Next(ctx)
	if err != nil {
		return nil, nil, err
	}

	return []byte(r.Topic), r.Value, nil
}

func (s session) Close() error { return s.c.Close() }
