// Package nats carries events over NATS core subjects: one subject per channel,
// JSON payloads, at-most-once delivery.
package nats

import (
	"context"
	"fmt"
	"log/slog"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

const name = "nats"

// Msg is one delivery on a subject.
type Msg struct {
	Subject string
	Data    []byte
}

// Subscription yields messages for every subscribed subject.
// Close must unblock a pending Next.
type Subscription interface {
	Next(ctx context.Context) (Msg, error)
	Close() error
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe returns once the server has acknowledged the interest.
	Subscribe(ctx context.Context, subjects []string) (Subscription, error)
}

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

// Transport implements event.Transport using an injected NATS-like Client.
type Transport struct {
	recv   *receiver.Receiver
	client Client
}

var (
	_ event.Transport     = (*Transport)(nil)
	_ event.ReadyNotifier = (*Transport)(nil)
)

// New creates a NATS transport with the provided client.
func New(c Client, d event.Dispatcher, opts ...Option) (*Transport, error) {
	if c == nil {
		return nil, fmt.Errorf("nats transport: client required: %w", berr.ErrConfiguration)
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
		return t.client.Publish(ctx, channel, payload)
	})
}

func (t *Transport) StartAccepting(ctx context.Context) error {
	return t.recv.Serve(ctx, func(ctx context.Context, subjects []string) (receiver.Session, error) {
		sub, err := t.client.Subscribe(ctx, subjects)
		if err != nil {
			return nil, err
		}

		return session{sub}, nil
	})
}

func (t *Transport) Close() error { return t.recv.Shutdown() }

type session struct{ sub Subscription }

func (s session) Next(ctx context.Context) ([]byte, []byte, error) {
	m, err := s.sub.Next(ctx)
	if err != nil {
		return nil, nil, err
	}

	return []byte(m.Subject), m.Data, nil
}

func (s session) Close() error { return s.sub.Close() }
