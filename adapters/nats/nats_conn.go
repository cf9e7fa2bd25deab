package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// Concrete NATS connection-backed Client and constructor.

const defaultPending = 256

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct {
	nc *nats.Conn
	// closed once the connection is permanently gone
	lost <-chan struct{}
}

func (c natsClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}

	return c.nc.Flush()
}

func (c natsClient) Subscribe(ctx context.Context, subjects []string) (Subscription, error) {
	s := &natsSubscription{
		msgs:   make(chan *nats.Msg, defaultPending),
		closed: make(chan struct{}),
		lost:   c.lost,
	}

	for _, subj := range subjects {
		sub, err := c.nc.ChanSubscribe(subj, s.msgs)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("subscribe %q: %w", subj, err)
		}

		s.subs = append(s.subs, sub)
	}

	flush := c.nc.Flush
	if _, ok := ctx.Deadline(); ok {
		flush = func() error { return c.nc.FlushWithContext(ctx) }
	}

	if err := flush(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

type natsSubscription struct {
	msgs   chan *nats.Msg
	subs   []*nats.Subscription
	lost   <-chan struct{}
	closed chan struct{}
	once   sync.Once
}

func (s *natsSubscription) Next(ctx context.Context) (Msg, error) {
	select {
	case m := <-s.msgs:
		return Msg{Subject: m.Subject, Data: m.Data}, nil
	case <-s.closed:
		return Msg{}, nats.ErrBadSubscription
	case <-s.lost:
		return Msg{}, nats.ErrConnectionClosed
	case <-ctx.Done():
		return Msg{}, ctx.Err()
	}
}

func (s *natsSubscription) Close() error {
	var errs []error

	s.once.Do(func() {
		close(s.closed)

		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	})

	return errors.Join(errs...)
}

// NewWithNATS creates a real NATS connection and returns a Transport and a cleanup.
func NewWithNATS(cfg Config, d event.Dispatcher, opts ...Option) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("nats transport: url required: %w", berr.ErrConfiguration)
	}

	lost := make(chan struct{})

	nopts := []nats.Option{
		nats.ClosedHandler(func(*nats.Conn) { close(lost) }),
	}
	if cfg.Name != "" {
		nopts = append(nopts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		nopts = append(nopts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		nopts = append(nopts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, nopts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", errors.Join(berr.ErrTransport, err))
	}

	tr, err := New(natsClient{nc: nc, lost: lost}, d, opts...)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = tr.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
		if !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return tr, cleanup, nil
}
