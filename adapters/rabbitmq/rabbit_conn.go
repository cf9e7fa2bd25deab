package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// Concrete AMQP connection-backed publisher with auto-reconnect, and a consumer
// on a dedicated connection.

const (
	exchangeKind = "topic"
	product      = "scg-event-bus"
	maxBackoff   = 30 * time.Second
)

var errNotConnected = errors.New("rabbitmq not connected")

type Config struct {
	URL         string
	ConnTimeout time.Duration
	// Exchange defaults to DefaultExchange.
	Exchange string
}

func (c Config) exchange() string {
	if c.Exchange == "" {
		return DefaultExchange
	}

	return c.Exchange
}

func dial(cfg Config) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": product},
		Dial:       amqp.DefaultDial(cfg.ConnTimeout),
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	if err := ch.ExchangeDeclare(cfg.exchange(), exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	return conn, ch, nil
}

type reconnectingPublisher struct {
	cfg    Config
	mu     sync.RWMutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	ready  chan struct{} // closed while a channel is available
	closed chan struct{}
	once   sync.Once
}

func newReconnectingPublisher(cfg Config) *reconnectingPublisher {
	rp := &reconnectingPublisher{
		cfg:    cfg,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	go rp.run()

	return rp
}

func (rp *reconnectingPublisher) channel(ctx context.Context) (*amqp.Channel, error) {
	rp.mu.RLock()
	ch, ready := rp.ch, rp.ready
	rp.mu.RUnlock()

	if ch != nil {
		return ch, nil
	}

	select {
	case <-ready:
	case <-rp.closed:
		return nil, errNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rp.mu.RLock()
	defer rp.mu.RUnlock()

	if rp.ch == nil {
		return nil, errNotConnected
	}

	return rp.ch, nil
}

func (rp *reconnectingPublisher) Publish(ctx context.Context, m PubMsg) error {
	ch, err := rp.channel(ctx)
	if err != nil {
		return err
	}

	var h amqp.Table
	if len(m.Headers) > 0 {
		h = amqp.Table{}
		for k, v := range m.Headers {
			h[k] = v
		}
	}

	return ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     h,
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        m.Body,
		},
	)
}

func (rp *reconnectingPublisher) run() {
	backoff := time.Second
	// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
	rng := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // non-crypto RNG is acceptable for backoff jitter

	for {
		select {
		case <-rp.closed:
			return
		default:
		}

		conn, ch, err := dial(rp.cfg)
		if err != nil {
			jitter := time.Duration(rng.Int63n(int64(backoff / 2)))

			sleep := min(backoff+jitter/2, maxBackoff)

			t := time.NewTimer(sleep)
			select {
			case <-rp.closed:
				t.Stop()
				return
			case <-t.C:
			}

			backoff = min(backoff*2, maxBackoff)

			continue
		}

		backoff = time.Second
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		rp.mu.Lock()
		rp.conn, rp.ch = conn, ch
		close(rp.ready)
		rp.mu.Unlock()

		select {
		case <-rp.closed:
			_ = ch.Close()
			_ = conn.Close()

			return
		case <-notify:
		}

		rp.mu.Lock()
		rp.conn, rp.ch = nil, nil
		rp.ready = make(chan struct{})
		rp.mu.Unlock()

		_ = ch.Close()
		_ = conn.Close()
	}
}

func (rp *reconnectingPublisher) close() {
	rp.once.Do(func() {
		close(rp.closed)

		rp.mu.Lock()
		defer rp.mu.Unlock()

		if rp.ch != nil {
			_ = rp.ch.Close()
			rp.ch = nil
		}

		if rp.conn != nil {
			_ = rp.conn.Close()
			rp.conn = nil
		}
	})
}

// amqpSubscriber opens a dedicated connection per Consume call.
type amqpSubscriber struct{ cfg Config }

func (s amqpSubscriber) Consume(_ context.Context, exchange string, keys []string) (Consumer, error) {
	conn, ch, err := dial(s.cfg)
	if err != nil {
		return nil, err
	}

	c := &amqpConsumer{conn: conn, ch: ch, closed: make(chan struct{})}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, exchange, false, nil); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("bind %q: %w", key, err)
		}
	}

	c.deliveries, err = ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

type amqpConsumer struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan struct{}
	once       sync.Once
	err        error
}

func (c *amqpConsumer) Next(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return Delivery{}, amqp.ErrClosed
		}

		return Delivery{RoutingKey: d.RoutingKey, Body: d.Body}, nil
	case <-c.closed:
		return Delivery{}, amqp.ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (c *amqpConsumer) Close() error {
	c.once.Do(func() {
		close(c.closed)

		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.err = err
		}

		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.err = errors.Join(c.err, err)
		}
	})

	return c.err
}

// NewWithAMQPConn dials RabbitMQ with an auto-reconnecting publisher, consumes
// on a dedicated connection and returns the Transport and a cleanup.
func NewWithAMQPConn(cfg Config, d event.Dispatcher, opts ...Option) (*Transport, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("rabbitmq transport: url required: %w", berr.ErrConfiguration)
	}

	if _, err := amqp.ParseURI(cfg.URL); err != nil {
		return nil, nil, fmt.Errorf("rabbitmq transport: %w: %w", berr.ErrValidation, err)
	}

	pub := newReconnectingPublisher(cfg)

	tr, err := NewWithExchange(cfg.exchange(), pub, amqpSubscriber{cfg: cfg}, d, opts...)
	if err != nil {
		pub.close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = tr.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
		pub.close()
	}

	return tr, cleanup, nil
}
