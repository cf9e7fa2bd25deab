package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// Concrete franz-go based constructor and client wrapper.

type Config struct {
	Brokers []string
	TLS     *tls.Config
	// Acks defaults to all in-sync replicas.
	Acks        *kgo.Acks
	Idempotent  bool
	ClientID    string
	Compression []kgo.CompressionCodec
}

func (cfg Config) baseOpts() []kgo.Opt {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	return opts
}

type kgoClient struct {
	cfg Config
	cl  *kgo.Client
}

func (c kgoClient) Produce(ctx context.Context, topic string, value []byte) error {
	return c.cl.ProduceSync(ctx, &kgo.Record{Topic: topic, Value: value}).FirstErr()
}

// Consume opens a dedicated client so closing it never affects producing.
func (c kgoClient) Consume(ctx context.Context, topics []string) (Consumer, error) {
	opts := append(c.cfg.baseOpts(),
		kgo.ConsumeTopics(topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	if err := cl.Ping(ctx); err != nil {
		cl.Close()
		return nil, err
	}

	return &kgoConsumer{cl: cl}, nil
}

type kgoConsumer struct {
	cl      *kgo.Client
	pending []*kgo.Record
	once    sync.Once
}

func (c *kgoConsumer) Next(ctx context.Context) (Record, error) {
	for len(c.pending) == 0 {
		fetches := c.cl.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return Record{}, kgo.ErrClientClosed
		}

		if err := ctx.Err(); err != nil {
			return Record{}, err
		}

		var errs []error
		fetches.EachError(func(topic string, partition int32, err error) {
			errs = append(errs, fmt.Errorf("%s[%d]: %w", topic, partition, err))
		})

		c.pending = fetches.Records()
		if len(c.pending) == 0 && len(errs) > 0 {
			return Record{}, errors.Join(errs...)
		}
	}

	r := c.pending[0]
	c.pending = c.pending[1:]

	return Record{Topic: r.Topic, Value: r.Value}, nil
}

func (c *kgoConsumer) Close() error {
	c.once.Do(c.cl.Close)
	return nil
}

// NewWithKgo builds a franz-go client based Transport. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config, d event.Dispatcher, opts ...Option) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("kafka transport: brokers required: %w", berr.ErrConfiguration)
	}

	kopts := cfg.baseOpts()
	if !cfg.Idempotent {
		kopts = append(kopts, kgo.DisableIdempotentWrite())
	}

	if len(cfg.Compression) > 0 {
		kopts = append(kopts, kgo.ProducerBatchCompression(cfg.Compression...))
	}

	if cfg.Acks != nil {
		kopts = append(kopts, kgo.RequiredAcks(*cfg.Acks))
	}

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", errors.Join(berr.ErrConfiguration, err))
	}

	tr, err := New(kgoClient{cfg: cfg, cl: cl}, d, opts...)
	if err != nil {
		cl.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = tr.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
		cl.Close()
	}

	return tr, cleanup, nil
}
