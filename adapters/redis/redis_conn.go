package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-event-bus/connection"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// Concrete go-redis backed Client and constructor.

type Config struct {
	URL         string
	PoolSize    int
	DialTimeout time.Duration
	ClientName  string
	// Protocol selects RESP2 or RESP3; zero uses the go-redis default.
	Protocol int
}

type redisClient struct{ rdb *goredis.Client }

func (c redisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c redisClient) Subscribe(ctx context.Context, channels []string) (Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)

	// first reply is the subscribe confirmation
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	return &redisSubscription{ps: ps}, nil
}

type redisSubscription struct{ ps *goredis.PubSub }

func (s *redisSubscription) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}

	return Message{Channel: []byte(msg.Channel), Payload: []byte(msg.Payload)}, nil
}

func (s *redisSubscription) Close() error { return s.ps.Close() }

// Options translates a connection URL into go-redis options. No network activity.
func Options(cfg Config) (*goredis.Options, error) {
	desc, err := connection.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	opts := &goredis.Options{
		Network:     desc.Network(),
		Addr:        desc.Addr(),
		Username:    desc.Username,
		Password:    desc.Password,
		DB:          desc.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
		ClientName:  cfg.ClientName,
		Protocol:    cfg.Protocol,
	}

	if desc.TLS() {
		opts.TLSConfig = &tls.Config{
			ServerName: desc.Host,
			MinVersion: tls.VersionTLS12,
		}
	}

	return opts, nil
}

// NewWithRedis validates cfg.URL, builds a pooled go-redis client and returns the
// transport with a cleanup that closes the transport and the pool. A malformed
// URL fails with berr.ErrValidation before any connection attempt.
func NewWithRedis(cfg Config, d event.Dispatcher, opts ...Option) (*Transport, func(), error) {
	ropts, err := Options(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("redis transport: %w", err)
	}

	rdb := goredis.NewClient(ropts)

	tr, err := New(redisClient{rdb: rdb}, d, opts...)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = tr.Close()  //nolint:errcheck // best-effort shutdown; cannot return error here
		_ = rdb.Close() //nolint:errcheck // best-effort shutdown; cannot return error here
	}

	return tr, cleanup, nil
}

// Ping checks connectivity using the transport's own pool settings.
func Ping(ctx context.Context, cfg Config) error {
	ropts, err := Options(cfg)
	if err != nil {
		return err
	}

	rdb := goredis.NewClient(ropts)
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", errors.Join(berr.ErrTransport, err))
	}

	return nil
}
