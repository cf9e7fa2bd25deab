package transports

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/next-trace/scg-event-bus/adapters/kafka"
	"github.com/next-trace/scg-event-bus/adapters/nats"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-event-bus/adapters/redis"
	"github.com/next-trace/scg-event-bus/adapters/watermill"
	"github.com/next-trace/scg-event-bus/config"
	"github.com/next-trace/scg-event-bus/contract/event"
)

func init() {
	DefaultRegistry.Register("redis", buildRedis)
	DefaultRegistry.Register("nats", buildNATS)
	DefaultRegistry.Register("rabbitmq", buildRabbitMQ)
	DefaultRegistry.Register("kafka", buildKafka)
	DefaultRegistry.Register("memory", buildMemory)
}

func buildRedis(_ context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return erase(redis.NewWithRedis(redis.Config{
		URL:         cfg.RedisURL,
		PoolSize:    cfg.RedisPoolSize,
		DialTimeout: cfg.RedisDialTimeout,
		ClientName:  "eventbus",
	}, d, opts...))
}

func buildNATS(_ context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return erase(nats.NewWithNATS(nats.Config{URL: cfg.NATSURL, Name: "eventbus"}, d, opts...))
}

func buildRabbitMQ(_ context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return erase(rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: cfg.RabbitMQURL, Exchange: cfg.RabbitMQExchange}, d, opts...))
}

func buildKafka(_ context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return erase(kafka.NewWithKgo(kafka.Config{Brokers: cfg.KafkaBrokers, ClientID: cfg.KafkaClientID}, d, opts...))
}

func buildMemory(_ context.Context, _ config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return erase(watermill.NewGoChannel(gochannel.Config{}, d, opts...))
}

// erase keeps a failed constructor's nil pointer out of the interface.
func erase[T event.Transport](t T, cleanup func(), err error) (event.Transport, func(), error) {
	if err != nil {
		return nil, nil, err
	}

	return t, cleanup, nil
}
