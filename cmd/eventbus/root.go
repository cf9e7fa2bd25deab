package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/next-trace/scg-event-bus/config"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	v      *viper.Viper
	file   string
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	a := &app{v: v}

	root := &cobra.Command{
		Use:           "eventbus",
		Short:         "Emit and listen for events over redis, nats, rabbitmq, kafka or memory",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}

	d := config.Default()
	flags := root.PersistentFlags()
	flags.StringVar(&a.file, "config", "", "config file (yaml, json or toml)")
	flags.String("transport", d.Transport, "transport: redis, nats, rabbitmq, kafka or memory")
	flags.String("redis-url", d.RedisURL, "redis connection URL")
	flags.String("nats-url", "", "nats server URL")
	flags.String("rabbitmq-url", "", "amqp URL")
	flags.String("rabbitmq-exchange", d.RabbitMQExchange, "topic exchange events are published to")
	flags.StringSlice("kafka-brokers", nil, "kafka seed brokers")
	flags.Int("queue-size", d.QueueSize, "dispatcher queue capacity")
	flags.String("log-level", d.LogLevel, "debug, info, warn or error")

	bind(v, flags.Lookup("transport"), config.KeyTransport)
	bind(v, flags.Lookup("redis-url"), config.KeyRedisURL)
	bind(v, flags.Lookup("nats-url"), config.KeyNATSURL)
	bind(v, flags.Lookup("rabbitmq-url"), config.KeyRabbitMQURL)
	bind(v, flags.Lookup("rabbitmq-exchange"), config.KeyRabbitMQExchange)
	bind(v, flags.Lookup("kafka-brokers"), config.KeyKafkaBrokers)
	bind(v, flags.Lookup("queue-size"), config.KeyQueueSize)
	bind(v, flags.Lookup("log-level"), config.KeyLogLevel)

	root.AddCommand(newEmitCmd(a), newListenCmd(a))

	return root
}

func (a *app) load(stderr io.Writer) error {
	cfg, err := config.Load(a.v, a.file)
	if err != nil {
		return err
	}

	lvl, _ := cfg.SlogLevel()
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl}))
	a.logger.Debug("configuration loaded", "config", cfg.String())

	return nil
}
