// Package config holds the settings needed to build a transport and run a
// service, loaded from flags, EVENTBUS_* environment variables and an optional
// config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/next-trace/scg-event-bus/connection"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const EnvPrefix = "EVENTBUS"

// Keys shared by viper, flags and config files.
const (
	KeyTransport        = "transport"
	KeyRedisURL         = "redis.url"
	KeyRedisPoolSize    = "redis.pool-size"
	KeyRedisDialTimeout = "redis.dial-timeout"
	KeyNATSURL          = "nats.url"
	KeyRabbitMQURL      = "rabbitmq.url"
	KeyRabbitMQExchange = "rabbitmq.exchange"
	KeyKafkaBrokers     = "kafka.brokers"
	KeyKafkaClientID    = "kafka.client-id"
	KeyQueueSize        = "dispatcher.queue-size"
	KeyDrainOnClose     = "dispatcher.drain-on-close"
	KeyMetricsAddr      = "metrics.addr"
	KeyLogLevel         = "log.level"
)

// Config selects a transport and tunes the dispatcher. Each transport only uses
// the keys relevant to it.
type Config struct {
	// Transport names a registered builder; the built-ins are "redis", "nats",
	// "rabbitmq", "kafka" and "memory".
	Transport string

	RedisURL         string
	RedisPoolSize    int
	RedisDialTimeout time.Duration

	NATSURL string

	RabbitMQURL      string
	RabbitMQExchange string

	KafkaBrokers  []string
	KafkaClientID string

	QueueSize    int
	DrainOnClose bool

	// MetricsAddr enables a Prometheus endpoint when non-empty, e.g. ":9090".
	MetricsAddr string
	LogLevel    string
}

func Default() Config {
	return Config{
		Transport:        "redis",
		RedisURL:         "redis://localhost:6379/0",
		RedisDialTimeout: 5 * time.Second,
		RabbitMQExchange: "events",
		QueueSize:        1024,
		DrainOnClose:     true,
		LogLevel:         "info",
	}
}

// SetDefaults registers Default() on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyTransport, d.Transport)
	v.SetDefault(KeyRedisURL, d.RedisURL)
	v.SetDefault(KeyRedisDialTimeout, d.RedisDialTimeout)
	v.SetDefault(KeyRabbitMQExchange, d.RabbitMQExchange)
	v.SetDefault(KeyQueueSize, d.QueueSize)
	v.SetDefault(KeyDrainOnClose, d.DrainOnClose)
	v.SetDefault(KeyLogLevel, d.LogLevel)
}

// Load reads a Config from v after wiring EVENTBUS_* environment variables
// (dots and dashes become underscores) and, when file is set, a config file.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, errors.Join(berr.ErrConfiguration, err))
		}
	}

	cfg := Config{
		Transport:        v.GetString(KeyTransport),
		RedisURL:         v.GetString(KeyRedisURL),
		RedisPoolSize:    v.GetInt(KeyRedisPoolSize),
		RedisDialTimeout: v.GetDuration(KeyRedisDialTimeout),
		NATSURL:          v.GetString(KeyNATSURL),
		RabbitMQURL:      v.GetString(KeyRabbitMQURL),
		RabbitMQExchange: v.GetString(KeyRabbitMQExchange),
		KafkaBrokers:     v.GetStringSlice(KeyKafkaBrokers),
		KafkaClientID:    v.GetString(KeyKafkaClientID),
		QueueSize:        v.GetInt(KeyQueueSize),
		DrainOnClose:     v.GetBool(KeyDrainOnClose),
		MetricsAddr:      v.GetString(KeyMetricsAddr),
		LogLevel:         v.GetString(KeyLogLevel),
	}

	return cfg, cfg.Validate()
}

func (c Config) String() string {
	masked := c
	masked.RedisURL = redactURLCredentials(masked.RedisURL)
	masked.NATSURL = redactURLCredentials(masked.NATSURL)
	masked.RabbitMQURL = redactURLCredentials(masked.RabbitMQURL)

	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config

	return fmt.Sprintf("%+v", configAlias(masked))
}

func redactURLCredentials(raw string) string {
	if raw == "" {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "***REDACTED_URL***"
	}

	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "***REDACTED***")
		}
	}

	return parsed.String()
}

// Validate reports every problem at once; each matches berr.ErrValidation.
func (c Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateTransport()...)

	if c.QueueSize <= 0 {
		errs = append(errs, invalid("dispatcher: queue size must be positive, got %d", c.QueueSize))
	}

	if c.RedisPoolSize < 0 {
		errs = append(errs, invalid("redis: pool size cannot be negative"))
	}

	if c.RedisDialTimeout < 0 {
		errs = append(errs, invalid("redis: dial timeout cannot be negative"))
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (c Config) validateTransport() []error {
	switch strings.ToLower(c.Transport) {
	case "redis":
		if _, err := connection.Parse(c.RedisURL); err != nil {
			return []error{fmt.Errorf("redis: %w", err)}
		}
	case "nats":
		if c.NATSURL == "" {
			return []error{invalid("nats: URL is required")}
		}
	case "rabbitmq":
		if c.RabbitMQURL == "" {
			return []error{invalid("rabbitmq: URL is required")}
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return []error{invalid("kafka: brokers are required")}
		}
	case "":
		return []error{invalid("transport is required")}
	}

	// Other names belong to transports registered by the host; the registry
	// rejects names it does not know.
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, invalid("log: %v", err)
	}

	return lvl, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: "+format+": %w", append(args, berr.ErrValidation)...)
}
