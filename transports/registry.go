// Package transports builds an event.Transport from a config.Config by name.
// The built-in transports are registered on DefaultRegistry.
package transports

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/next-trace/scg-event-bus/config"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
	"github.com/next-trace/scg-event-bus/internal/receiver"
	"github.com/next-trace/scg-event-bus/metrics"
)

type Option = receiver.Option

func WithLogger(l *slog.Logger) Option { return receiver.WithLogger(l) }

func WithMetrics(m *metrics.Metrics) Option { return receiver.WithMetrics(m) }

// Builder constructs a transport and the cleanup that releases its connections.
type Builder func(ctx context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error)

// Registry maps transport names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry holds redis, nats, rabbitmq, kafka and memory.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name. Names are case-insensitive.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(name)] = b
}

// Build validates cfg and runs the builder selected by cfg.Transport.
func (r *Registry) Build(ctx context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	r.mu.RLock()
	b, ok := r.builders[strings.ToLower(cfg.Transport)]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, fmt.Errorf("transports: unknown transport %q (registered: %v): %w", cfg.Transport, r.Names(), berr.ErrConfiguration)
	}

	return b(ctx, cfg, d, opts...)
}

// Names returns the registered transport names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[strings.ToLower(name)]
	return ok
}

// Build uses DefaultRegistry.
func Build(ctx context.Context, cfg config.Config, d event.Dispatcher, opts ...Option) (event.Transport, func(), error) {
	return DefaultRegistry.Build(ctx, cfg, d, opts...)
}
