// Package memory builds a complete in-process service: a gochannel transport and
// a dispatcher. Events never leave the process. Ordering is per channel only.
package memory

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/next-trace/scg-event-bus/adapters/watermill"
	"github.com/next-trace/scg-event-bus/dispatcher"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// New constructs a service backed by the in-memory transport along with a
// cleanup function that closes the service and the underlying pub/sub.
func New(logger *slog.Logger, opts ...servicebus.Option) (*servicebus.Service, func(), error) {
	d := dispatcher.New(dispatcher.WithLogger(logger))

	tr, closeTransport, err := watermill.NewGoChannel(gochannel.Config{}, d, watermill.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}

	sb, err := servicebus.New(tr, d, logger, opts...)
	if err != nil {
		closeTransport()
		return nil, nil, err
	}

	cleanup := func() {
		_ = sb.Close()
		closeTransport()
	}

	return sb, cleanup, nil
}
