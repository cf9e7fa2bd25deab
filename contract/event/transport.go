package event

import "context"

// Transport is the contract every event transport satisfies. It mirrors the
// lifecycle of a broker-backed subscription: handlers are registered first,
// then StartAccepting fixes the subscription set and blocks on the receive loop.
//
// Emit may be called from any goroutine at any time, including while the
// receive loop is running.
type Transport interface {
	Receiver

	// RegisterHandler associates h with channel, replacing any previous handler.
	// It performs no I/O and fails once StartAccepting has been called.
	RegisterHandler(channel string, h Handler) error

	// Emit encodes body and publishes it to channel without waiting for subscribers.
	Emit(ctx context.Context, channel string, body Body) error

	// StartAccepting subscribes to every registered channel and blocks until ctx
	// is cancelled, Close is called, or the connection is lost.
	StartAccepting(ctx context.Context) error

	// Close stops the receive loop and releases broker resources.
	Close() error
}

// Receiver is the inbound half of a transport. Receive loops call OnReceive for
// every raw message taken off the wire.
type Receiver interface {
	OnReceive(ctx context.Context, channel, payload []byte) error
}

// ReadyNotifier is implemented by transports that can report when their
// subscription session is established.
type ReadyNotifier interface {
	Ready() <-chan struct{}
}
