package event

import (
	"context"
	"time"
)

// Invocation is a handler call scheduled by a transport.
type Invocation struct {
	ID       string
	Channel  string
	Handler  Handler
	Body     Body
	Received time.Time
}

// Dispatcher hands invocations to the owning execution context.
// Dispatch must return without waiting for the handler to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) error
}
