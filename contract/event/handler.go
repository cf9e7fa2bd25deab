package event

import "context"

// Body is an event payload. Anything the JSON codec can encode is accepted;
// decoded bodies are maps, slices, strings, int64, float64, bool or nil.
type Body = any

// Handler processes a decoded event body. Handlers run on the dispatcher's
// owning goroutine, one at a time, and receive the owner's context.
type Handler func(ctx context.Context, body Body) error
