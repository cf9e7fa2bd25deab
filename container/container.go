// Package container groups a module's callables and tags them as exposed methods
// and/or event handlers. A Container knows nothing about transports; the service
// reads its two collections and wires them.
package container

import (
	"context"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/contract/event"
)

// Tags are independent: an entry may be exposed, an event handler, both or neither.
type Tags struct {
	Public       bool
	Private      bool
	EventHandler bool
}

// Method is an exposed callable. params is the decoded request body.
type Method func(ctx context.Context, params event.Body) (any, error)

// Entry is one tagged callable.
type Entry struct {
	// Name identifies the entry among exposed methods.
	Name string
	// Channel is the event channel for event handler entries; defaults to Name.
	Channel string
	Tags    Tags
	Method  Method
}

// Exposed reports whether the entry is reachable as a method.
func (e Entry) Exposed() bool { return e.Tags.Public || e.Tags.Private }

// Handler adapts Method to an event handler, discarding the result.
func (e Entry) Handler() event.Handler {
	m := e.Method

	return func(ctx context.Context, body event.Body) error {
		_, err := m(ctx, body)
		return err
	}
}

// Container is an immutable set of entries produced by Builder.Build.
type Container struct {
	name    string
	entries []Entry
}

func (c *Container) Name() string { return c.name }

// Entries returns every entry in declaration order.
func (c *Container) Entries() []Entry {
	return append([]Entry(nil), c.entries...)
}

// ExposedMethods returns the entries tagged Public or Private.
func (c *Container) ExposedMethods() []Entry {
	return c.filter(Entry.Exposed)
}

// EventHandlers returns the entries tagged EventHandler.
func (c *Container) EventHandlers() []Entry {
	return c.filter(func(e Entry) bool { return e.Tags.EventHandler })
}

func (c *Container) filter(keep func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if keep(e) {
			out = append(out, e)
		}
	}

	return out
}

// Builder declares a container's entries.
type Builder struct {
	name    string
	entries []Entry
	errs    []error
}

func NewBuilder(name string) *Builder { return &Builder{name: name} }

func (b *Builder) Public(name string, m Method) *Builder {
	return b.Add(Entry{Name: name, Tags: Tags{Public: true}, Method: m})
}

func (b *Builder) Private(name string, m Method) *Builder {
	return b.Add(Entry{Name: name, Tags: Tags{Private: true}, Method: m})
}

// OnEvent registers h for channel.
func (b *Builder) OnEvent(channel string, h event.Handler) *Builder {
	var m Method
	if h != nil {
		m = func(ctx context.Context, body event.Body) (any, error) { return nil, h(ctx, body) }
	}

	return b.Add(Entry{Name: channel, Channel: channel, Tags: Tags{EventHandler: true}, Method: m})
}

// Add declares an entry with an arbitrary tag combination.
func (b *Builder) Add(e Entry) *Builder {
	if e.Channel == "" {
		e.Channel = e.Name
	}

	switch {
	case e.Name == "":
		b.errs = append(b.errs, fmt.Errorf("container %s: entry %d: empty name: %w", b.name, len(b.entries), berr.ErrValidation))
	case e.Method == nil:
		b.errs = append(b.errs, fmt.Errorf("container %s: entry %q: nil method: %w", b.name, e.Name, berr.ErrValidation))
	}

	b.entries = append(b.entries, e)

	return b
}

// Build validates the declarations. Exposed names must be unique within the container.
func (b *Builder) Build() (*Container, error) {
	errs := append([]error(nil), b.errs...)

	if b.name == "" {
		errs = append(errs, fmt.Errorf("container: empty name: %w", berr.ErrValidation))
	}

	seen := make(map[string]struct{}, len(b.entries))
	for _, e := range b.entries {
		if !e.Exposed() || e.Name == "" {
			continue
		}

		if _, dup := seen[e.Name]; dup {
			errs = append(errs, fmt.Errorf("container %s: method %q: %w", b.name, e.Name, berr.ErrHandlerExists))
		}

		seen[e.Name] = struct{}{}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Container{name: b.name, entries: append([]Entry(nil), b.entries...)}, nil
}
