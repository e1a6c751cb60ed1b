package events

import (
	"context"
	"sync"
)

// Sink receives events in the exact order a handler produces them. Send
// blocks until the event has been accepted; a non-nil error means the
// consumer is gone and the handler should stop producing.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Collector is a Sink that records every event it receives. Safe for
// concurrent producers; used by tests and the server replay buffer.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Send implements Sink.
func (c *Collector) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

// Events returns a snapshot of the recorded events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Types returns the recorded event types in arrival order.
func (c *Collector) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type()
	}
	return out
}

type syncSink struct {
	mu   sync.Mutex
	next Sink
}

// Synchronized wraps a sink so concurrent producers cannot interleave a
// single Send. Event order across producers is arrival order at the lock.
func Synchronized(next Sink) Sink {
	if _, ok := next.(*syncSink); ok {
		return next
	}
	return &syncSink{next: next}
}

func (s *syncSink) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Send(ctx, ev)
}

// Tee sends every event to both sinks, stopping at the first error.
func Tee(a, b Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		if err := a.Send(ctx, ev); err != nil {
			return err
		}
		return b.Send(ctx, ev)
	})
}
