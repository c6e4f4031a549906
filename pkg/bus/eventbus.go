package bus

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
)

// EventCollector buffers events published during one handler invocation.
// Nothing happens at publish time; the owning service hands the collector to
// the event bus only after the handler commits. If the handler fails the
// collector is dropped and no event is processed.
type EventCollector struct {
	mu     sync.Mutex
	events []any
}

// Publish appends an event to the collector in publish order.
func (c *EventCollector) Publish(event any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *EventCollector) drain() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// eventHandler runs one subscriber for one event. Errors are returned for
// logging only; they never reach the producer.
type eventHandler func(ctx context.Context, event any) error

// EventBus fans events out to subscribed handlers. Subscriptions are added
// at service-wire time only; Process is safe for concurrent use because each
// request drains its own collector.
type EventBus struct {
	dispatcher *Dispatcher
	subs       map[reflect.Type][]eventHandler
}

// NewEventBus creates an event bus that schedules handlers on dispatcher.
func NewEventBus(dispatcher *Dispatcher) *EventBus {
	return &EventBus{dispatcher: dispatcher, subs: make(map[reflect.Type][]eventHandler)}
}

// Begin returns a fresh collector for one handler invocation.
func (b *EventBus) Begin() *EventCollector { return &EventCollector{} }

func (b *EventBus) subscribe(t reflect.Type, h eventHandler) {
	b.subs[t] = append(b.subs[t], h)
}

// Process schedules the collected events for delivery. Events from a single
// collector are delivered in publish order on one dispatcher task; handler
// failures are logged and never propagate. Events from concurrent producers
// are unordered relative to each other.
func (b *EventBus) Process(ctx context.Context, collector *EventCollector) {
	events := collector.drain()
	if len(events) == 0 {
		return
	}
	// Delivery must survive the producer's request context: the caller is
	// free to cancel as soon as its response arrives.
	b.dispatcher.Schedule(context.WithoutCancel(ctx), func(taskCtx context.Context) (any, error) {
		for _, event := range events {
			for _, handler := range b.subs[reflect.TypeOf(event)] {
				if err := handler(taskCtx, event); err != nil {
					slog.Error("Event handler failed",
						"event_type", reflect.TypeOf(event).String(),
						"error", err)
				}
			}
		}
		return nil, nil
	})
}
