package bus

import (
	"context"
	"log/slog"
	"reflect"
)

// Scope is the per-invocation resolution context handed to handlers. It
// resolves dependencies from the service container, tracks scoped resources
// in acquisition order, and always carries two implicit values: the service
// dispatcher and an EventCollector for this call.
type Scope struct {
	container  *Container
	dispatcher *Dispatcher
	collector  *EventCollector
	acquired   []Releaser
}

func newScope(container *Container, dispatcher *Dispatcher, collector *EventCollector) *Scope {
	return &Scope{container: container, dispatcher: dispatcher, collector: collector}
}

// Dispatcher returns the dispatcher bound to the owning service.
func (s *Scope) Dispatcher() *Dispatcher { return s.dispatcher }

// Events returns the EventCollector scoped to this invocation. Events
// published here reach the event bus only after the handler commits.
func (s *Scope) Events() *EventCollector { return s.collector }

// Resolve returns the dependency registered for type T, acquiring it as a
// scoped resource when the registration is a factory whose value implements
// Releaser. A missing registration is a programming error surfaced as
// *MissingDependencyError at invocation time.
func Resolve[T any](ctx context.Context, s *Scope) (T, error) {
	var zero T
	t := typeOf[T]()
	reg, ok := s.container.lookup(t)
	if !ok {
		return zero, &MissingDependencyError{Type: t}
	}
	if reg.singleton {
		return reg.instance.(T), nil
	}
	value, err := reg.factory(ctx)
	if err != nil {
		return zero, err
	}
	if releaser, ok := value.(Releaser); ok {
		s.acquired = append(s.acquired, releaser)
	}
	typed, ok := value.(T)
	if !ok {
		return zero, &MissingDependencyError{Type: reflect.TypeOf(value)}
	}
	return typed, nil
}

// close releases every acquired resource in reverse acquisition order.
// Release failures are logged; the first one is returned so callers can
// surface it when the handler itself succeeded.
func (s *Scope) close(ctx context.Context) error {
	var first error
	for i := len(s.acquired) - 1; i >= 0; i-- {
		if err := s.acquired[i].Release(ctx); err != nil {
			slog.Error("Failed to release scoped resource", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	s.acquired = nil
	return first
}
