// Package bus implements the intra-process service fabric: typed
// request/event dispatch, dependency injection with scoped resources, a
// cooperative dispatcher, and after-commit event fan-out.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// streamBuffer bounds how far a streaming handler can run ahead of its
// consumer before emit suspends.
const streamBuffer = 16

// RequestHandler handles one request type and returns its response.
type RequestHandler[Req, Res any] func(ctx context.Context, req Req, sc *Scope) (Res, error)

// StreamHandler handles one request type by emitting an ordered sequence of
// responses. Emit suspends when the consumer lags and fails once ctx is
// cancelled, which is the cooperative stop signal.
type StreamHandler[Req, Res any] func(ctx context.Context, req Req, sc *Scope, emit func(Res) error) error

// EventHandler reacts to one event type. Failures are logged by the event
// bus and never reach the producer.
type EventHandler[E any] func(ctx context.Context, event E, sc *Scope) error

// Service is a named collection of handlers plus a DI container, an optional
// shared event bus, and a dispatcher. Handlers are registered by request
// type; registration happens at wire time and is not safe for concurrent
// use.
type Service struct {
	name       string
	container  *Container
	dispatcher *Dispatcher
	eventBus   *EventBus

	handlers map[reflect.Type]any
	streams  map[reflect.Type]any
	pending  []pendingSubscription
}

type pendingSubscription struct {
	eventType reflect.Type
	handler   eventHandler
}

// NewService creates a service with an empty container and handler set.
func NewService(name string) *Service {
	return &Service{
		name:      name,
		container: NewContainer(),
		handlers:  make(map[reflect.Type]any),
		streams:   make(map[reflect.Type]any),
	}
}

// Name returns the service name used in logs.
func (s *Service) Name() string { return s.name }

// Container exposes the DI container for dependency binding at wire time.
func (s *Service) Container() *Container { return s.container }

// BindDispatcher attaches the dispatcher handlers run on.
func (s *Service) BindDispatcher(d *Dispatcher) *Service {
	s.dispatcher = d
	return s
}

// BindEventBus attaches the shared event bus and delegates every event
// subscription registered so far.
func (s *Service) BindEventBus(b *EventBus) *Service {
	s.eventBus = b
	for _, sub := range s.pending {
		b.subscribe(sub.eventType, sub.handler)
	}
	s.pending = nil
	return s
}

func (s *Service) mustDispatcher() *Dispatcher {
	if s.dispatcher == nil {
		panic(fmt.Sprintf("bus: service %q has no dispatcher bound", s.name))
	}
	return s.dispatcher
}

func (s *Service) beginCollector() *EventCollector {
	if s.eventBus != nil {
		return s.eventBus.Begin()
	}
	return &EventCollector{}
}

// commitEvents hands collected events to the bus. Called only after the
// producing handler completed without error.
func (s *Service) commitEvents(ctx context.Context, collector *EventCollector) {
	if s.eventBus != nil {
		s.eventBus.Process(ctx, collector)
	}
}

// HandleRequest registers the request handler for Req. Exactly one handler
// may exist per request type; duplicates are a wire-time programming error.
func HandleRequest[Req, Res any](s *Service, h RequestHandler[Req, Res]) {
	t := typeOf[Req]()
	if _, dup := s.handlers[t]; dup {
		panic(fmt.Sprintf("bus: service %q already handles %s", s.name, t))
	}
	s.handlers[t] = func(ctx context.Context, req Req) (Res, error) {
		var zero Res
		dispatcher := s.mustDispatcher()
		collector := s.beginCollector()
		scope := newScope(s.container, dispatcher, collector)

		future := dispatcher.Dispatch(ctx, func(taskCtx context.Context) (any, error) {
			return h(taskCtx, req, scope)
		})
		value, err := future.Await(ctx)
		if closeErr := scope.close(ctx); err == nil {
			err = closeErr
		}
		if err != nil {
			return zero, err
		}
		s.commitEvents(ctx, collector)
		res, _ := value.(Res)
		return res, nil
	}
}

// HandleStream registers the streaming handler for Req. The wrapped handler
// exposes a (chunks, errs) channel pair; chunks closes when the handler
// returns, errs delivers at most one terminal error. Collected events are
// committed only when the stream completes without error.
func HandleStream[Req, Res any](s *Service, h StreamHandler[Req, Res]) {
	t := typeOf[Req]()
	if _, dup := s.streams[t]; dup {
		panic(fmt.Sprintf("bus: service %q already streams %s", s.name, t))
	}
	s.streams[t] = func(ctx context.Context, req Req) (<-chan Res, <-chan error) {
		chunks := make(chan Res, streamBuffer)
		errs := make(chan error, 1)
		dispatcher := s.mustDispatcher()
		collector := s.beginCollector()
		scope := newScope(s.container, dispatcher, collector)

		go func() {
			defer close(errs)
			defer close(chunks)
			emit := func(res Res) error {
				select {
				case chunks <- res:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			err := h(ctx, req, scope, emit)
			if closeErr := scope.close(ctx); err == nil {
				err = closeErr
			}
			if err != nil {
				errs <- err
				return
			}
			s.commitEvents(ctx, collector)
		}()
		return chunks, errs
	}
}

// HandleEvent subscribes an event handler for E. Subscriptions collected
// before BindEventBus are delegated when the bus is bound.
func HandleEvent[E any](s *Service, h EventHandler[E]) {
	t := typeOf[E]()
	wrapped := func(ctx context.Context, event any) error {
		collector := s.beginCollector()
		scope := newScope(s.container, s.mustDispatcher(), collector)
		err := h(ctx, event.(E), scope)
		if closeErr := scope.close(ctx); err == nil {
			err = closeErr
		}
		if err != nil {
			return err
		}
		s.commitEvents(ctx, collector)
		return nil
	}
	if s.eventBus != nil {
		s.eventBus.subscribe(t, wrapped)
		return
	}
	s.pending = append(s.pending, pendingSubscription{eventType: t, handler: wrapped})
}

// Send dispatches a request to its registered handler and awaits the
// response. Res must name the handler's response type.
func Send[Res, Req any](ctx context.Context, s *Service, req Req) (Res, error) {
	var zero Res
	t := typeOf[Req]()
	entry, ok := s.handlers[t]
	if !ok {
		return zero, &NoHandlerError{Service: s.name, Type: t}
	}
	handler, ok := entry.(func(context.Context, Req) (Res, error))
	if !ok {
		slog.Error("Request handler response type mismatch",
			"service", s.name, "request_type", t.String())
		return zero, &NoHandlerError{Service: s.name, Type: t}
	}
	return handler(ctx, req)
}

// OpenStream dispatches a streaming request and returns its chunk and error
// channels. Res must name the handler's chunk type.
func OpenStream[Res, Req any](ctx context.Context, s *Service, req Req) (<-chan Res, <-chan error) {
	t := typeOf[Req]()
	entry, ok := s.streams[t]
	if !ok {
		return failedStream[Res](&NoHandlerError{Service: s.name, Type: t})
	}
	handler, ok := entry.(func(context.Context, Req) (<-chan Res, <-chan error))
	if !ok {
		slog.Error("Stream handler chunk type mismatch",
			"service", s.name, "request_type", t.String())
		return failedStream[Res](&NoHandlerError{Service: s.name, Type: t})
	}
	return handler(ctx, req)
}

func failedStream[Res any](err error) (<-chan Res, <-chan error) {
	chunks := make(chan Res)
	close(chunks)
	errs := make(chan error, 1)
	errs <- err
	close(errs)
	return chunks, errs
}
