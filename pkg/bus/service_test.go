package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetRequest struct{ Name string }

type greetedEvent struct{ Name string }

type auditEvent struct{ Seq int }

type fakeClock struct{ now time.Time }

type recordingResource struct {
	mu       *sync.Mutex
	released *[]string
	name     string
}

func (r *recordingResource) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.released = append(*r.released, r.name)
	return nil
}

func newTestService(t *testing.T) (*Service, *Dispatcher, *EventBus) {
	t.Helper()
	dispatcher := NewDispatcher(4)
	t.Cleanup(func() { _ = dispatcher.Teardown(time.Second) })
	eventBus := NewEventBus(dispatcher)
	svc := NewService("test").BindDispatcher(dispatcher).BindEventBus(eventBus)
	return svc, dispatcher, eventBus
}

func TestSendInvokesRegisteredHandler(t *testing.T) {
	svc, _, _ := newTestService(t)

	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		return "hello " + req.Name, nil
	})

	res, err := Send[string](context.Background(), svc, greetRequest{Name: "onyx"})
	require.NoError(t, err)
	assert.Equal(t, "hello onyx", res)
}

func TestSendWithoutHandlerFails(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := Send[string](context.Background(), svc, greetRequest{Name: "nobody"})
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "test", noHandler.Service)
}

func TestHandlerResolvesDependencies(t *testing.T) {
	svc, _, _ := newTestService(t)
	clock := &fakeClock{now: time.Unix(42, 0)}
	RegisterInstance(svc.Container(), clock)

	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (int64, error) {
		resolved, err := Resolve[*fakeClock](ctx, sc)
		if err != nil {
			return 0, err
		}
		return resolved.now.Unix(), nil
	})

	res, err := Send[int64](context.Background(), svc, greetRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res)
}

func TestMissingDependencyIsInvocationError(t *testing.T) {
	svc, _, _ := newTestService(t)

	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		_, err := Resolve[*fakeClock](ctx, sc)
		return "", err
	})

	_, err := Send[string](context.Background(), svc, greetRequest{})
	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
}

func TestScopedResourcesReleasedInReverseOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	var mu sync.Mutex
	var released []string

	RegisterFactory(svc.Container(), func(ctx context.Context) (*recordingResource, error) {
		return &recordingResource{mu: &mu, released: &released, name: "first"}, nil
	})

	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		if _, err := Resolve[*recordingResource](ctx, sc); err != nil {
			return "", err
		}
		return "", errors.New("handler exploded")
	})

	_, err := Send[string](context.Background(), svc, greetRequest{})
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, released, "resource must be released on the error path")
}

func TestEventsProcessedAfterHandlerCommits(t *testing.T) {
	svc, _, _ := newTestService(t)
	processed := make(chan greetedEvent, 1)
	handlerDone := make(chan struct{})

	HandleEvent(svc, func(ctx context.Context, event greetedEvent, sc *Scope) error {
		<-handlerDone // proves delivery happens after the producer returned
		processed <- event
		return nil
	})
	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		sc.Events().Publish(greetedEvent{Name: req.Name})
		return "ok", nil
	})

	_, err := Send[string](context.Background(), svc, greetRequest{Name: "onyx"})
	require.NoError(t, err)
	close(handlerDone)

	select {
	case event := <-processed:
		assert.Equal(t, "onyx", event.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("event was never processed")
	}
}

func TestEventsDeliveredAfterProducerContextCancelled(t *testing.T) {
	svc, _, _ := newTestService(t)
	processed := make(chan greetedEvent, 1)

	HandleEvent(svc, func(ctx context.Context, event greetedEvent, sc *Scope) error {
		processed <- event
		return nil
	})
	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		sc.Events().Publish(greetedEvent{Name: req.Name})
		return "ok", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Send[string](ctx, svc, greetRequest{Name: "onyx"})
	require.NoError(t, err)
	cancel()

	select {
	case event := <-processed:
		assert.Equal(t, "onyx", event.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("event was lost after the producer cancelled its context")
	}
}

func TestTeardownBoundedWhenTaskIgnoresContext(t *testing.T) {
	dispatcher := NewDispatcher(2)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	dispatcher.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	err := dispatcher.Teardown(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrTeardownTimeout)
	assert.Less(t, time.Since(start), 2*time.Second,
		"teardown must not wait forever for a task that never checks its context")
}

func TestTeardownCancelsStragglersThatObserveContext(t *testing.T) {
	dispatcher := NewDispatcher(2)
	observed := make(chan struct{}, 1)

	dispatcher.Schedule(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		observed <- struct{}{}
		return nil, ctx.Err()
	})

	err := dispatcher.Teardown(500 * time.Millisecond)
	require.ErrorIs(t, err, ErrTeardownTimeout)
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("straggler never saw the cancellation")
	}
}

func TestEventsDroppedWhenHandlerFails(t *testing.T) {
	svc, dispatcher, _ := newTestService(t)
	var mu sync.Mutex
	var seen []greetedEvent

	HandleEvent(svc, func(ctx context.Context, event greetedEvent, sc *Scope) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event)
		return nil
	})
	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		sc.Events().Publish(greetedEvent{Name: req.Name})
		return "", errors.New("boom")
	})

	_, err := Send[string](context.Background(), svc, greetRequest{Name: "dropped"})
	require.Error(t, err)

	require.NoError(t, dispatcher.Teardown(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen, "events from a failed handler must be discarded")
}

func TestEventsFromOneProducerDeliveredInPublishOrder(t *testing.T) {
	svc, dispatcher, _ := newTestService(t)
	var mu sync.Mutex
	var order []int

	HandleEvent(svc, func(ctx context.Context, event auditEvent, sc *Scope) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, event.Seq)
		return nil
	})
	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		for i := 0; i < 5; i++ {
			sc.Events().Publish(auditEvent{Seq: i})
		}
		return "ok", nil
	})

	_, err := Send[string](context.Background(), svc, greetRequest{})
	require.NoError(t, err)
	require.NoError(t, dispatcher.Teardown(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEventHandlerFailureDoesNotReachProducer(t *testing.T) {
	svc, dispatcher, _ := newTestService(t)

	HandleEvent(svc, func(ctx context.Context, event greetedEvent, sc *Scope) error {
		return errors.New("subscriber exploded")
	})
	HandleRequest(svc, func(ctx context.Context, req greetRequest, sc *Scope) (string, error) {
		sc.Events().Publish(greetedEvent{})
		return "ok", nil
	})

	res, err := Send[string](context.Background(), svc, greetRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	require.NoError(t, dispatcher.Teardown(time.Second))
}

func TestStreamHandlerEmitsInOrder(t *testing.T) {
	svc, _, _ := newTestService(t)

	HandleStream(svc, func(ctx context.Context, req greetRequest, sc *Scope, emit func(string) error) error {
		for _, word := range []string{"a", "b", "c"} {
			if err := emit(word); err != nil {
				return err
			}
		}
		return nil
	})

	chunks, errs := OpenStream[string](context.Background(), svc, greetRequest{})
	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestStreamHandlerErrorIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	wantErr := errors.New("stream broke")

	HandleStream(svc, func(ctx context.Context, req greetRequest, sc *Scope, emit func(string) error) error {
		if err := emit("partial"); err != nil {
			return err
		}
		return wantErr
	})

	chunks, errs := OpenStream[string](context.Background(), svc, greetRequest{})
	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	assert.Equal(t, []string{"partial"}, got)
	assert.ErrorIs(t, <-errs, wantErr)
}

func TestStreamEventsCommittedOnlyOnCompletion(t *testing.T) {
	svc, dispatcher, _ := newTestService(t)
	var mu sync.Mutex
	var seen int

	HandleEvent(svc, func(ctx context.Context, event greetedEvent, sc *Scope) error {
		mu.Lock()
		defer mu.Unlock()
		seen++
		return nil
	})
	HandleStream(svc, func(ctx context.Context, req greetRequest, sc *Scope, emit func(string) error) error {
		sc.Events().Publish(greetedEvent{})
		if req.Name == "fail" {
			return errors.New("no commit")
		}
		return nil
	})

	chunks, errs := OpenStream[string](context.Background(), svc, greetRequest{Name: "fail"})
	for range chunks {
	}
	require.Error(t, <-errs)

	chunks, errs = OpenStream[string](context.Background(), svc, greetRequest{Name: "ok"})
	for range chunks {
	}
	require.NoError(t, <-errs)

	require.NoError(t, dispatcher.Teardown(time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, seen)
}
