package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work run on the dispatcher.
type Task func(ctx context.Context) (any, error)

// Future is the pending result of a dispatched task.
type Future struct {
	done   chan struct{}
	value  any
	err    error
	cancel context.CancelFunc
}

// Await blocks until the task finishes or ctx is cancelled.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cooperative cancellation of the underlying task.
func (f *Future) Cancel() { f.cancel() }

// Dispatcher decouples the caller from handler execution. A bounded pool of
// goroutines services tasks; scheduled tasks are tracked so teardown can
// await them up to a timeout and cancel the rest.
type Dispatcher struct {
	slots chan struct{}

	mu        sync.Mutex
	scheduled map[*Future]struct{}
	closed    bool
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given worker bound.
func NewDispatcher(poolSize int) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 8
	}
	return &Dispatcher{
		slots:     make(chan struct{}, poolSize),
		scheduled: make(map[*Future]struct{}),
	}
}

// Dispatch runs task on the pool and returns a future of its result. The
// task receives a context derived from ctx that teardown can cancel.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) *Future {
	taskCtx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		f.err = ErrClosed
		cancel()
		close(f.done)
		return f
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		select {
		case d.slots <- struct{}{}:
			defer func() { <-d.slots }()
		case <-taskCtx.Done():
			f.err = taskCtx.Err()
			close(f.done)
			return
		}
		f.value, f.err = task(taskCtx)
		close(f.done)
	}()
	return f
}

// Schedule dispatches task and registers the future for teardown. Failures
// are logged, never raised to the caller.
func (d *Dispatcher) Schedule(ctx context.Context, task Task) {
	f := d.Dispatch(ctx, task)

	d.mu.Lock()
	d.scheduled[f] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-f.done
		if f.err != nil && f.err != context.Canceled {
			slog.Error("Scheduled task failed", "error", f.err)
		}
		d.mu.Lock()
		delete(d.scheduled, f)
		d.mu.Unlock()
	}()
}

// Map dispatches every task in parallel, awaits them all, and returns the
// results in input order. The first error cancels the remaining tasks.
func (d *Dispatcher) Map(ctx context.Context, tasks []Task) ([]any, error) {
	results := make([]any, len(tasks))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i := i
		future := d.Dispatch(groupCtx, task)
		group.Go(func() error {
			value, err := future.Await(groupCtx)
			if err != nil {
				return err
			}
			results[i] = value
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Teardown awaits all scheduled futures up to timeout, then cancels the
// stragglers. After teardown the dispatcher rejects new work. The whole
// call is bounded by timeout: a task that ignores its context is abandoned
// rather than awaited forever.
func (d *Dispatcher) Teardown(timeout time.Duration) error {
	d.mu.Lock()
	d.closed = true
	pending := make([]*Future, 0, len(d.scheduled))
	for f := range d.scheduled {
		pending = append(pending, f)
	}
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)

	var timedOut bool
	for _, f := range pending {
		wait := time.NewTimer(time.Until(deadline))
		select {
		case <-f.done:
			wait.Stop()
		case <-wait.C:
			timedOut = true
		}
		if timedOut {
			break
		}
	}
	if timedOut {
		slog.Warn("Dispatcher teardown timed out, cancelling outstanding work", "pending", len(pending))
		for _, f := range pending {
			f.Cancel()
		}
	}

	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	// Cancelled tasks get the rest of the deadline to observe their context.
	grace := time.NewTimer(time.Until(deadline))
	defer grace.Stop()
	select {
	case <-finished:
	case <-grace.C:
		slog.Warn("Dispatcher teardown abandoning unresponsive tasks")
		timedOut = true
	}
	if timedOut {
		return ErrTeardownTimeout
	}
	return nil
}
