package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrSinkFaulted is returned by Write after a sink failed; the producer
// should stop instead of queueing more work.
var ErrSinkFaulted = errors.New("sink has faulted")

// ErrDrainTimeout is returned when a sink's queue did not empty within the
// drain timeout on stop.
var ErrDrainTimeout = errors.New("sink drain timed out")

// Sink consumes record batches for one stream.
type Sink interface {
	Name() string
	// CreateTarget prepares the sink's schema or target for the stream.
	// It must be idempotent across runs.
	CreateTarget(ctx context.Context, sc StreamContext) error
	// Write materializes one batch. Called from the sink's drain worker,
	// never concurrently for the same stream.
	Write(ctx context.Context, sc StreamContext, batch []Record) error
}

// drain pumps one sink from a bounded FIFO queue so slow sinks backpressure
// the producer instead of buffering unboundedly.
type drain struct {
	sink    Sink
	sc      StreamContext
	queue   chan []Record
	done    chan struct{}
	cancel  context.CancelFunc
	faulted atomic.Bool
	err     error
}

// startDrain creates the target and starts the worker. queueSize bounds how
// many batches may be in flight.
func startDrain(ctx context.Context, sink Sink, sc StreamContext, queueSize int) (*drain, error) {
	if err := sink.CreateTarget(ctx, sc); err != nil {
		return nil, fmt.Errorf("sink %s failed to create target for stream %s: %w",
			sink.Name(), sc.Name, err)
	}
	workerCtx, cancel := context.WithCancel(ctx)
	d := &drain{
		sink:   sink,
		sc:     sc,
		queue:  make(chan []Record, queueSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go d.run(workerCtx)
	return d, nil
}

func (d *drain) run(ctx context.Context) {
	defer close(d.done)
	for batch := range d.queue {
		if d.faulted.Load() {
			continue
		}
		if err := d.sink.Write(ctx, d.sc, batch); err != nil {
			slog.Error("Sink write failed",
				"sink", d.sink.Name(), "stream", d.sc.Name, "error", err)
			d.err = err
			d.faulted.Store(true)
		}
	}
}

// Write enqueues one batch. Fails fast once the sink has faulted or the run
// is cancelled.
func (d *drain) Write(ctx context.Context, batch []Record) error {
	if d.faulted.Load() {
		return fmt.Errorf("%w: %s", ErrSinkFaulted, d.sink.Name())
	}
	select {
	case d.queue <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queue as the sentinel and waits for the worker to drain,
// up to timeout. A timeout cancels the worker and drops pending batches.
func (d *drain) Stop(timeout time.Duration) error {
	close(d.queue)
	select {
	case <-d.done:
	case <-time.After(timeout):
		d.cancel()
		<-d.done
		if d.err == nil {
			d.err = fmt.Errorf("%w: %s", ErrDrainTimeout, d.sink.Name())
		}
	}
	d.cancel()
	return d.err
}

// Abort marks the sink faulted and cancels in-flight writes. Used when a
// sibling sink failed; the caller still calls Stop to reap the worker.
func (d *drain) Abort() {
	d.faulted.Store(true)
	d.cancel()
}
