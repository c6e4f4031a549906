package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/onyx-hq/onyx/pkg/models"
)

// Stream is one record stream of a source as the controller sees it:
// a context describing its schema and a drip loop yielding record batches
// for the requested interval.
type Stream interface {
	Name() string
	Context(identity Identity, interval models.Interval, batchSize int) StreamContext
	Drip(ctx context.Context, sc StreamContext, yield func(batch []Record) error) error
}

// Source opens an authenticated session and lists its streams. Close
// releases the session; the controller guarantees it runs.
type Source interface {
	Open(ctx context.Context) ([]Stream, error)
	Close() error
}

// Pager is the five-primitive paging contract concrete streams implement.
// Cursors are opaque to the drip loop; an empty cursor ends the stream.
type Pager[Req, Resp any] interface {
	RequestFactory(sc StreamContext) Req
	Retrieve(ctx context.Context, req Req) (Resp, error)
	ExtractRecords(ctx context.Context, resp Resp) ([]Record, error)
	ExtractCursor(resp Resp) string
	MergeCursor(req Req, cursor string) Req
}

// Drip drives the paging loop: form a request, retrieve one page, yield its
// records, then advance the cursor. Stops on an empty page or missing
// cursor.
func Drip[Req, Resp any](ctx context.Context, pager Pager[Req, Resp], sc StreamContext, yield func(batch []Record) error) error {
	req := pager.RequestFactory(sc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := pager.Retrieve(ctx, req)
		if err != nil {
			return err
		}
		records, err := pager.ExtractRecords(ctx, resp)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		if err := yield(records); err != nil {
			return err
		}
		cursor := pager.ExtractCursor(resp)
		if cursor == "" {
			return nil
		}
		req = pager.MergeCursor(req, cursor)
	}
}

// RetryBatch retries fn with exponential backoff up to attempts tries.
// Streams use it around batch fetches so transient provider failures do not
// fail the run.
func RetryBatch(ctx context.Context, attempts uint64, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0
	return backoff.Retry(fn,
		backoff.WithContext(backoff.WithMaxRetries(policy, attempts-1), ctx))
}
