package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onyx-hq/onyx/pkg/models"
)

// Config tunes one controller.
type Config struct {
	BatchSize             int
	QueueSize             int
	DrainTimeout          time.Duration
	DefaultBeginningDelta time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 8
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 2 * time.Minute
	}
	if c.DefaultBeginningDelta <= 0 {
		c.DefaultBeginningDelta = 30 * 24 * time.Hour
	}
	return c
}

// Controller orchestrates one ingest run: derive the interval, open the
// source, drip every stream into the sinks in parallel, commit bookmarks
// per drained stream, and record the outcome.
type Controller struct {
	state StateStore
	sinks []Sink
	cfg   Config
	now   func() time.Time
}

// NewController wires the controller. Sinks apply to every stream of every
// run.
func NewController(state StateStore, sinks []Sink, cfg Config) *Controller {
	return &Controller{
		state: state,
		sinks: sinks,
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Ingest runs one sync for the requested integration. Committed intervals
// survive failures; uncommitted batches are re-fetched on the next run.
func (c *Controller) Ingest(ctx context.Context, source Source, req Request) error {
	state, err := c.state.BeginSync(ctx, req.Identity.DatasourceID)
	if err != nil {
		return err
	}
	interval := c.deriveInterval(req, state)
	slog.Info("Starting ingest run",
		"slug", req.Identity.Slug,
		"datasource_id", req.Identity.DatasourceID,
		"interval_start", interval.Start,
		"interval_end", interval.End)

	runErr := c.run(ctx, source, req, interval)
	// The terminal state must land even when the run context died, or the
	// syncing lock is never cleared.
	final := context.WithoutCancel(ctx)
	if err := c.state.Finalize(final, req.Identity.DatasourceID, interval.End, runErr); err != nil {
		slog.Error("Failed to finalize ingest state",
			"datasource_id", req.Identity.DatasourceID, "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// deriveInterval picks the run interval: an explicit request wins, then the
// last successful bookmark, then now minus the default beginning delta.
func (c *Controller) deriveInterval(req Request, state *models.IngestState) models.Interval {
	if req.RequestInterval != nil {
		return *req.RequestInterval
	}
	now := c.now().Unix()
	delta := req.DefaultBeginningDelta
	if delta <= 0 {
		delta = c.cfg.DefaultBeginningDelta
	}
	start := now - int64(delta.Seconds())
	if state.LastSuccessBookmark != nil {
		start = *state.LastSuccessBookmark
	}
	return models.Interval{Start: start, End: now}
}

func (c *Controller) run(ctx context.Context, source Source, req Request, interval models.Interval) error {
	streams, err := source.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			slog.Error("Failed to close source", "slug", req.Identity.Slug, "error", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, stream := range streams {
		stream := stream
		group.Go(func() error {
			return c.runStream(groupCtx, stream, req.Identity, interval)
		})
	}
	return group.Wait()
}

// runStream drips one stream into all sinks and commits its bookmark once
// every sink has drained.
func (c *Controller) runStream(ctx context.Context, stream Stream, identity Identity, interval models.Interval) error {
	sc := stream.Context(identity, interval, c.cfg.BatchSize)

	drains := make([]*drain, 0, len(c.sinks))
	for _, sink := range c.sinks {
		d, err := startDrain(ctx, sink, sc, c.cfg.QueueSize)
		if err != nil {
			for _, started := range drains {
				started.Abort()
				_ = started.Stop(c.cfg.DrainTimeout)
			}
			return err
		}
		drains = append(drains, d)
	}

	dripErr := stream.Drip(ctx, sc, func(batch []Record) error {
		for _, d := range drains {
			if err := d.Write(ctx, batch); err != nil {
				return err
			}
		}
		return nil
	})
	if dripErr != nil {
		for _, d := range drains {
			d.Abort()
		}
	}
	var drainErr error
	for _, d := range drains {
		if err := d.Stop(c.cfg.DrainTimeout); err != nil && drainErr == nil {
			drainErr = err
		}
	}
	if dripErr != nil {
		return fmt.Errorf("stream %s failed: %w", sc.Name, dripErr)
	}
	if drainErr != nil {
		return fmt.Errorf("stream %s failed: %w", sc.Name, drainErr)
	}

	err := c.state.CommitInterval(ctx, identity.DatasourceID, sc.Name, interval)
	if err != nil {
		return fmt.Errorf("failed to commit bookmark for stream %s: %w", sc.Name, err)
	}
	slog.Info("Stream drained", "stream", sc.Name,
		"interval_start", interval.Start, "interval_end", interval.End)
	return nil
}
