// Package trace records chat generations in an observability backend and
// forwards user feedback scores to it. A no-op implementation keeps the
// chat path working when tracing is not configured.
package trace

import (
	"context"
	"time"
)

// Tracer opens trace handlers and records feedback scores.
type Tracer interface {
	// Begin opens a trace for one chat turn.
	Begin(ctx context.Context, userID, sessionID string) Handler

	// Score upserts a feedback score keyed by (id, traceID). A score of
	// zero deletes it.
	Score(ctx context.Context, score int, id, traceID, comment string) error
}

// Handler is one live trace. The chat path marks the generation phase and
// its first streamed token; both feed the reported latencies.
type Handler interface {
	TraceID() string
	TraceURL() string

	// StartGeneration marks the beginning of the answer-building phase.
	StartGeneration(name string)

	// MarkFirstToken records the first streamed token of the generation.
	MarkFirstToken()

	// EndGeneration closes the answer-building phase with its output.
	EndGeneration(output string)

	// TotalDuration is the elapsed time since the trace began.
	TotalDuration() time.Duration

	// TimeToFirstToken is the wait before generation start plus the
	// generation's own first-token latency.
	TimeToFirstToken() time.Duration

	// Flush delivers buffered trace events to the backend.
	Flush(ctx context.Context) error
}
