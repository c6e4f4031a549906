package trace

import (
	"context"
	"time"
)

// NoopTracer satisfies the Tracer contract with zero values. Used whenever
// tracing credentials are absent.
type NoopTracer struct{}

// NewNoopTracer returns the no-op tracer.
func NewNoopTracer() *NoopTracer { return &NoopTracer{} }

func (NoopTracer) Begin(ctx context.Context, userID, sessionID string) Handler {
	return noopHandler{}
}

func (NoopTracer) Score(ctx context.Context, score int, id, traceID, comment string) error {
	return nil
}

type noopHandler struct{}

func (noopHandler) TraceID() string                 { return "" }
func (noopHandler) TraceURL() string                { return "" }
func (noopHandler) StartGeneration(name string)     {}
func (noopHandler) MarkFirstToken()                 {}
func (noopHandler) EndGeneration(output string)     {}
func (noopHandler) TotalDuration() time.Duration    { return 0 }
func (noopHandler) TimeToFirstToken() time.Duration { return 0 }
func (noopHandler) Flush(ctx context.Context) error { return nil }
