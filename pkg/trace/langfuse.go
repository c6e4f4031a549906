package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const ingestTimeout = 10 * time.Second

// Config holds the tracing backend credentials.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// Enabled reports whether credentials are present.
func (c Config) Enabled() bool {
	return c.Host != "" && c.PublicKey != "" && c.SecretKey != ""
}

// LangfuseTracer ships traces to a Langfuse-compatible ingestion API.
type LangfuseTracer struct {
	cfg  Config
	http *http.Client
}

// NewTracer returns the HTTP tracer when cfg carries credentials and the
// no-op tracer otherwise.
func NewTracer(cfg Config) Tracer {
	if !cfg.Enabled() {
		return NewNoopTracer()
	}
	return &LangfuseTracer{
		cfg:  cfg,
		http: &http.Client{Timeout: ingestTimeout},
	}
}

func (t *LangfuseTracer) Begin(ctx context.Context, userID, sessionID string) Handler {
	traceID := uuid.NewString()
	return &langfuseHandler{
		tracer:    t,
		traceID:   traceID,
		userID:    userID,
		sessionID: sessionID,
		started:   time.Now(),
	}
}

// Score upserts a feedback score; score 0 deletes it.
func (t *LangfuseTracer) Score(ctx context.Context, score int, id, traceID, comment string) error {
	if traceID == "" {
		return nil
	}
	if score == 0 {
		return t.request(ctx, http.MethodDelete, "/api/public/scores/"+id, nil)
	}
	payload := map[string]any{
		"id":      id,
		"traceId": traceID,
		"name":    "user-feedback",
		"value":   score,
		"comment": comment,
	}
	return t.request(ctx, http.MethodPost, "/api/public/scores", payload)
}

func (t *LangfuseTracer) request(ctx context.Context, method, path string, payload any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to serialize trace payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.cfg.Host, "/")+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(t.cfg.PublicKey, t.cfg.SecretKey)
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("trace request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("trace backend returned %d: %s", resp.StatusCode, string(detail))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type langfuseHandler struct {
	tracer    *LangfuseTracer
	traceID   string
	userID    string
	sessionID string
	started   time.Time

	mu              sync.Mutex
	generationName  string
	generationStart time.Time
	firstToken      time.Time
	output          string
	generationEnd   time.Time
}

func (h *langfuseHandler) TraceID() string { return h.traceID }

func (h *langfuseHandler) TraceURL() string {
	return fmt.Sprintf("%s/trace/%s", strings.TrimRight(h.tracer.cfg.Host, "/"), h.traceID)
}

func (h *langfuseHandler) StartGeneration(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.generationName = name
	h.generationStart = time.Now()
}

func (h *langfuseHandler) MarkFirstToken() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstToken.IsZero() {
		h.firstToken = time.Now()
	}
}

func (h *langfuseHandler) EndGeneration(output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.output = output
	h.generationEnd = time.Now()
}

func (h *langfuseHandler) TotalDuration() time.Duration {
	return time.Since(h.started)
}

// TimeToFirstToken is the wait before the answer builder started plus the
// builder's own first-token latency.
func (h *langfuseHandler) TimeToFirstToken() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.generationStart.IsZero() || h.firstToken.IsZero() {
		return 0
	}
	waited := h.generationStart.Sub(h.started)
	latency := h.firstToken.Sub(h.generationStart)
	return waited + latency
}

// Flush ships the trace and its generation span in one ingestion batch.
func (h *langfuseHandler) Flush(ctx context.Context) error {
	h.mu.Lock()
	events := []map[string]any{
		{
			"id":        uuid.NewString(),
			"type":      "trace-create",
			"timestamp": h.started.UTC().Format(time.RFC3339Nano),
			"body": map[string]any{
				"id":        h.traceID,
				"userId":    h.userID,
				"sessionId": h.sessionID,
				"timestamp": h.started.UTC().Format(time.RFC3339Nano),
			},
		},
	}
	if !h.generationStart.IsZero() {
		body := map[string]any{
			"id":        uuid.NewString(),
			"traceId":   h.traceID,
			"name":      h.generationName,
			"startTime": h.generationStart.UTC().Format(time.RFC3339Nano),
			"output":    h.output,
		}
		if !h.generationEnd.IsZero() {
			body["endTime"] = h.generationEnd.UTC().Format(time.RFC3339Nano)
		}
		if !h.firstToken.IsZero() {
			body["completionStartTime"] = h.firstToken.UTC().Format(time.RFC3339Nano)
		}
		events = append(events, map[string]any{
			"id":        uuid.NewString(),
			"type":      "generation-create",
			"timestamp": h.generationStart.UTC().Format(time.RFC3339Nano),
			"body":      body,
		})
	}
	h.mu.Unlock()

	err := h.tracer.request(ctx, http.MethodPost, "/api/public/ingestion",
		map[string]any{"batch": events})
	if err != nil {
		slog.Error("Failed to flush trace", "trace_id", h.traceID, "error", err)
	}
	return err
}
