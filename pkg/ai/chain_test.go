package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/trace"
)

// scriptedLLM replays one round of chunks per GenerateStream call and
// records what it was asked.
type scriptedLLM struct {
	rounds    [][]Chunk
	err       error
	calls     [][]Message
	toolSpecs [][]ToolSpec
	answers   []string
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, <-chan error) {
	s.calls = append(s.calls, messages)
	s.toolSpecs = append(s.toolSpecs, tools)
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		if len(s.rounds) == 0 {
			if s.err != nil {
				errs <- s.err
			}
			return
		}
		round := s.rounds[0]
		s.rounds = s.rounds[1:]
		for _, chunk := range round {
			chunks <- chunk
		}
		if len(s.rounds) == 0 && s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

func (s *scriptedLLM) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(s.answers) == 0 {
		return "", errors.New("no scripted answer")
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

type fixedEncoder struct {
	vector []float32
}

func (e fixedEncoder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = e.vector
	}
	return out, nil
}

type recordingTool struct {
	name      string
	result    string
	arguments []string
}

func (t *recordingTool) Name() string               { return t.name }
func (t *recordingTool) Description() string        { return "test tool" }
func (t *recordingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *recordingTool) Run(ctx context.Context, arguments string) string {
	t.arguments = append(t.arguments, arguments)
	return t.result
}

type staticToolProvider struct {
	tools []Tool
}

func (p staticToolProvider) ToolsFor(ctx context.Context, agent *models.AgentInfo) ([]Tool, error) {
	return p.tools, nil
}

func testAgent() *models.AgentInfo {
	return &models.AgentInfo{
		ID:           uuid.New(),
		Name:         "Atlas",
		Description:  "Answers questions about the knowledge base.",
		Instructions: "Be brief.",
	}
}

func testRequest(agent *models.AgentInfo) ChainRequest {
	return ChainRequest{
		Text:      "What changed last week?",
		Context:   models.ChatContext{UserID: uuid.New()},
		AgentInfo: agent,
	}
}

func collectStream(t *testing.T, events <-chan models.StreamEvent, errs <-chan error) ([]models.StreamEvent, error) {
	t.Helper()
	var collected []models.StreamEvent
	for event := range events {
		collected = append(collected, event)
	}
	return collected, <-errs
}

func TestStreamEmitsStepsContentAndTrace(t *testing.T) {
	llm := &scriptedLLM{rounds: [][]Chunk{{
		{Text: "Hello "},
		{Text: "world."},
	}}}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(), nil, Config{})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	collected, err := collectStream(t, events, errs)
	require.NoError(t, err)
	require.Len(t, collected, 5)

	assert.Equal(t, models.StepChunk(models.StepFetchData), collected[0])
	assert.Equal(t, models.StepChunk(models.StepGenerateAnswer), collected[1])
	assert.Equal(t, models.ContentChunk("Hello "), collected[2])
	assert.Equal(t, models.ContentChunk("world."), collected[3])
	_, ok := collected[4].(models.StreamingTrace)
	assert.True(t, ok, "final event should be the trace")
}

func TestStreamIncludesHistoryAndAgentPrompt(t *testing.T) {
	llm := &scriptedLLM{rounds: [][]Chunk{{{Text: "ok"}}}}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(), nil, Config{})

	req := testRequest(testAgent())
	req.ChatHistory = []models.ChatMessage{
		{Content: "hi", IsAIMessage: false},
		{Content: "hello", IsAIMessage: true},
	}
	events, errs := builder.Stream(context.Background(), req)
	_, err := collectStream(t, events, errs)
	require.NoError(t, err)

	require.Len(t, llm.calls, 1)
	messages := llm.calls[0]
	require.Len(t, messages, 4)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "Atlas")
	assert.Equal(t, RoleUser, messages[1].Role)
	assert.Equal(t, "hi", messages[1].Content)
	assert.Equal(t, RoleAssistant, messages[2].Role)
	assert.Equal(t, "hello", messages[2].Content)
	assert.Equal(t, RoleUser, messages[3].Role)
	assert.Equal(t, req.Text, messages[3].Content)
}

func TestStreamExecutesToolCallsThenAnswers(t *testing.T) {
	llm := &scriptedLLM{rounds: [][]Chunk{
		{{ToolCalls: []ToolCall{{
			ID:        "call_1",
			Name:      "query_sales",
			Arguments: `{"query":"select 1"}`,
		}}}},
		{{Text: "The answer is 1."}},
	}}
	tool := &recordingTool{name: "query_sales", result: "1"}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(),
		staticToolProvider{tools: []Tool{tool}}, Config{})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	collected, err := collectStream(t, events, errs)
	require.NoError(t, err)

	require.Equal(t, []string{`{"query":"select 1"}`}, tool.arguments)

	var text string
	for _, event := range collected {
		if chunk, ok := event.(models.StreamingChunk); ok {
			text += chunk.Text
		}
	}
	assert.Equal(t, "The answer is 1.", text)

	// Second round carries the assistant tool call and the tool result.
	require.Len(t, llm.calls, 2)
	second := llm.calls[1]
	assert.Equal(t, RoleAssistant, second[len(second)-2].Role)
	require.Equal(t, RoleTool, second[len(second)-1].Role)
	assert.Equal(t, "1", second[len(second)-1].Content)
	assert.Equal(t, "call_1", second[len(second)-1].ToolCallID)
}

func TestStreamStopsOfferingToolsAtDepthCap(t *testing.T) {
	call := Chunk{ToolCalls: []ToolCall{{
		ID: "c", Name: "query_sales", Arguments: `{"query":"select 1"}`,
	}}}
	llm := &scriptedLLM{rounds: [][]Chunk{
		{call}, {call}, {{Text: "done"}},
	}}
	tool := &recordingTool{name: "query_sales", result: "row"}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(),
		staticToolProvider{tools: []Tool{tool}}, Config{MaxToolDepth: 2})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	_, err := collectStream(t, events, errs)
	require.NoError(t, err)

	require.Len(t, llm.calls, 3)
	assert.NotEmpty(t, llm.toolSpecs[0])
	assert.NotEmpty(t, llm.toolSpecs[1])
	assert.Empty(t, llm.toolSpecs[2], "final round must not offer tools")
	assert.Len(t, tool.arguments, 2)
}

func TestStreamAnswersCallsPastDepthCapWithoutExecuting(t *testing.T) {
	call := Chunk{ToolCalls: []ToolCall{{
		ID: "c", Name: "query_sales", Arguments: `{"query":"select 1"}`,
	}}}
	llm := &scriptedLLM{rounds: [][]Chunk{
		{call}, {call}, {{Text: "done"}},
	}}
	tool := &recordingTool{name: "query_sales", result: "row"}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(),
		staticToolProvider{tools: []Tool{tool}}, Config{MaxToolDepth: 1})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	_, err := collectStream(t, events, errs)
	require.NoError(t, err)

	assert.Len(t, tool.arguments, 1, "only the in-budget call runs")
	require.Len(t, llm.calls, 3)
	third := llm.calls[2]
	last := third[len(third)-1]
	require.Equal(t, RoleTool, last.Role)
	assert.Contains(t, last.Content, "was not executed")
	assert.Contains(t, last.Content, "depth limit")
	assert.Equal(t, "c", last.ToolCallID)
}

func TestStreamFailsWhenModelKeepsCallingPastDepthCap(t *testing.T) {
	call := Chunk{ToolCalls: []ToolCall{{
		ID: "c", Name: "query_sales", Arguments: `{}`,
	}}}
	llm := &scriptedLLM{rounds: [][]Chunk{
		{call}, {call}, {call},
	}}
	tool := &recordingTool{name: "query_sales", result: "row"}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(),
		staticToolProvider{tools: []Tool{tool}}, Config{MaxToolDepth: 1})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	_, err := collectStream(t, events, errs)
	require.ErrorContains(t, err, "depth limit")
	assert.Len(t, tool.arguments, 1)
}

func TestStreamRunsToolFanOutOnDispatcher(t *testing.T) {
	dispatcher := bus.NewDispatcher(2)
	t.Cleanup(func() { _ = dispatcher.Teardown(time.Second) })

	llm := &scriptedLLM{rounds: [][]Chunk{
		{{ToolCalls: []ToolCall{
			{ID: "c1", Name: "first", Arguments: `{}`},
			{ID: "c2", Name: "second", Arguments: `{}`},
		}}},
		{{Text: "done"}},
	}}
	first := &recordingTool{name: "first", result: "r1"}
	second := &recordingTool{name: "second", result: "r2"}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(),
		staticToolProvider{tools: []Tool{first, second}}, Config{}).
		WithDispatcher(dispatcher)

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	_, err := collectStream(t, events, errs)
	require.NoError(t, err)

	assert.Len(t, first.arguments, 1)
	assert.Len(t, second.arguments, 1)
	require.Len(t, llm.calls, 2)
	round := llm.calls[1]
	require.GreaterOrEqual(t, len(round), 2)
	assert.Equal(t, "r1", round[len(round)-2].Content, "results keep call order")
	assert.Equal(t, "r2", round[len(round)-1].Content)
	assert.Equal(t, "c2", round[len(round)-1].ToolCallID)
}

func TestStreamPropagatesLLMFailure(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("model unavailable")}
	builder := NewBuilder(llm, fixedEncoder{}, nil, trace.NewNoopTracer(), nil, Config{})

	events, errs := builder.Stream(context.Background(), testRequest(testAgent()))
	_, err := collectStream(t, events, errs)
	require.ErrorContains(t, err, "model unavailable")
}

func TestPredictorRenumbersCitationsAcrossChunks(t *testing.T) {
	marker := NewCitationMarker()
	marker.Assign(models.CitationSource{Label: "doc-a"})
	marker.Assign(models.CitationSource{Label: "doc-b"})
	marker.Assign(models.CitationSource{Label: "doc-c"})

	// Marks split across chunk boundaries; first citation is marker 3.
	llm := &scriptedLLM{rounds: [][]Chunk{{
		{Text: "Per :s"},
		{Text: "[3], also :s[1]"},
		{Text: ", and :s[3] again."},
	}}}
	predictor := &streamPredictor{
		llm:      llm,
		registry: NewToolRegistry(),
		maxDepth: 1,
		handler:  trace.NewNoopTracer().Begin(context.Background(), "u", "s"),
	}

	var text string
	var sources []models.CitationSource
	emit := func(event models.StreamEvent) error {
		chunk := event.(models.StreamingChunk)
		text += chunk.Text
		sources = append(sources, chunk.Sources...)
		return nil
	}
	full, err := predictor.predict(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, NewCitationStream(marker), emit)
	require.NoError(t, err)

	assert.Equal(t, "Per :s[1], also :s[2], and :s[1] again.", full)
	assert.Equal(t, full, text)
	require.Len(t, sources, 3)
	assert.Equal(t, "doc-a", sources[1].Label)
	assert.Equal(t, "doc-c", sources[0].Label)
	assert.Equal(t, []int{1, 2, 1},
		[]int{sources[0].Number, sources[1].Number, sources[2].Number})
}

func TestPredictorFlushesTrailingPartialMark(t *testing.T) {
	marker := NewCitationMarker()
	marker.Assign(models.CitationSource{Label: "doc-a"})

	llm := &scriptedLLM{rounds: [][]Chunk{{
		{Text: "See :s[1"},
	}}}
	predictor := &streamPredictor{
		llm:      llm,
		registry: NewToolRegistry(),
		maxDepth: 1,
		handler:  trace.NewNoopTracer().Begin(context.Background(), "u", "s"),
	}

	var text string
	emit := func(event models.StreamEvent) error {
		text += event.(models.StreamingChunk).Text
		return nil
	}
	full, err := predictor.predict(context.Background(),
		[]Message{{Role: RoleUser, Content: "q"}}, NewCitationStream(marker), emit)
	require.NoError(t, err)
	assert.Equal(t, "See :s[1", full)
	assert.Equal(t, full, text)
}
