package ai

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/models"
	"github.com/onyx-hq/onyx/pkg/trace"
	"github.com/onyx-hq/onyx/pkg/vector"
)

// ChainRequest carries one chat turn into the agent chain.
type ChainRequest struct {
	Text             string
	Context          models.ChatContext
	ChatHistory      []models.ChatMessage
	AgentInfo        *models.AgentInfo
	CiteSources      bool
	TracingSessionID string
}

// ToolProvider supplies the tools available to an agent, e.g. one SQL tool
// per warehouse connection.
type ToolProvider interface {
	ToolsFor(ctx context.Context, agent *models.AgentInfo) ([]Tool, error)
}

// Config tunes the chain.
type Config struct {
	TopK         int
	SelfQuery    bool
	MaxToolDepth int
}

// Builder composes retrieval, the citation engine, tools, and the
// streaming predictor into the chain the chat service consumes.
type Builder struct {
	llm        LLMClient
	encoder    Encoder
	store      *vector.Client
	tracer     trace.Tracer
	tools      ToolProvider
	searcher   WebSearcher
	dispatcher *bus.Dispatcher
	cfg        Config
}

// NewBuilder wires the chain dependencies. tools may be nil.
func NewBuilder(llm LLMClient, encoder Encoder, store *vector.Client, tracer trace.Tracer, tools ToolProvider, cfg Config) *Builder {
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = 3
	}
	if tracer == nil {
		tracer = trace.NewNoopTracer()
	}
	return &Builder{llm: llm, encoder: encoder, store: store, tracer: tracer, tools: tools, cfg: cfg}
}

// WithWebSearch makes web search the retrieval fallback for agents that
// have no data sources of their own.
func (b *Builder) WithWebSearch(searcher WebSearcher) *Builder {
	b.searcher = searcher
	return b
}

// WithDispatcher runs tool fan-out on the shared dispatcher instead of an
// ad-hoc goroutine group.
func (b *Builder) WithDispatcher(d *bus.Dispatcher) *Builder {
	b.dispatcher = d
	return b
}

// Stream runs the chain for one request. The event channel carries
// StreamingChunk values in model order and one final StreamingTrace; the
// error channel delivers at most one terminal error.
func (b *Builder) Stream(ctx context.Context, req ChainRequest) (<-chan models.StreamEvent, <-chan error) {
	events := make(chan models.StreamEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(events)
		if err := b.run(ctx, req, events); err != nil {
			errs <- err
		}
	}()
	return events, errs
}

func (b *Builder) run(ctx context.Context, req ChainRequest, events chan<- models.StreamEvent) error {
	handler := b.tracer.Begin(ctx, req.Context.UserID.String(), req.TracingSessionID)
	defer func() { _ = handler.Flush(ctx) }()

	marker := NewCitationMarker()

	emit := func(event models.StreamEvent) error {
		select {
		case events <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := emit(models.StepChunk(models.StepFetchData)); err != nil {
		return err
	}
	relevantInformation, err := b.fetchRelevantInformation(ctx, req, marker)
	if err != nil {
		return err
	}

	registry := NewToolRegistry()
	if b.tools != nil {
		tools, err := b.tools.ToolsFor(ctx, req.AgentInfo)
		if err != nil {
			return err
		}
		for _, tool := range tools {
			if err := registry.Register(tool); err != nil {
				return err
			}
		}
	}

	messages := b.buildMessages(req, relevantInformation)

	handler.StartGeneration("answer")
	if err := emit(models.StepChunk(models.StepGenerateAnswer)); err != nil {
		return err
	}

	predictor := &streamPredictor{
		llm:        b.llm,
		registry:   registry,
		maxDepth:   b.cfg.MaxToolDepth,
		handler:    handler,
		dispatcher: b.dispatcher,
	}
	var citations *CitationStream
	if req.CiteSources {
		citations = NewCitationStream(marker)
	}
	fullText, err := predictor.predict(ctx, messages, citations, emit)
	if err != nil {
		return err
	}
	handler.EndGeneration(fullText)

	return emit(models.StreamingTrace{
		TraceID:          handler.TraceID(),
		TraceURL:         handler.TraceURL(),
		TotalDuration:    handler.TotalDuration().Seconds(),
		TimeToFirstToken: handler.TimeToFirstToken().Seconds(),
	})
}

// fetchRelevantInformation retrieves documents for the turn and formats
// them as the prompt context. Retrieved documents are registered with the
// marker so the model's citations can be resolved.
func (b *Builder) fetchRelevantInformation(ctx context.Context, req ChainRequest, marker *CitationMarker) (string, error) {
	var retriever Retriever = NewHybridRetriever(b.store, b.encoder, b.llm,
		req.AgentInfo.GroupNames(), b.cfg.TopK, b.cfg.SelfQuery)
	if len(req.AgentInfo.GroupNames()) == 0 && b.searcher != nil {
		retriever = NewWebRetriever(b.searcher)
	}
	hits, err := retriever.Retrieve(ctx, []string{req.Text})
	if err != nil {
		return "", fmt.Errorf("retrieval failed: %w", err)
	}
	if len(hits) == 0 {
		return "", nil
	}
	blocks := make([]string, 0, len(hits))
	for _, hit := range hits {
		source := models.CitationSource{
			Label:   hit.Title,
			Content: hit.Content,
			Type:    "document",
			URL:     hit.Metadata["url"],
		}
		header := ""
		if req.CiteSources {
			number := marker.Assign(source)
			header = marker.Token(number) + ": "
		}
		header += formatHitMetadata(hit)
		blocks = append(blocks, fmt.Sprintf("%s\n```%s```", header, hit.Content))
	}
	return strings.Join(blocks, "\n---\n"), nil
}

func formatHitMetadata(hit vector.Hit) string {
	parts := make([]string, 0, len(hit.Metadata))
	for _, key := range []string{"title", "url", "from_email"} {
		if value, ok := hit.Metadata[key]; ok && value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	return strings.Join(parts, " ")
}

const agentSignature = `You are %s.
%s

Instructions:
%s

Knowledge:
%s

Use the relevant information below to answer. When citing a document,
reference it with its citation token exactly as given.

Relevant information:
%s`

// buildMessages serializes the agent block, training prompts, chat
// history, and the user's message into the LLM conversation.
func (b *Builder) buildMessages(req ChainRequest, relevantInformation string) []Message {
	agent := req.AgentInfo
	system := fmt.Sprintf(agentSignature,
		agent.Name, agent.Description, agent.Instructions, agent.Knowledge,
		relevantInformation)

	messages := []Message{{Role: RoleSystem, Content: system}}
	for _, prompt := range agent.TrainingPrompts {
		if prompt.Message == "" {
			continue
		}
		messages = append(messages, Message{Role: RoleSystem,
			Content: "Training hint: " + prompt.Message})
	}
	for _, turn := range req.ChatHistory {
		role := RoleUser
		if turn.IsAIMessage {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: turn.Content})
	}
	return append(messages, Message{Role: RoleUser, Content: req.Text})
}

// streamPredictor drives the streaming LLM call, feeding text through the
// citation stream and executing tool calls up to the depth cap.
type streamPredictor struct {
	llm        LLMClient
	registry   *ToolRegistry
	maxDepth   int
	handler    trace.Handler
	dispatcher *bus.Dispatcher
}

func (p *streamPredictor) predict(ctx context.Context, messages []Message, citations *CitationStream, emit func(models.StreamEvent) error) (string, error) {
	text, err := p.generate(ctx, messages, 0, citations, emit)
	if err != nil {
		return "", err
	}
	if citations != nil {
		if trailing := citations.Flush(); trailing != "" {
			if err := emit(models.ContentChunk(trailing)); err != nil {
				return "", err
			}
			text += trailing
		}
	}
	return text, nil
}

func (p *streamPredictor) generate(ctx context.Context, messages []Message, depth int, citations *CitationStream, emit func(models.StreamEvent) error) (string, error) {
	tools := p.registry.Specs()
	if depth >= p.maxDepth {
		// Out of tool budget; force a plain-text answer.
		tools = nil
	}
	chunks, errs := p.llm.GenerateStream(ctx, messages, tools)

	var full strings.Builder
	var toolCalls []ToolCall
	for chunk := range chunks {
		if len(chunk.ToolCalls) > 0 {
			toolCalls = append(toolCalls, chunk.ToolCalls...)
			continue
		}
		if chunk.Text == "" {
			continue
		}
		p.handler.MarkFirstToken()
		if citations == nil {
			full.WriteString(chunk.Text)
			if err := emit(models.ContentChunk(chunk.Text)); err != nil {
				return "", err
			}
			continue
		}
		text, sources := citations.Feed(chunk.Text)
		full.WriteString(text)
		if text == "" && len(sources) == 0 {
			continue
		}
		if err := emit(models.SourcedChunk(text, sources)); err != nil {
			return "", err
		}
	}
	if err := <-errs; err != nil {
		return "", err
	}

	if len(toolCalls) == 0 {
		return full.String(), nil
	}
	if depth > p.maxDepth {
		return "", fmt.Errorf("model kept requesting tools beyond the depth limit (%d)", p.maxDepth)
	}

	var results []string
	if depth == p.maxDepth {
		// Calls past the budget are answered, not executed, so the model
		// can still produce a final message.
		results = make([]string, len(toolCalls))
		for i, call := range toolCalls {
			results[i] = fmt.Sprintf("Tool %q was not executed: tool call depth limit (%d) exceeded.",
				call.Name, p.maxDepth)
		}
	} else {
		var err error
		results, err = p.runTools(ctx, toolCalls)
		if err != nil {
			return "", err
		}
	}
	next := append(messages, Message{Role: RoleAssistant, ToolCalls: toolCalls})
	for i, call := range toolCalls {
		next = append(next, Message{
			Role:       RoleTool,
			Content:    results[i],
			ToolCallID: call.ID,
		})
	}
	tail, err := p.generate(ctx, next, depth+1, citations, emit)
	if err != nil {
		return "", err
	}
	return full.String() + tail, nil
}

// runTools executes the calls in parallel, on the shared dispatcher when one
// is wired. Tool failures come back as strings, never as errors, so a single
// bad call cannot kill the stream.
func (p *streamPredictor) runTools(ctx context.Context, calls []ToolCall) ([]string, error) {
	if p.dispatcher != nil {
		tasks := make([]bus.Task, len(calls))
		for i, call := range calls {
			call := call
			tasks[i] = func(taskCtx context.Context) (any, error) {
				return p.registry.Run(taskCtx, call.Name, call.Arguments), nil
			}
		}
		values, err := p.dispatcher.Map(ctx, tasks)
		if err != nil {
			return nil, err
		}
		results := make([]string, len(values))
		for i, value := range values {
			results[i] = value.(string)
		}
		return results, nil
	}

	results := make([]string, len(calls))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		group.Go(func() error {
			results[i] = p.registry.Run(groupCtx, call.Name, call.Arguments)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
