package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig holds the model vendor settings.
type OpenAIConfig struct {
	APIKey          string
	Model           string
	EmbeddingsModel string
}

// OpenAIClient adapts the OpenAI chat and embeddings APIs to the LLMClient
// and Encoder contracts.
type OpenAIClient struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAIClient builds the adapter.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model is required")
	}
	return &OpenAIClient{client: openai.NewClient(cfg.APIKey), cfg: cfg}, nil
}

func encodeMessages(messages []Message) []openai.ChatCompletionMessage {
	encoded := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		encoded = append(encoded, out)
	}
	return encoded
}

func encodeTools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	encoded := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		encoded = append(encoded, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return encoded
}

// GenerateStream issues a streaming chat completion. Text deltas are
// emitted as they arrive; tool calls accumulate across deltas and are
// emitted once, after the model finishes the tool-calling response.
func (c *OpenAIClient) GenerateStream(ctx context.Context, messages []Message, tools []ToolSpec) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    c.cfg.Model,
			Messages: encodeMessages(messages),
			Tools:    encodeTools(tools),
			Stream:   true,
		})
		if err != nil {
			errs <- fmt.Errorf("failed to open completion stream: %w", err)
			return
		}
		defer stream.Close()

		calls := map[int]*ToolCall{}
		maxIndex := -1
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errs <- fmt.Errorf("completion stream failed: %w", err)
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				select {
				case chunks <- Chunk{Text: delta.Content}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
			for _, deltaCall := range delta.ToolCalls {
				index := 0
				if deltaCall.Index != nil {
					index = *deltaCall.Index
				}
				call, ok := calls[index]
				if !ok {
					call = &ToolCall{}
					calls[index] = call
					if index > maxIndex {
						maxIndex = index
					}
				}
				if deltaCall.ID != "" {
					call.ID = deltaCall.ID
				}
				if deltaCall.Function.Name != "" {
					call.Name = deltaCall.Function.Name
				}
				call.Arguments += deltaCall.Function.Arguments
			}
		}

		if len(calls) > 0 {
			ordered := make([]ToolCall, 0, len(calls))
			for i := 0; i <= maxIndex; i++ {
				if call, ok := calls[i]; ok {
					ordered = append(ordered, *call)
				}
			}
			select {
			case chunks <- Chunk{ToolCalls: ordered}:
			case <-ctx.Done():
				errs <- ctx.Err()
			}
		}
	}()
	return chunks, errs
}

// Generate issues a non-streaming completion.
func (c *OpenAIClient) Generate(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: encodeMessages(messages),
	})
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Embed returns one vector per input. A response of a different size than
// the input is an error.
func (c *OpenAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: inputs,
		Model: openai.EmbeddingModel(c.cfg.EmbeddingsModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding response size %d does not match input size %d",
			len(resp.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(inputs) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
