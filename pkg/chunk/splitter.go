// Package chunk splits document text into token-bounded pieces for
// embedding.
package chunk

import (
	"errors"
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultCapacity is the per-chunk token bound used when none is configured.
const DefaultCapacity = 512

// Splitter cuts text into chunks of at most Capacity tokens. Chunks
// concatenate back to the full input.
type Splitter struct {
	encoding *tiktoken.Tiktoken
	capacity int
}

// NewSplitter builds a splitter on the tokenizer for model. Capacity <= 0
// falls back to DefaultCapacity.
func NewSplitter(model string, capacity int) (*Splitter, error) {
	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Unknown models still need a deterministic chunking.
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer: %w", err)
		}
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Splitter{encoding: encoding, capacity: capacity}, nil
}

// Capacity returns the per-chunk token bound.
func (s *Splitter) Capacity() int { return s.capacity }

// CountTokens returns the token length of text.
func (s *Splitter) CountTokens(text string) int {
	return len(s.encoding.Encode(text, nil, nil))
}

// Split cuts text into chunks of at most the configured token capacity.
// Empty input yields no chunks.
func (s *Splitter) Split(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	tokens := s.encoding.Encode(text, nil, nil)
	if len(tokens) == 0 {
		return nil, errors.New("tokenizer produced no tokens for non-empty text")
	}
	chunks := make([]string, 0, (len(tokens)+s.capacity-1)/s.capacity)
	for start := 0; start < len(tokens); start += s.capacity {
		end := start + s.capacity
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, s.encoding.Decode(tokens[start:end]))
	}
	return chunks, nil
}
