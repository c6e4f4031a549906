package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onyx-hq/onyx/pkg/chunk"
	"github.com/onyx-hq/onyx/pkg/vector"
)

// Encoder turns text into embedding vectors, one per input.
type Encoder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// EmbedSink derives a document per record via the stream's strategy, chunks
// the text, embeds each chunk, and upserts into the vector store. The store
// schema is predefined, so CreateTarget is a no-op.
type EmbedSink struct {
	store    *vector.Client
	encoder  Encoder
	splitter *chunk.Splitter
}

// NewEmbedSink builds the sink.
func NewEmbedSink(store *vector.Client, encoder Encoder, splitter *chunk.Splitter) *EmbedSink {
	return &EmbedSink{store: store, encoder: encoder, splitter: splitter}
}

func (s *EmbedSink) Name() string { return "embed" }

func (s *EmbedSink) CreateTarget(ctx context.Context, sc StreamContext) error {
	return nil
}

// Write embeds and upserts one batch. Records the strategy cannot derive a
// document from are skipped with a log line rather than failing the run.
func (s *EmbedSink) Write(ctx context.Context, sc StreamContext, batch []Record) error {
	identity := sc.Identity.VectorIdentity()
	for _, record := range batch {
		doc, err := sc.Strategy.BuildDocument(record)
		if err != nil {
			slog.Warn("Skipping record without embeddable document",
				"stream", sc.Name, "error", err)
			continue
		}
		if doc.Text == "" {
			continue
		}
		chunks, err := s.splitter.Split(doc.Text)
		if err != nil {
			return fmt.Errorf("failed to chunk document %q: %w", doc.ID, err)
		}
		if len(chunks) == 0 {
			continue
		}
		vectors, err := s.encoder.Embed(ctx, chunks)
		if err != nil {
			return fmt.Errorf("failed to embed document %q: %w", doc.ID, err)
		}
		embeddings := make(map[int][]float32, len(vectors))
		for i, v := range vectors {
			embeddings[i] = v
		}
		metadata := doc.Metadata
		if doc.URL != "" {
			metadata = append(metadata, "url==="+doc.URL)
		}
		err = s.store.Upsert(ctx, identity, vector.Document{
			ID:         doc.ID,
			Title:      doc.Title,
			Chunks:     chunks,
			Embeddings: embeddings,
			Metadata:   metadata,
			Timestamp:  doc.Timestamp,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
