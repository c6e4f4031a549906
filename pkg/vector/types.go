// Package vector talks to the Vespa vector store: document upserts from
// the ingest embed sink and hybrid/semantic retrieval queries from chat.
package vector

import (
	"github.com/onyx-hq/onyx/pkg/models"
)

// Ranking selects the Vespa rank profile for a query.
type Ranking string

const (
	RankingSemantic Ranking = "semantic"
	RankingHybrid   Ranking = "hybrid"
)

// Document is the per-record upsert layout.
type Document struct {
	ID         string
	Title      string
	Chunks     []string
	Embeddings map[int][]float32
	Metadata   []string
	Timestamp  int64
}

// Identity locates a document set in the store.
type Identity struct {
	Namespace string
	GroupName string
	Schema    string
}

// Hit is one retrieval result after response parsing.
type Hit struct {
	ID        string
	Content   string
	Title     string
	Timestamp int64
	Metadata  map[string]string
	Relevance float64
}

// NamespaceName derives the store namespace for a tenant namespace id.
func NamespaceName(namespaceID string) string {
	return "onyx__" + models.Canonical(namespaceID)
}

// GroupName derives the document group for one data source.
func GroupName(slug, datasourceID string) string {
	return slug + "__" + models.Canonical(datasourceID)
}
