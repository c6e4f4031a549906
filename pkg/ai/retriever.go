package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onyx-hq/onyx/pkg/vector"
)

// Retriever fetches documents relevant to a set of queries. The chain
// currently issues a single query per turn; the slice keeps the multi-query
// path open.
type Retriever interface {
	Retrieve(ctx context.Context, queries []string) ([]vector.Hit, error)
}

// HybridRetriever runs combined keyword + nearest-neighbor retrieval over
// the vector store, restricted to the agent's data-source groups.
type HybridRetriever struct {
	store      *vector.Client
	encoder    Encoder
	llm        LLMClient
	groupNames []string
	topK       int
	selfQuery  bool
}

// NewHybridRetriever builds the retriever. When selfQuery is true the LLM
// constructs a metadata filter from the query text; this costs one extra
// model call per turn.
func NewHybridRetriever(store *vector.Client, encoder Encoder, llm LLMClient, groupNames []string, topK int, selfQuery bool) *HybridRetriever {
	if topK <= 0 {
		topK = 4
	}
	return &HybridRetriever{
		store:      store,
		encoder:    encoder,
		llm:        llm,
		groupNames: groupNames,
		topK:       topK,
		selfQuery:  selfQuery,
	}
}

// Retrieve embeds each query and searches the store.
func (r *HybridRetriever) Retrieve(ctx context.Context, queries []string) ([]vector.Hit, error) {
	if len(r.groupNames) == 0 {
		return nil, nil
	}
	var hits []vector.Hit
	for _, query := range queries {
		vectors, err := r.encoder.Embed(ctx, []string{query})
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		filter := ""
		if r.selfQuery {
			filter = r.constructFilter(ctx, query)
		}
		found, err := r.store.Search(ctx, vector.Query{
			Text:       query,
			Embedding:  vectors[0],
			Ranking:    vector.RankingHybrid,
			Hits:       r.topK,
			Filter:     filter,
			GroupNames: r.groupNames,
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, found...)
	}
	return hits, nil
}

const filterPrompt = `Construct a filter expression for a document search from the user's query.
Documents carry the attributes: timestamp (epoch seconds) and groupname (one of: %s).
Respond with a single filter condition of the form 'timestamp > N', 'groupname contains "X"',
or combinations joined by 'and'/'or'. Today is %s.
If no filter should be applied, respond with exactly NO_FILTER.
Query: %s`

// constructFilter asks the model for a filter expression. Any failure or a
// NO_FILTER answer yields no filter; retrieval must not fail on this path.
func (r *HybridRetriever) constructFilter(ctx context.Context, query string) string {
	prompt := fmt.Sprintf(filterPrompt,
		strings.Join(r.groupNames, ", "),
		time.Now().Format("2006-01-02"),
		query)
	answer, err := r.llm.Generate(ctx, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		slog.Error("Failed to construct retrieval filter", "error", err)
		return ""
	}
	answer = strings.TrimSpace(answer)
	if answer == "" || strings.EqualFold(answer, "NO_FILTER") {
		return ""
	}
	return answer
}

// WebSearcher is the external web-search API.
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// WebResult is one web search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// WebRetriever surfaces web search results as retrieval documents.
type WebRetriever struct {
	searcher WebSearcher
}

// NewWebRetriever builds the retriever over a search API.
func NewWebRetriever(searcher WebSearcher) *WebRetriever {
	return &WebRetriever{searcher: searcher}
}

// Retrieve runs each query against the search API.
func (r *WebRetriever) Retrieve(ctx context.Context, queries []string) ([]vector.Hit, error) {
	var hits []vector.Hit
	for _, query := range queries {
		results, err := r.searcher.Search(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("web search failed: %w", err)
		}
		for _, result := range results {
			hits = append(hits, vector.Hit{
				ID:      result.URL,
				Title:   result.Title,
				Content: result.Content,
				Metadata: map[string]string{
					"title": result.Title,
					"url":   result.URL,
				},
				Relevance: 1.0,
			})
		}
	}
	return hits, nil
}

// TavilyClient implements WebSearcher over the Tavily search API.
type TavilyClient struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewTavilyClient builds the search client.
func NewTavilyClient(apiKey string) *TavilyClient {
	return &TavilyClient{
		apiKey:   apiKey,
		endpoint: "https://api.tavily.com/search",
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Search runs one query.
func (c *TavilyClient) Search(ctx context.Context, query string) ([]WebResult, error) {
	payload, err := json.Marshal(map[string]any{
		"api_key": c.apiKey,
		"query":   query,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, string(body))
	}
	var parsed struct {
		Results []WebResult `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	return parsed.Results, nil
}
