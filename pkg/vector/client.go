package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// Client is an HTTP client for the vector store's document and search APIs.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the store at baseURL. Token is optional;
// when set it is sent as a bearer credential.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vector store request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read vector store response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("vector store returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Upsert writes one document under the identity's namespace, group, and
// schema. Existing documents with the same id are replaced.
func (c *Client) Upsert(ctx context.Context, identity Identity, doc Document) error {
	fields := map[string]any{
		"id":         doc.ID,
		"title":      doc.Title,
		"chunks":     doc.Chunks,
		"embeddings": embeddingBlocks(doc.Embeddings),
		"metadata":   doc.Metadata,
		"timestamp":  doc.Timestamp,
	}
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	endpoint := fmt.Sprintf("%s/document/v1/%s/%s/group/%s/docid/%s",
		c.baseURL,
		url.PathEscape(identity.Namespace),
		url.PathEscape(identity.Schema),
		url.PathEscape(identity.GroupName),
		url.PathEscape(doc.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if _, err := c.do(req); err != nil {
		return fmt.Errorf("failed to upsert document %q: %w", doc.ID, err)
	}
	return nil
}

// embeddingBlocks renders the per-chunk vectors in the mapped-tensor feed
// format keyed by chunk index.
func embeddingBlocks(embeddings map[int][]float32) map[string]any {
	blocks := make(map[string][]float32, len(embeddings))
	for index, vectorValues := range embeddings {
		blocks[strconv.Itoa(index)] = vectorValues
	}
	return map[string]any{"blocks": blocks}
}

// Search runs the query and parses hits. Group names are mandatory: an empty
// list means the caller has no data sources and retrieval short-circuits.
func (c *Client) Search(ctx context.Context, query Query) ([]Hit, error) {
	if len(query.GroupNames) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(query.body())
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	hits, err := parseSearchResponse(body)
	if err != nil {
		return nil, err
	}
	slog.Debug("Vector search completed", "hits", len(hits), "ranking", string(query.Ranking))
	return hits, nil
}

type searchResponse struct {
	Root struct {
		Errors   []json.RawMessage `json:"errors"`
		Children []searchChild     `json:"children"`
	} `json:"root"`
}

type searchChild struct {
	ID        string          `json:"id"`
	Relevance json.RawMessage `json:"relevance"`
	Fields    struct {
		Chunks        []string        `json:"chunks"`
		Title         string          `json:"title"`
		Timestamp     int64           `json:"timestamp"`
		Metadata      []string        `json:"metadata"`
		MatchFeatures json.RawMessage `json:"matchfeatures"`
	} `json:"fields"`
}

func parseSearchResponse(body []byte) ([]Hit, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse search response: %w", err)
	}
	if len(resp.Root.Errors) > 0 {
		combined, _ := json.Marshal(resp.Root.Errors)
		return nil, fmt.Errorf("vector store query failed: %s", string(combined))
	}
	hits := make([]Hit, 0, len(resp.Root.Children))
	for _, child := range resp.Root.Children {
		metadata := map[string]string{
			"title": child.Fields.Title,
		}
		for _, pair := range child.Fields.Metadata {
			key, value, found := strings.Cut(pair, "===")
			if !found {
				continue
			}
			metadata[key] = value
		}
		hits = append(hits, Hit{
			ID:        child.ID,
			Content:   hitContent(child),
			Title:     child.Fields.Title,
			Timestamp: child.Fields.Timestamp,
			Metadata:  metadata,
			Relevance: parseRelevance(child.Relevance),
		})
	}
	return hits, nil
}

// parseRelevance tolerates the store serializing NaN as a bare word or a
// string; both map to 1.0.
func parseRelevance(raw json.RawMessage) float64 {
	var value float64
	if err := json.Unmarshal(raw, &value); err == nil {
		return value
	}
	return 1.0
}

// hitContent joins the chunks closest to the query. When the store reports
// a closest chunk the content is that chunk plus its predecessor; otherwise
// all chunks are joined.
func hitContent(child searchChild) string {
	chunks := child.Fields.Chunks
	if idx, ok := closestChunkIndex(child.Fields.MatchFeatures); ok && idx < len(chunks) {
		start := idx - 1
		if start < 0 {
			start = 0
		}
		chunks = chunks[start : idx+1]
	}
	return strings.Join(chunks, "\n")
}

// closestChunkIndex extracts the closest(embeddings) cell key from the
// match features.
func closestChunkIndex(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var features struct {
		Closest struct {
			Cells map[string]float64 `json:"cells"`
		} `json:"closest(embeddings)"`
	}
	if err := json.Unmarshal(raw, &features); err != nil || len(features.Closest.Cells) == 0 {
		return 0, false
	}
	keys := make([]string, 0, len(features.Closest.Cells))
	for key := range features.Closest.Cells {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	idx, err := strconv.Atoi(keys[0])
	if err != nil {
		return 0, false
	}
	return idx, true
}
