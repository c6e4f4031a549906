package gmail

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/onyx-hq/onyx/pkg/ingest"
)

const defaultBaseURL = "https://gmail.googleapis.com"

// Source is the Gmail ingest source. Opening it validates the OAuth
// credentials by refreshing an access token once.
type Source struct {
	tokens  *tokenSource
	baseURL string
	http    *http.Client
}

// NewSource builds the source for one mailbox.
func NewSource(cfg OAuthConfig) *Source {
	return &Source{
		tokens:  newTokenSource(cfg),
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Open authenticates and returns the source's streams.
func (s *Source) Open(ctx context.Context) ([]ingest.Stream, error) {
	if _, err := s.tokens.Token(ctx); err != nil {
		return nil, fmt.Errorf("gmail authentication failed: %w", err)
	}
	return []ingest.Stream{newMessagesStream(s)}, nil
}

// Close releases the session. The HTTP client holds no server-side state.
func (s *Source) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

// call issues one authenticated request against the Gmail API.
func (s *Source) call(ctx context.Context, method, path string, query map[string]string, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		values := req.URL.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		req.URL.RawQuery = values.Encode()
	}
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gmail request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gmail returned %d: %s", resp.StatusCode, string(payload))
	}
	return resp, nil
}
