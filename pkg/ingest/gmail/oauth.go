// Package gmail implements the Gmail ingest source: an OAuth-refreshed REST
// session, the messages stream with batch-GET hydration, and the embedding
// strategy for email records.
package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTokenEndpoint = "https://oauth2.googleapis.com/token"

// OAuthConfig holds the offline-access credentials for one mailbox.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Endpoint     string
}

// tokenSource refreshes and caches the access token. Tokens are reused
// until shortly before expiry.
type tokenSource struct {
	cfg  OAuthConfig
	http *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(cfg OAuthConfig) *tokenSource {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTokenEndpoint
	}
	return &tokenSource{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}}
}

// Token returns a valid access token, refreshing when the cached one is
// within a minute of expiry.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > time.Minute {
		return s.token, nil
	}

	form := url.Values{
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"refresh_token": {s.cfg.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh returned %d: %s", resp.StatusCode, string(body))
	}
	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("token response carried no access token")
	}
	s.token = parsed.AccessToken
	s.expires = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	return s.token, nil
}
