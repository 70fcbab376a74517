// Package websearch is the web search executor: a small client for a
// search-and-answer HTTP API that returns a synthesized answer plus the
// source URLs it drew on.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

const (
	defaultEndpoint   = "https://api.tavily.com/search"
	defaultMaxResults = 5
)

// ErrNoAnswer is returned when the search API produced neither an answer nor
// any results.
var ErrNoAnswer = errors.New("search returned no answer")

// ClientOption configures the client.
type ClientOption func(*Client)

// WithEndpoint sets the search endpoint URL.
func WithEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

// WithHTTPClient sets a custom HTTP client. It replaces the default client,
// which only dials public addresses.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxResults caps the number of sources returned.
func WithMaxResults(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// Client implements tools.Searcher.
type Client struct {
	endpoint   string
	apiKey     string
	maxResults int
	httpClient *http.Client
}

var _ tools.Searcher = (*Client)(nil)

// NewClient creates a search client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		maxResults: defaultMaxResults,
		httpClient: publicClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchRequest struct {
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searchResponse struct {
	Answer  string         `json:"answer"`
	Results []searchResult `json:"results"`
}

// Search runs query and returns the answer with its sources.
func (c *Client) Search(ctx context.Context, query string) (*tools.SearchResult, error) {
	body, err := json.Marshal(searchRequest{
		Query:         query,
		MaxResults:    c.maxResults,
		IncludeAnswer: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var sr searchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return toResult(&sr)
}

func toResult(sr *searchResponse) (*tools.SearchResult, error) {
	out := &tools.SearchResult{Answer: strings.TrimSpace(sr.Answer)}
	seen := make(map[string]bool, len(sr.Results))
	for _, r := range sr.Results {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out.Sources = append(out.Sources, r.URL)
	}

	// Without a synthesized answer, fall back to the top snippet.
	if out.Answer == "" {
		for _, r := range sr.Results {
			if s := strings.TrimSpace(r.Content); s != "" {
				out.Answer = s
				break
			}
		}
	}
	if out.Answer == "" {
		return nil, ErrNoAnswer
	}
	return out, nil
}
