package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithVersion sets the API version.
func WithVersion(version string) ClientOption {
	return func(c *Client) {
		c.version = version
	}
}

// Client is a custom HTTP client for the Anthropic API.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient creates a new Anthropic API client. Credentials are supplied per
// request through RequestOptions.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		version:    defaultVersion,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// APIKey is sent as x-api-key.
	APIKey string

	// UserAgent is forwarded as-is to the upstream API when set.
	UserAgent string
}

// CreateMessage sends a messages request.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest, opts *RequestOptions) (*MessagesResponse, error) {
	resp, err := c.post(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result MessagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &result, nil
}

// StreamMessage sends a streaming messages request and returns a channel of
// events. The channel is closed after message_stop, on a read error, or when
// ctx is cancelled.
func (c *Client) StreamMessage(ctx context.Context, req *MessagesRequest, opts *RequestOptions) (<-chan StreamEventResult, error) {
	req.Stream = true

	resp, err := c.post(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamEventResult)
	go streamReader(ctx, resp.Body, out)
	return out, nil
}

// StreamEventResult wraps a streaming event or error.
type StreamEventResult struct {
	EventType string
	Data      json.RawMessage
	Err       error
}

// Decode unmarshals the event payload into v.
func (r *StreamEventResult) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("failed to parse %s event: %w", r.EventType, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, req *MessagesRequest, opts *RequestOptions) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			return nil, apiErr.ToCanonical(resp.StatusCode)
		}
		return nil, domain.NewAPIError(domain.ErrorTypeServer,
			fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(respBody))).WithStatusCode(resp.StatusCode)
	}
	return resp, nil
}

func streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamEventResult) {
	defer close(out)
	defer body.Close()

	send := func(r StreamEventResult) bool {
		select {
		case out <- r:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var currentEvent string

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "event: ") {
			currentEvent = strings.TrimPrefix(line, "event: ")
			continue
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if !send(StreamEventResult{EventType: currentEvent, Data: json.RawMessage(data)}) {
				return
			}
			if currentEvent == "message_stop" {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(StreamEventResult{Err: fmt.Errorf("stream read error: %v: %w", err, domain.ErrUpstreamClosed)})
		return
	}
	send(StreamEventResult{Err: fmt.Errorf("missing message_stop: %w", domain.ErrUpstreamClosed)})
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", c.version)
	if opts != nil && opts.APIKey != "" {
		req.Header.Set("x-api-key", opts.APIKey)
	}

	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", "polyglot-completion-gateway/1.0")
	}
}
