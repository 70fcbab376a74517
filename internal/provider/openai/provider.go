// Package openai is the OpenAI Chat Completions backend adapter.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	openaiapi "github.com/tjfontaine/polyglot-completion-gateway/internal/api/openai"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithEstimator sets the token estimator used when usage is omitted.
func WithEstimator(est provider.UsageEstimator) ProviderOption {
	return func(p *Provider) {
		p.estimator = est
	}
}

// Provider implements provider.Adapter for OpenAI.
type Provider struct {
	client     *openaiapi.Client
	baseURL    string
	httpClient *http.Client
	estimator  provider.UsageEstimator
}

// New creates a new OpenAI provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{estimator: provider.DefaultEstimator}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []openaiapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, openaiapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, openaiapi.WithHTTPClient(p.httpClient))
	}

	p.client = openaiapi.NewClient(clientOpts...)
	return p
}

func (p *Provider) Backend() domain.Backend {
	return domain.BackendOpenAI
}

func (p *Provider) Invoke(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendOpenAI, provider.StatusOf(err), err)
	}

	out := toProviderResponse(resp)
	var usage domain.Usage
	if resp.Usage != nil {
		usage = domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	out.Usage = provider.NormalizeUsage(p.estimator, req, out.Content, usage)
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.Delta, error) {
	stream, err := p.client.StreamChatCompletion(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendOpenAI, provider.StatusOf(err), err)
	}

	out := make(chan domain.Delta)
	go func() {
		defer close(out)

		var (
			content strings.Builder
			usage   domain.Usage
			calls   = map[int]*toolCallBuilder{}
		)

		for result := range stream {
			if result.Err != nil {
				provider.Send(ctx, out, domain.Delta{Err: domain.NewProviderError(domain.BackendOpenAI, 0, result.Err)})
				return
			}

			chunk := result.Chunk
			if len(chunk.Choices) > 0 {
				delta := chunk.Choices[0].Delta
				if delta.Content != "" {
					content.WriteString(delta.Content)
					if !provider.Send(ctx, out, domain.Delta{Text: delta.Content}) {
						return
					}
				}
				for _, tc := range delta.ToolCalls {
					b, ok := calls[tc.Index]
					if !ok {
						b = &toolCallBuilder{index: tc.Index}
						calls[tc.Index] = b
					}
					b.add(tc)
				}
			}

			if chunk.Usage != nil {
				usage = domain.Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
		}

		if ctx.Err() != nil {
			return
		}

		for _, b := range sortedBuilders(calls) {
			tc := b.build()
			if !provider.Send(ctx, out, domain.Delta{ToolCall: &tc}) {
				return
			}
		}

		final := provider.NormalizeUsage(p.estimator, req, content.String(), usage)
		provider.Send(ctx, out, domain.Delta{Usage: &final})
	}()

	return out, nil
}

func requestOptions(req *domain.ProviderRequest) *openaiapi.RequestOptions {
	return &openaiapi.RequestOptions{
		APIKey:    req.Credential.APIKey,
		UserAgent: req.UserAgent,
	}
}

// toolCallBuilder joins the argument fragments of one streamed tool call.
type toolCallBuilder struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (b *toolCallBuilder) add(tc openaiapi.ToolCallChunk) {
	if tc.ID != "" {
		b.id = tc.ID
	}
	if tc.Function != nil {
		if tc.Function.Name != "" {
			b.name = tc.Function.Name
		}
		b.args.WriteString(tc.Function.Arguments)
	}
}

func (b *toolCallBuilder) build() domain.ToolCall {
	return domain.ToolCall{ID: b.id, Name: b.name, Arguments: rawArguments(b.args.String())}
}

func sortedBuilders(m map[int]*toolCallBuilder) []*toolCallBuilder {
	out := make([]*toolCallBuilder, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func rawArguments(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

// toAPIRequest converts a provider request to an OpenAI API request.
func toAPIRequest(req *domain.ProviderRequest) *openaiapi.ChatCompletionRequest {
	messages := make([]openaiapi.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openaiapi.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.Role == domain.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openaiapi.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiapi.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	apiReq := &openaiapi.ChatCompletionRequest{
		Model:               req.Model.NativeID,
		Messages:            messages,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
	}

	if req.Model.Capabilities.ExtendedThinking && req.ReasoningEffort != "" {
		apiReq.ReasoningEffort = req.ReasoningEffort
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = make([]openaiapi.Tool, len(req.Tools))
		for i, t := range req.Tools {
			apiReq.Tools[i] = openaiapi.Tool{
				Type: "function",
				Function: openaiapi.FunctionTool{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return apiReq
}

// toProviderResponse converts an OpenAI API response to canonical shape.
// Only the first choice is used.
func toProviderResponse(resp *openaiapi.ChatCompletionResponse) *domain.ProviderResponse {
	out := &domain.ProviderResponse{
		ID:    resp.ID,
		Model: resp.Model,
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = choice.FinishReason
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: rawArguments(tc.Function.Arguments),
		})
	}
	return out
}
