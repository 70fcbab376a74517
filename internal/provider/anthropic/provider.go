// Package anthropic is the Anthropic Messages backend adapter.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	anthropicapi "github.com/tjfontaine/polyglot-completion-gateway/internal/api/anthropic"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/prompt"
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

// Provider implements provider.Adapter for Anthropic.
type Provider struct {
	client     *anthropicapi.Client
	baseURL    string
	httpClient *http.Client
	estimator  provider.UsageEstimator
}

// New creates a new Anthropic provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{estimator: provider.DefaultEstimator}
	for _, opt := range opts {
		opt(p)
	}

	var clientOpts []anthropicapi.ClientOption
	if p.baseURL != "" {
		clientOpts = append(clientOpts, anthropicapi.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, anthropicapi.WithHTTPClient(p.httpClient))
	}

	p.client = anthropicapi.NewClient(clientOpts...)
	return p
}

func (p *Provider) Backend() domain.Backend {
	return domain.BackendAnthropic
}

func (p *Provider) Invoke(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResponse, error) {
	resp, err := p.client.CreateMessage(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendAnthropic, provider.StatusOf(err), err)
	}

	out := toProviderResponse(resp)
	out.Usage = provider.NormalizeUsage(p.estimator, req, out.Content, domain.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	})
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.Delta, error) {
	stream, err := p.client.StreamMessage(ctx, toAPIRequest(req), requestOptions(req))
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendAnthropic, provider.StatusOf(err), err)
	}

	out := make(chan domain.Delta)
	go func() {
		defer close(out)

		var (
			content                   strings.Builder
			inputTokens, outputTokens int
			tools                     = map[int]*toolUse{}
		)

		fail := func(err error) {
			provider.Send(ctx, out, domain.Delta{Err: domain.NewProviderError(domain.BackendAnthropic, 0, err)})
		}

		for result := range stream {
			if result.Err != nil {
				fail(result.Err)
				return
			}

			switch result.EventType {
			case "message_start":
				var event anthropicapi.MessageStartEvent
				if err := result.Decode(&event); err != nil {
					fail(err)
					return
				}
				inputTokens = event.Message.Usage.InputTokens

			case "content_block_start":
				var event anthropicapi.ContentBlockStartEvent
				if err := result.Decode(&event); err != nil {
					fail(err)
					return
				}
				if event.ContentBlock.Type == "tool_use" {
					tools[event.Index] = &toolUse{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				}

			case "content_block_delta":
				var event anthropicapi.ContentBlockDeltaEvent
				if err := result.Decode(&event); err != nil {
					fail(err)
					return
				}
				var d domain.Delta
				switch event.Delta.Type {
				case "text_delta":
					content.WriteString(event.Delta.Text)
					d.Text = event.Delta.Text
				case "thinking_delta":
					d.Thinking = event.Delta.Thinking
				case "signature_delta":
					d.ThinkingSignature = event.Delta.Signature
				case "input_json_delta":
					if tu, ok := tools[event.Index]; ok {
						tu.input.WriteString(event.Delta.PartialJSON)
					}
					continue
				default:
					continue
				}
				if !provider.Send(ctx, out, d) {
					return
				}

			case "content_block_stop":
				var event anthropicapi.ContentBlockStopEvent
				if err := result.Decode(&event); err != nil {
					fail(err)
					return
				}
				if tu, ok := tools[event.Index]; ok {
					tc := tu.build()
					delete(tools, event.Index)
					if !provider.Send(ctx, out, domain.Delta{ToolCall: &tc}) {
						return
					}
				}

			case "message_delta":
				var event anthropicapi.MessageDeltaEvent
				if err := result.Decode(&event); err != nil {
					fail(err)
					return
				}
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				usage := provider.NormalizeUsage(p.estimator, req, content.String(), domain.Usage{
					PromptTokens:     inputTokens,
					CompletionTokens: outputTokens,
					TotalTokens:      inputTokens + outputTokens,
				})
				provider.Send(ctx, out, domain.Delta{Usage: &usage})
				return

			case "error":
				var event anthropicapi.ErrorResponse
				if err := result.Decode(&event); err != nil || event.Error == nil {
					fail(fmt.Errorf("stream error event: %s", string(result.Data)))
					return
				}
				fail(event.Error.ToCanonical(0))
				return
			}
		}
	}()

	return out, nil
}

func requestOptions(req *domain.ProviderRequest) *anthropicapi.RequestOptions {
	return &anthropicapi.RequestOptions{
		APIKey:    req.Credential.APIKey,
		UserAgent: req.UserAgent,
	}
}

// toolUse joins the partial JSON of one streamed tool_use block.
type toolUse struct {
	id    string
	name  string
	input strings.Builder
}

func (t *toolUse) build() domain.ToolCall {
	args := strings.TrimSpace(t.input.String())
	if args == "" {
		args = "{}"
	}
	return domain.ToolCall{ID: t.id, Name: t.name, Arguments: json.RawMessage(args)}
}

// toAPIRequest converts a provider request to an Anthropic API request. The
// system prompt travels outside the message list, and tool results are sent
// back as user turns.
func toAPIRequest(req *domain.ProviderRequest) *anthropicapi.MessagesRequest {
	system, rest := prompt.SplitSystem(req.Messages)

	messages := make([]anthropicapi.Message, 0, len(rest))
	for _, m := range rest {
		switch m.Role {
		case domain.RoleTool:
			messages = append(messages, anthropicapi.Message{
				Role: "user",
				Content: []anthropicapi.ContentPart{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		default:
			var parts []anthropicapi.ContentPart
			// A tool round with thinking enabled must lead with the signed block.
			if m.Role == domain.RoleAssistant && m.ThinkingSignature != "" {
				parts = append(parts, anthropicapi.ContentPart{
					Type:      "thinking",
					Thinking:  m.Thinking,
					Signature: m.ThinkingSignature,
				})
			}
			if m.Content != "" {
				parts = append(parts, anthropicapi.ContentPart{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, anthropicapi.ContentPart{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			messages = append(messages, anthropicapi.Message{Role: m.Role, Content: parts})
		}
	}

	apiReq := &anthropicapi.MessagesRequest{
		Model:       req.Model.NativeID,
		Messages:    messages,
		System:      system,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.Model.Capabilities.ExtendedThinking && req.ReasoningEffort != "" {
		if budget := provider.ThinkingBudget(req.ReasoningEffort, req.MaxTokens); budget > 0 {
			apiReq.Thinking = &anthropicapi.ThinkingConfig{Type: "enabled", BudgetTokens: budget}
			// Thinking requires the default temperature.
			apiReq.Temperature = nil
		}
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = make([]anthropicapi.Tool, len(req.Tools))
		for i, t := range req.Tools {
			apiReq.Tools[i] = anthropicapi.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.Parameters,
			}
		}
	}

	return apiReq
}

// toProviderResponse converts an Anthropic API response to canonical shape.
func toProviderResponse(resp *anthropicapi.MessagesResponse) *domain.ProviderResponse {
	out := &domain.ProviderResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
	}

	var text, thinking strings.Builder
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text.WriteString(c.Text)
		case "thinking":
			thinking.WriteString(c.Thinking)
			if c.Signature != "" {
				out.ThinkingSignature = c.Signature
			}
		case "tool_use":
			args := c.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: c.ID, Name: c.Name, Arguments: args})
		}
	}
	out.Content = text.String()
	out.Thinking = thinking.String()
	return out
}
