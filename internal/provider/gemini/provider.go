// Package gemini is the Google Gemini backend adapter, built on the Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/prompt"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL points the SDK at a different API host.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client handed to the SDK.
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

// Provider implements provider.Adapter for Gemini. The SDK binds the API key
// at client construction, so a client is built per call from the request's
// credential.
type Provider struct {
	baseURL    string
	httpClient *http.Client
	estimator  provider.UsageEstimator
}

// New creates a new Gemini provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{estimator: provider.DefaultEstimator}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Backend() domain.Backend {
	return domain.BackendGemini
}

func (p *Provider) client(ctx context.Context, req *domain.ProviderRequest) (*genai.Client, error) {
	if req.Credential.APIKey == "" {
		return nil, provider.MissingCredential(domain.BackendGemini)
	}

	cfg := &genai.ClientConfig{
		APIKey:     req.Credential.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions.BaseURL = p.baseURL
	}
	if req.UserAgent != "" {
		cfg.HTTPOptions.Headers = http.Header{"User-Agent": []string{req.UserAgent}}
	}

	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendGemini, 0, fmt.Errorf("failed to create client: %w", err))
	}
	return c, nil
}

func (p *Provider) Invoke(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResponse, error) {
	c, err := p.client(ctx, req)
	if err != nil {
		return nil, err
	}

	contents, config := toGenerateRequest(req)
	resp, err := c.Models.GenerateContent(ctx, req.Model.NativeID, contents, config)
	if err != nil {
		return nil, wrapError(err)
	}

	out := toProviderResponse(resp)
	out.Usage = provider.NormalizeUsage(p.estimator, req, out.Content, usageOf(resp))
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.Delta, error) {
	c, err := p.client(ctx, req)
	if err != nil {
		return nil, err
	}

	contents, config := toGenerateRequest(req)
	seq := c.Models.GenerateContentStream(ctx, req.Model.NativeID, contents, config)

	out := make(chan domain.Delta)
	go func() {
		defer close(out)

		var (
			content strings.Builder
			usage   domain.Usage
		)

		for resp, err := range seq {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				provider.Send(ctx, out, domain.Delta{Err: wrapStreamError(err)})
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = usageOf(resp)
			}

			for _, d := range deltasOf(resp) {
				content.WriteString(d.Text)
				if !provider.Send(ctx, out, d) {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		u := provider.NormalizeUsage(p.estimator, req, content.String(), usage)
		provider.Send(ctx, out, domain.Delta{Usage: &u})
	}()

	return out, nil
}

// deltasOf flattens the first candidate of one streamed chunk.
func deltasOf(resp *genai.GenerateContentResponse) []domain.Delta {
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return nil
	}

	var out []domain.Delta
	for _, part := range resp.Candidates[0].Content.Parts {
		switch {
		case part == nil:
		case part.FunctionCall != nil:
			tc := toToolCall(part.FunctionCall)
			out = append(out, domain.Delta{ToolCall: &tc})
		case part.Thought:
			if part.Text != "" {
				out = append(out, domain.Delta{Thinking: part.Text})
			}
		case part.Text != "":
			out = append(out, domain.Delta{Text: part.Text})
		}
	}
	return out
}

// toGenerateRequest converts a provider request to Gemini contents plus
// generation config. The system prompt becomes the system instruction and
// assistant turns use the "model" role.
func toGenerateRequest(req *domain.ProviderRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := prompt.SplitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		content := &genai.Content{Role: genai.RoleUser}

		switch m.Role {
		case domain.RoleAssistant:
			content.Role = genai.RoleModel
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = map[string]any{}
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
		case domain.RoleTool:
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.ToolName,
					Response: map[string]any{"output": m.Content},
				},
			})
		default:
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	config := &genai.GenerateContentConfig{
		Temperature:     req.Temperature,
		MaxOutputTokens: int32(min(req.MaxTokens, math.MaxInt32)),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	if req.Model.Capabilities.ExtendedThinking && req.ReasoningEffort != "" {
		if budget := provider.ThinkingBudget(req.ReasoningEffort, req.MaxTokens); budget > 0 {
			b := int32(budget)
			config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &b}
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toSchema(t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, config
}

// toSchema converts a JSON Schema map to Gemini's schema type.
func toSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	for _, e := range asSlice(m["enum"]) {
		if v, ok := e.(string); ok {
			s.Enum = append(s.Enum, v)
		}
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toSchema(pm)
			}
		}
	}
	for _, r := range asSlice(m["required"]) {
		if v, ok := r.(string); ok {
			s.Required = append(s.Required, v)
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toSchema(items)
	}
	return s
}

// asSlice accepts both decoded JSON arrays and Go string slices.
func asSlice(v any) []any {
	switch vv := v.(type) {
	case []any:
		return vv
	case []string:
		out := make([]any, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	}
	return nil
}

func toProviderResponse(resp *genai.GenerateContentResponse) *domain.ProviderResponse {
	out := &domain.ProviderResponse{
		ID:    resp.ResponseID,
		Model: resp.ModelVersion,
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}

	var text, thinking strings.Builder
	for _, d := range deltasOf(resp) {
		text.WriteString(d.Text)
		thinking.WriteString(d.Thinking)
		if d.ToolCall != nil {
			out.ToolCalls = append(out.ToolCalls, *d.ToolCall)
		}
	}
	out.Content = text.String()
	out.Thinking = thinking.String()
	return out
}

func toToolCall(fc *genai.FunctionCall) domain.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte("{}")
	}
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return domain.ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func usageOf(resp *genai.GenerateContentResponse) domain.Usage {
	md := resp.UsageMetadata
	if md == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount + md.ThoughtsTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

// wrapError converts an SDK error to a ProviderError carrying the status.
func wrapError(err error) error {
	if status, apiErr := sdkError(err); apiErr != nil {
		return domain.NewProviderError(domain.BackendGemini, status, apiErr)
	}
	return domain.NewProviderError(domain.BackendGemini, 0, err)
}

// wrapStreamError treats transport failures mid-stream as an early close.
func wrapStreamError(err error) error {
	if _, apiErr := sdkError(err); apiErr != nil {
		return wrapError(err)
	}
	return domain.NewProviderError(domain.BackendGemini, 0, fmt.Errorf("%v: %w", err, domain.ErrUpstreamClosed))
}

func sdkError(err error) (int, *domain.APIError) {
	var (
		code int
		msg  string
	)
	var val genai.APIError
	var ptr *genai.APIError
	switch {
	case errors.As(err, &val):
		code, msg = val.Code, val.Message
	case errors.As(err, &ptr):
		code, msg = ptr.Code, ptr.Message
	default:
		return 0, nil
	}
	return code, domain.NewAPIError(provider.ErrorTypeForStatus(code), msg).WithStatusCode(code)
}
