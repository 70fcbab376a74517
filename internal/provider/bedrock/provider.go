// Package bedrock is the AWS Bedrock backend adapter, speaking the Converse
// API through the AWS SDK.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/prompt"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
)

const defaultRegion = "us-east-1"

// Client is the subset of the Bedrock runtime client the adapter uses.
type Client interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// EventStream is the reader side of a ConverseStream response.
type EventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithRegion sets the AWS region. Defaults to us-east-1.
func WithRegion(region string) ProviderOption {
	return func(p *Provider) {
		p.region = region
	}
}

// WithBaseURL overrides the runtime endpoint.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithClient makes every call go through c, ignoring request credentials.
func WithClient(c Client) ProviderOption {
	return func(p *Provider) {
		p.fixed = c
	}
}

// WithEstimator sets the token estimator used when usage is omitted.
func WithEstimator(est provider.UsageEstimator) ProviderOption {
	return func(p *Provider) {
		p.estimator = est
	}
}

// Provider implements provider.Adapter for Bedrock. Credentials arrive as
// "ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN]"; an empty credential uses
// the default AWS chain. One runtime client is kept per credential.
type Provider struct {
	region     string
	baseURL    string
	httpClient *http.Client
	fixed      Client
	estimator  provider.UsageEstimator

	mu      sync.Mutex
	clients map[string]Client
}

// New creates a new Bedrock provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{
		region:    defaultRegion,
		estimator: provider.DefaultEstimator,
		clients:   make(map[string]Client),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Backend() domain.Backend {
	return domain.BackendBedrock
}

func (p *Provider) client(ctx context.Context, cred domain.Credential) (Client, error) {
	if p.fixed != nil {
		return p.fixed, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[cred.APIKey]; ok {
		return c, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(p.region)}
	if cred.APIKey != "" {
		id, secret, session, err := parseCredential(cred.APIKey)
		if err != nil {
			return nil, domain.NewProviderError(domain.BackendBedrock, 0,
				domain.NewAPIError(domain.ErrorTypeAuthentication, err.Error()).WithCode(domain.ErrorCodeInvalidAPIKey))
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, secret, session)))
	}
	if p.httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(p.httpClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, domain.NewProviderError(domain.BackendBedrock, 0, fmt.Errorf("failed to load AWS config: %w", err))
	}

	c := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if p.baseURL != "" {
			o.BaseEndpoint = aws.String(p.baseURL)
		}
	})
	p.clients[cred.APIKey] = c
	return c, nil
}

// parseCredential splits "id:secret[:session]".
func parseCredential(key string) (id, secret, session string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", errors.New("bedrock credential must be ACCESS_KEY_ID:SECRET_ACCESS_KEY[:SESSION_TOKEN]")
	}
	if len(parts) == 3 {
		session = parts[2]
	}
	return parts[0], parts[1], session, nil
}

func callOptions(req *domain.ProviderRequest) []func(*bedrockruntime.Options) {
	if req.UserAgent == "" {
		return nil
	}
	return []func(*bedrockruntime.Options){func(o *bedrockruntime.Options) {
		o.APIOptions = append(o.APIOptions, awsmiddleware.AddUserAgentKey(req.UserAgent))
	}}
}

func (p *Provider) Invoke(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResponse, error) {
	c, err := p.client(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	in := toConverseInput(req)
	resp, err := c.Converse(ctx, in, callOptions(req)...)
	if err != nil {
		return nil, wrapError(err)
	}

	out := toProviderResponse(resp)
	out.Model = req.Model.NativeID
	out.Usage = provider.NormalizeUsage(p.estimator, req, out.Content, usageOf(resp.Usage))
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.Delta, error) {
	c, err := p.client(ctx, req.Credential)
	if err != nil {
		return nil, err
	}

	in := toConverseInput(req)
	resp, err := c.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:                      in.ModelId,
		Messages:                     in.Messages,
		System:                       in.System,
		InferenceConfig:              in.InferenceConfig,
		ToolConfig:                   in.ToolConfig,
		AdditionalModelRequestFields: in.AdditionalModelRequestFields,
	}, callOptions(req)...)
	if err != nil {
		return nil, wrapError(err)
	}

	out := make(chan domain.Delta)
	go p.relay(ctx, req, resp.GetStream(), out)
	return out, nil
}

// relay converts Converse stream events into deltas. Bedrock sends usage in
// a metadata event after messageStop, so the relay runs until the event
// channel closes.
func (p *Provider) relay(ctx context.Context, req *domain.ProviderRequest, stream EventStream, out chan<- domain.Delta) {
	defer close(out)
	defer stream.Close()

	var (
		content strings.Builder
		usage   domain.Usage
		stopped bool
		tool    *toolUse
	)

	events := stream.Events()
	for {
		var (
			event types.ConverseStreamOutput
			ok    bool
		)
		select {
		case <-ctx.Done():
			return
		case event, ok = <-events:
		}

		if !ok {
			if err := stream.Err(); err != nil {
				provider.Send(ctx, out, domain.Delta{Err: wrapStreamError(err)})
				return
			}
			if !stopped {
				provider.Send(ctx, out, domain.Delta{Err: domain.NewProviderError(domain.BackendBedrock, 0,
					fmt.Errorf("missing messageStop: %w", domain.ErrUpstreamClosed))})
				return
			}
			u := provider.NormalizeUsage(p.estimator, req, content.String(), usage)
			provider.Send(ctx, out, domain.Delta{Usage: &u})
			return
		}

		var d domain.Delta
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				tool = &toolUse{id: aws.ToString(tu.Value.ToolUseId), name: aws.ToString(tu.Value.Name)}
			}
			continue

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				content.WriteString(delta.Value)
				d.Text = delta.Value
			case *types.ContentBlockDeltaMemberReasoningContent:
				switch r := delta.Value.(type) {
				case *types.ReasoningContentBlockDeltaMemberText:
					d.Thinking = r.Value
				case *types.ReasoningContentBlockDeltaMemberSignature:
					d.ThinkingSignature = r.Value
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if tool != nil && delta.Value.Input != nil {
					tool.input.WriteString(*delta.Value.Input)
				}
			}
			if d.Text == "" && d.Thinking == "" && d.ThinkingSignature == "" {
				continue
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if tool == nil {
				continue
			}
			tc := tool.build()
			tool = nil
			d.ToolCall = &tc

		case *types.ConverseStreamOutputMemberMessageStop:
			stopped = true
			continue

		case *types.ConverseStreamOutputMemberMetadata:
			usage = usageOf(ev.Value.Usage)
			continue

		default:
			continue
		}

		if !provider.Send(ctx, out, d) {
			return
		}
	}
}

// toolUse joins the partial JSON of one streamed tool use block.
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

// toConverseInput converts a provider request to a Converse request. Tool
// results travel as user turns; the system prompt is a separate block.
func toConverseInput(req *domain.ProviderRequest) *bedrockruntime.ConverseInput {
	system, rest := prompt.SplitSystem(req.Messages)

	messages := make([]types.Message, 0, len(rest))
	for _, m := range rest {
		var blocks []types.ContentBlock
		role := types.ConversationRoleUser

		switch m.Role {
		case domain.RoleTool:
			blocks = append(blocks, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: m.Content},
					},
				},
			})
		case domain.RoleAssistant:
			role = types.ConversationRoleAssistant
			if m.ThinkingSignature != "" {
				blocks = append(blocks, &types.ContentBlockMemberReasoningContent{
					Value: &types.ReasoningContentBlockMemberReasoningText{
						Value: types.ReasoningTextBlock{
							Text:      aws.String(m.Thinking),
							Signature: aws.String(m.ThinkingSignature),
						},
					},
				})
			}
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
		default:
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}

		if len(blocks) > 0 {
			messages = append(messages, types.Message{Role: role, Content: blocks})
		}
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model.NativeID),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(min(req.MaxTokens, math.MaxInt32))),
			Temperature: req.Temperature,
		},
	}
	if system != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	if req.Model.Capabilities.ExtendedThinking && req.ReasoningEffort != "" {
		if budget := provider.ThinkingBudget(req.ReasoningEffort, req.MaxTokens); budget > 0 {
			in.AdditionalModelRequestFields = document.NewLazyDocument(map[string]any{
				"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
			})
			in.InferenceConfig.Temperature = nil
		}
	}

	if len(req.Tools) > 0 {
		tools := make([]types.Tool, len(req.Tools))
		for i, t := range req.Tools {
			var schema any = t.Parameters
			if t.Parameters == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			tools[i] = &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			}
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}

	return in
}

func toProviderResponse(resp *bedrockruntime.ConverseOutput) *domain.ProviderResponse {
	out := &domain.ProviderResponse{FinishReason: string(resp.StopReason)}

	msg, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return out
	}

	var text, thinking strings.Builder
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(b.Value)
		case *types.ContentBlockMemberReasoningContent:
			if rt, ok := b.Value.(*types.ReasoningContentBlockMemberReasoningText); ok {
				thinking.WriteString(aws.ToString(rt.Value.Text))
				if sig := aws.ToString(rt.Value.Signature); sig != "" {
					out.ThinkingSignature = sig
				}
			}
		case *types.ContentBlockMemberToolUse:
			args := []byte("{}")
			if b.Value.Input != nil {
				if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
					args = raw
				}
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ID:        aws.ToString(b.Value.ToolUseId),
				Name:      aws.ToString(b.Value.Name),
				Arguments: args,
			})
		}
	}
	out.Content = text.String()
	out.Thinking = thinking.String()
	return out
}

func usageOf(u *types.TokenUsage) domain.Usage {
	if u == nil {
		return domain.Usage{}
	}
	return domain.Usage{
		PromptTokens:     int(aws.ToInt32(u.InputTokens)),
		CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
		TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
	}
}

// errorTypes maps Bedrock exception codes to canonical error types.
var errorTypes = map[string]domain.ErrorType{
	"ValidationException":           domain.ErrorTypeInvalidRequest,
	"AccessDeniedException":         domain.ErrorTypePermission,
	"UnrecognizedClientException":   domain.ErrorTypeAuthentication,
	"ResourceNotFoundException":     domain.ErrorTypeNotFound,
	"ThrottlingException":           domain.ErrorTypeRateLimit,
	"ServiceQuotaExceededException": domain.ErrorTypeRateLimit,
	"ServiceUnavailableException":   domain.ErrorTypeOverloaded,
	"ModelNotReadyException":        domain.ErrorTypeOverloaded,
}

// canonicalError extracts the status and canonical shape of an SDK error.
func canonicalError(err error) (int, *domain.APIError) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return 0, nil
	}

	status := 0
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}

	errType, ok := errorTypes[apiErr.ErrorCode()]
	if !ok {
		errType = provider.ErrorTypeForStatus(status)
	}
	return status, domain.NewAPIError(errType, apiErr.ErrorMessage()).WithStatusCode(status)
}

func wrapError(err error) error {
	if status, apiErr := canonicalError(err); apiErr != nil {
		return domain.NewProviderError(domain.BackendBedrock, status, apiErr)
	}
	return domain.NewProviderError(domain.BackendBedrock, 0, err)
}

// wrapStreamError treats non-API failures mid-stream as an early close.
func wrapStreamError(err error) error {
	if _, apiErr := canonicalError(err); apiErr != nil {
		return wrapError(err)
	}
	return domain.NewProviderError(domain.BackendBedrock, 0, fmt.Errorf("%v: %w", err, domain.ErrUpstreamClosed))
}
