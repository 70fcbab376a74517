package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

type stubClient struct {
	converseIn  *bedrockruntime.ConverseInput
	converseOut *bedrockruntime.ConverseOutput
	streamIn    *bedrockruntime.ConverseStreamInput
	err         error
}

func (s *stubClient) Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.converseIn = in
	if s.err != nil {
		return nil, s.err
	}
	return s.converseOut, nil
}

func (s *stubClient) ConverseStream(ctx context.Context, in *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	s.streamIn = in
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.ConverseStreamOutput{}, nil
}

type stubStream struct {
	events chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newStubStream(events ...types.ConverseStreamOutput) *stubStream {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &stubStream{events: ch}
}

func (s *stubStream) Events() <-chan types.ConverseStreamOutput { return s.events }
func (s *stubStream) Close() error                              { s.closed = true; return nil }
func (s *stubStream) Err() error                                { return s.err }

func testModel() *domain.ModelConfig {
	return &domain.ModelConfig{
		ID:        "claude-bedrock",
		Backend:   domain.BackendBedrock,
		NativeID:  "anthropic.claude-3-5-sonnet-20241022-v2:0",
		MaxTokens: 8192,
		Capabilities: domain.Capabilities{
			Streaming:        true,
			CodeInterpreter:  true,
			ExtendedThinking: true,
		},
	}
}

func TestInvoke(t *testing.T) {
	stub := &stubClient{converseOut: &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberReasoningContent{Value: &types.ReasoningContentBlockMemberReasoningText{
					Value: types.ReasoningTextBlock{Text: aws.String("Need code.")},
				}},
				&types.ContentBlockMemberText{Value: "Let me compute this."},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tooluse_1"),
					Name:      aws.String("python_execute"),
					Input:     document.NewLazyDocument(map[string]any{"code": "print(6*7)"}),
				}},
			},
		}},
		StopReason: types.StopReasonToolUse,
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(20),
			OutputTokens: aws.Int32(15),
			TotalTokens:  aws.Int32(35),
		},
	}}

	p := New(WithClient(stub))
	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model: testModel(),
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "persona"},
			{Role: domain.RoleUser, Content: "6*7?"},
		},
		MaxTokens: 4000,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if resp.Content != "Let me compute this." || resp.Thinking != "Need code." {
		t.Errorf("content = %q, thinking = %q", resp.Content, resp.Thinking)
	}
	if resp.FinishReason != "tool_use" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "tooluse_1" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	var args struct{ Code string }
	if err := json.Unmarshal(resp.ToolCalls[0].Arguments, &args); err != nil || args.Code != "print(6*7)" {
		t.Errorf("arguments = %s (%v)", resp.ToolCalls[0].Arguments, err)
	}
	want := domain.Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35}
	if resp.Usage != want {
		t.Errorf("usage = %+v, want %+v", resp.Usage, want)
	}

	in := stub.converseIn
	if aws.ToString(in.ModelId) != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("model id = %s", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 || len(in.Messages) != 1 {
		t.Errorf("system = %d blocks, messages = %d", len(in.System), len(in.Messages))
	}
	if aws.ToInt32(in.InferenceConfig.MaxTokens) != 4000 {
		t.Errorf("max tokens = %d", aws.ToInt32(in.InferenceConfig.MaxTokens))
	}
}

func TestToConverseInput_ToolRoundAndThinking(t *testing.T) {
	temp := float32(0.7)
	in := toConverseInput(&domain.ProviderRequest{
		Model: testModel(),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "run"},
			{Role: domain.RoleAssistant, Content: "Running.", ToolCalls: []domain.ToolCall{{ID: "t1", Name: "python_execute", Arguments: json.RawMessage(`{"code":"1"}`)}}},
			{Role: domain.RoleTool, ToolCallID: "t1", ToolName: "python_execute", Content: "1\n"},
		},
		MaxTokens:       8000,
		Temperature:     &temp,
		ReasoningEffort: "medium",
		Tools:           []domain.ToolDefinition{{Name: "python_execute", Description: "Run code", Parameters: map[string]any{"type": "object"}}},
	})

	if len(in.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(in.Messages))
	}
	if in.Messages[1].Role != types.ConversationRoleAssistant || len(in.Messages[1].Content) != 2 {
		t.Errorf("assistant message = %+v", in.Messages[1])
	}
	result, ok := in.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	if !ok || in.Messages[2].Role != types.ConversationRoleUser || aws.ToString(result.Value.ToolUseId) != "t1" {
		t.Errorf("tool result message = %+v", in.Messages[2])
	}
	if in.AdditionalModelRequestFields == nil {
		t.Error("expected thinking fields")
	}
	if in.InferenceConfig.Temperature != nil {
		t.Error("temperature must be dropped when thinking is enabled")
	}
	if in.ToolConfig == nil || len(in.ToolConfig.Tools) != 1 {
		t.Fatalf("tool config = %+v", in.ToolConfig)
	}
	spec, ok := in.ToolConfig.Tools[0].(*types.ToolMemberToolSpec)
	if !ok || aws.ToString(spec.Value.Name) != "python_execute" || spec.Value.InputSchema == nil {
		t.Errorf("tool spec = %+v", in.ToolConfig.Tools[0])
	}
}

func TestInvoke_ErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want domain.ErrorType
	}{
		{"ThrottlingException", domain.ErrorTypeRateLimit},
		{"AccessDeniedException", domain.ErrorTypePermission},
		{"ValidationException", domain.ErrorTypeInvalidRequest},
		{"SomethingNew", domain.ErrorTypeServer},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			p := New(WithClient(&stubClient{err: &smithy.GenericAPIError{Code: tt.code, Message: "nope"}}))
			_, err := p.Invoke(context.Background(), &domain.ProviderRequest{
				Model:     testModel(),
				Messages:  []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
				MaxTokens: 10,
			})

			var pe *domain.ProviderError
			if !errors.As(err, &pe) || pe.Backend != domain.BackendBedrock {
				t.Fatalf("expected bedrock ProviderError, got %v", err)
			}
			if got := domain.AsAPIError(err).Type; got != tt.want {
				t.Errorf("type = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStream_OpenError(t *testing.T) {
	p := New(WithClient(&stubClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow"}}))
	_, err := p.Stream(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
		MaxTokens: 10,
	})
	if domain.AsAPIError(err).Type != domain.ErrorTypeRateLimit {
		t.Errorf("err = %v", err)
	}
}

func collect(ch <-chan domain.Delta) (text, thinking string, calls []domain.ToolCall, usage *domain.Usage, err error) {
	for d := range ch {
		text += d.Text
		thinking += d.Thinking
		if d.ToolCall != nil {
			calls = append(calls, *d.ToolCall)
		}
		if d.Usage != nil {
			usage = d.Usage
		}
		if d.Err != nil {
			err = d.Err
		}
	}
	return
}

func TestRelay(t *testing.T) {
	stream := newStubStream(
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &types.ContentBlockDeltaMemberReasoningContent{Value: &types.ReasoningContentBlockDeltaMemberText{Value: "Think."}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "Let me "},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberText{Value: "search."},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(2),
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tu_9"),
				Name:      aws.String("web_search"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(2),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"query":`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(2),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"paris"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(2)}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(9), OutputTokens: aws.Int32(12), TotalTokens: aws.Int32(21)},
		}},
	)

	p := New(WithClient(&stubClient{}))
	out := make(chan domain.Delta)
	go p.relay(context.Background(), &domain.ProviderRequest{Model: testModel()}, stream, out)

	text, thinking, calls, usage, err := collect(out)
	if err != nil {
		t.Fatalf("relay error: %v", err)
	}
	if text != "Let me search." || thinking != "Think." {
		t.Errorf("text = %q, thinking = %q", text, thinking)
	}
	if len(calls) != 1 || calls[0].ID != "tu_9" || string(calls[0].Arguments) != `{"query":"paris"}` {
		t.Errorf("calls = %+v", calls)
	}
	if usage == nil || usage.TotalTokens != 21 || usage.Estimated {
		t.Errorf("usage = %+v", usage)
	}
	if !stream.closed {
		t.Error("stream must be closed")
	}
}

func TestRelay_EarlyClose(t *testing.T) {
	stream := newStubStream(
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberText{Value: "partial"},
		}},
	)

	p := New(WithClient(&stubClient{}))
	out := make(chan domain.Delta)
	go p.relay(context.Background(), &domain.ProviderRequest{Model: testModel()}, stream, out)

	text, _, _, _, err := collect(out)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if !errors.Is(err, domain.ErrUpstreamClosed) {
		t.Errorf("err = %v, want ErrUpstreamClosed", err)
	}
}

func TestRelay_Cancelled(t *testing.T) {
	events := make(chan types.ConverseStreamOutput)
	stream := &stubStream{events: events}

	ctx, cancel := context.WithCancel(context.Background())
	p := New(WithClient(&stubClient{}))
	out := make(chan domain.Delta)
	done := make(chan struct{})
	go func() {
		p.relay(ctx, &domain.ProviderRequest{Model: testModel()}, stream, out)
		close(done)
	}()

	cancel()
	<-done
	if _, ok := <-out; ok {
		t.Error("expected no deltas after cancellation")
	}
	if !stream.closed {
		t.Error("stream must be closed on cancellation")
	}
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		in      string
		id      string
		session string
		wantErr bool
	}{
		{"AKID:SECRET", "AKID", "", false},
		{"AKID:SECRET:TOKEN:WITH:COLONS", "AKID", "TOKEN:WITH:COLONS", false},
		{"AKID", "", "", true},
		{":SECRET", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, _, session, err := parseCredential(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if id != tt.id || session != tt.session {
				t.Errorf("id = %q, session = %q", id, session)
			}
		})
	}
}
