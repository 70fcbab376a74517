package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/testutil"
)

func testModel() *domain.ModelConfig {
	return &domain.ModelConfig{
		ID:        "claude-sonnet",
		Backend:   domain.BackendAnthropic,
		NativeID:  "claude-sonnet-4-20250514",
		MaxTokens: 64000,
		Capabilities: domain.Capabilities{
			Streaming:        true,
			CodeInterpreter:  true,
			ExtendedThinking: true,
		},
	}
}

func TestInvoke(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("expected x-api-key header to be 'test-key', got %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("User-Agent") != "test-client/1.0" {
			t.Errorf("expected User-Agent header to be 'test-client/1.0', got %q", r.Header.Get("User-Agent"))
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{
  "id": "msg_123",
  "type": "message",
  "role": "assistant",
  "content": [{"type": "text", "text": "Hello!"}],
  "model": "claude-sonnet-4-20250514",
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`)
	}))
	defer ts.Close()

	p := New(WithBaseURL(ts.URL))

	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		MaxTokens:  100,
		Credential: domain.Credential{APIKey: "test-key"},
		UserAgent:  "test-client/1.0",
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("unexpected ID: %s", resp.ID)
	}
	if resp.Content != "Hello!" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	want := domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	if resp.Usage != want {
		t.Errorf("usage = %+v, want %+v", resp.Usage, want)
	}
}

func TestDefaultUserAgent(t *testing.T) {
	var receivedUA string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"id":"msg_1","type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer ts.Close()

	p := New(WithBaseURL(ts.URL))
	_, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if receivedUA != "polyglot-completion-gateway/1.0" {
		t.Errorf("Default User-Agent not used, got %q", receivedUA)
	}
}

func TestInvoke_ToolUseAndThinking(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{
  "id": "msg_456",
  "type": "message",
  "role": "assistant",
  "content": [
    {"type": "thinking", "thinking": "Need to run code.", "signature": "sig"},
    {"type": "text", "text": "Let me compute this."},
    {"type": "tool_use", "id": "toolu_1", "name": "python_execute", "input": {"code": "print(6*7)"}},
    {"type": "tool_use", "id": "toolu_2", "name": "web_search", "input": {"query": "ignored"}}
  ],
  "model": "claude-sonnet-4-20250514",
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 40, "output_tokens": 30}
}`)
	}))
	defer ts.Close()

	p := New(WithBaseURL(ts.URL))
	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "6*7?"}},
		MaxTokens: 4000,
	})
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}

	if resp.Content != "Let me compute this." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Thinking != "Need to run code." || resp.ThinkingSignature != "sig" {
		t.Errorf("thinking = %q, signature = %q", resp.Thinking, resp.ThinkingSignature)
	}
	if len(resp.ToolCalls) != 2 || resp.ToolCalls[0].Name != "python_execute" {
		t.Fatalf("tool calls = %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Arguments) != `{"code": "print(6*7)"}` {
		t.Errorf("arguments = %s", resp.ToolCalls[0].Arguments)
	}
}

func TestToAPIRequest(t *testing.T) {
	temp := float32(0.2)
	req := &domain.ProviderRequest{
		Model: testModel(),
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "persona"},
			{Role: domain.RoleUser, Content: "run it"},
			{Role: domain.RoleAssistant, Content: "Running.", ToolCalls: []domain.ToolCall{{ID: "toolu_1", Name: "python_execute", Arguments: json.RawMessage(`{"code":"1"}`)}}},
			{Role: domain.RoleTool, ToolCallID: "toolu_1", ToolName: "python_execute", Content: "1\n"},
		},
		MaxTokens:       16000,
		Temperature:     &temp,
		ReasoningEffort: "high",
		Tools:           []domain.ToolDefinition{{Name: "python_execute", Parameters: map[string]any{"type": "object"}}},
	}

	apiReq := toAPIRequest(req)

	if apiReq.System != "persona" {
		t.Errorf("system = %q", apiReq.System)
	}
	if apiReq.Model != "claude-sonnet-4-20250514" || apiReq.MaxTokens != 16000 {
		t.Errorf("model/max_tokens = %s/%d", apiReq.Model, apiReq.MaxTokens)
	}
	if len(apiReq.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(apiReq.Messages))
	}
	assistant := apiReq.Messages[1]
	if len(assistant.Content) != 2 || assistant.Content[1].Type != "tool_use" || assistant.Content[1].ID != "toolu_1" {
		t.Errorf("assistant content = %+v", assistant.Content)
	}
	result := apiReq.Messages[2]
	if result.Role != "user" || result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "toolu_1" {
		t.Errorf("tool result message = %+v", result)
	}
	if apiReq.Thinking == nil || apiReq.Thinking.BudgetTokens != 8192 {
		t.Errorf("thinking = %+v", apiReq.Thinking)
	}
	if apiReq.Temperature != nil {
		t.Error("temperature must be dropped when thinking is enabled")
	}
	if len(apiReq.Tools) != 1 || apiReq.Tools[0].Name != "python_execute" {
		t.Errorf("tools = %+v", apiReq.Tools)
	}
}

func TestToAPIRequest_ToolRoundReplaysSignedThinking(t *testing.T) {
	call := domain.ToolCall{ID: "toolu_1", Name: "python_execute", Arguments: json.RawMessage(`{"code":"1"}`)}
	apiReq := toAPIRequest(&domain.ProviderRequest{
		Model: testModel(),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "run it"},
			{Role: domain.RoleAssistant, Content: "Running.", ToolCalls: []domain.ToolCall{call}, Thinking: "Use python.", ThinkingSignature: "sig-1"},
			{Role: domain.RoleTool, ToolCallID: "toolu_1", ToolName: "python_execute", Content: "1\n"},
		},
		MaxTokens:       16000,
		ReasoningEffort: "high",
	})

	parts := apiReq.Messages[1].Content
	if len(parts) != 3 {
		t.Fatalf("assistant content = %+v", parts)
	}
	if parts[0].Type != "thinking" || parts[0].Thinking != "Use python." || parts[0].Signature != "sig-1" {
		t.Errorf("first block = %+v, want signed thinking", parts[0])
	}
	if parts[1].Type != "text" || parts[2].Type != "tool_use" {
		t.Errorf("blocks = %s, %s", parts[1].Type, parts[2].Type)
	}

	// Unsigned thinking cannot be replayed.
	unsigned := toAPIRequest(&domain.ProviderRequest{
		Model: testModel(),
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, Content: "Running.", ToolCalls: []domain.ToolCall{call}, Thinking: "Use python."},
		},
		MaxTokens: 4000,
	})
	if got := unsigned.Messages[0].Content[0].Type; got != "text" {
		t.Errorf("first block = %s, want text", got)
	}
}

func TestInvoke_ToolRoundWithThinking(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "anthropic_tool_round", testutil.MatchBody())
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))
	req := &domain.ProviderRequest{
		Model:           testModel(),
		Messages:        []domain.Message{{Role: domain.RoleUser, Content: "6*7?"}},
		MaxTokens:       16000,
		ReasoningEffort: "high",
		Tools:           []domain.ToolDefinition{{Name: "python_execute", Parameters: map[string]any{"type": "object"}}},
		Credential:      domain.Credential{APIKey: "test-key"},
	}

	first, err := p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("first Invoke() error = %v", err)
	}
	if first.ThinkingSignature == "" || len(first.ToolCalls) != 1 {
		t.Fatalf("first = %+v", first)
	}

	next := *req
	next.Messages = append(append([]domain.Message{}, req.Messages...),
		domain.Message{
			Role:              domain.RoleAssistant,
			Content:           first.Content,
			ToolCalls:         first.ToolCalls,
			Thinking:          first.Thinking,
			ThinkingSignature: first.ThinkingSignature,
		},
		domain.Message{Role: domain.RoleTool, Content: "42\n", ToolCallID: first.ToolCalls[0].ID, ToolName: first.ToolCalls[0].Name},
	)

	// The recorded resubmission only matches when it carries the signed block.
	final, err := p.Invoke(context.Background(), &next)
	if err != nil {
		t.Fatalf("final Invoke() error = %v", err)
	}
	if final.Content != "6*7 is 42." {
		t.Errorf("final content = %q", final.Content)
	}
}

func TestToAPIRequest_NoThinkingWithoutCapability(t *testing.T) {
	model := testModel()
	model.Capabilities.ExtendedThinking = false

	apiReq := toAPIRequest(&domain.ProviderRequest{
		Model:           model,
		Messages:        []domain.Message{{Role: domain.RoleUser, Content: "q"}},
		MaxTokens:       4000,
		ReasoningEffort: "high",
	})
	if apiReq.Thinking != nil {
		t.Errorf("thinking = %+v, want nil", apiReq.Thinking)
	}
}

func TestInvoke_ErrorMapping(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer ts.Close()

	p := New(WithBaseURL(ts.URL))
	_, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		MaxTokens: 100,
	})

	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Backend != domain.BackendAnthropic || pe.StatusCode != http.StatusTooManyRequests {
		t.Errorf("provider error = %+v", pe)
	}
	if domain.AsAPIError(err).Type != domain.ErrorTypeRateLimit {
		t.Errorf("type = %s", domain.AsAPIError(err).Type)
	}
}

func TestStream(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "anthropic_stream")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	stream, err := p.Stream(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "Compute 6*7"}},
		MaxTokens:  4000,
		Credential: domain.Credential{APIKey: "test-key"},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var text, thinking, signature string
	var calls []domain.ToolCall
	var usage *domain.Usage
	for d := range stream {
		if d.Err != nil {
			t.Fatalf("stream error: %v", d.Err)
		}
		text += d.Text
		thinking += d.Thinking
		if d.ThinkingSignature != "" {
			signature = d.ThinkingSignature
		}
		if d.ToolCall != nil {
			calls = append(calls, *d.ToolCall)
		}
		if d.Usage != nil {
			usage = d.Usage
		}
	}

	if text != "Let me compute this." {
		t.Errorf("text = %q", text)
	}
	if thinking != "Use python." || signature != "EqQBsig" {
		t.Errorf("thinking = %q, signature = %q", thinking, signature)
	}
	if len(calls) != 1 || calls[0].Name != "python_execute" || string(calls[0].Arguments) != `{"code":"print(6*7)"}` {
		t.Errorf("calls = %+v", calls)
	}
	if usage == nil || usage.PromptTokens != 25 || usage.CompletionTokens != 31 || usage.TotalTokens != 56 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStream_TruncatedIsReported(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"partial\"}}\n\n")
	}))
	defer ts.Close()

	p := New(WithBaseURL(ts.URL))
	stream, err := p.Stream(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "q"}},
		MaxTokens: 100,
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var last domain.Delta
	var text string
	for d := range stream {
		text += d.Text
		last = d
	}
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if !errors.Is(last.Err, domain.ErrUpstreamClosed) {
		t.Errorf("last delta err = %v, want ErrUpstreamClosed", last.Err)
	}
}
