package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/testutil"
)

func testModel() *domain.ModelConfig {
	return &domain.ModelConfig{
		ID:        "gpt-4o",
		Backend:   domain.BackendOpenAI,
		NativeID:  "gpt-4o-2024-08-06",
		MaxTokens: 16000,
		Capabilities: domain.Capabilities{
			Streaming: true,
			WebSearch: true,
		},
	}
}

func apiKey() string {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key
	}
	return "test-key"
}

func TestProvider_Invoke(t *testing.T) {
	if os.Getenv("OPENAI_API_KEY") == "" && os.Getenv("VCR_MODE") == "record" {
		t.Skip("Skipping test: OPENAI_API_KEY not set")
	}

	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_invoke")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		MaxTokens:  4000,
		Credential: domain.Credential{APIKey: apiKey()},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if resp.Content == "" {
		t.Error("Expected content in response")
	}
	if resp.Usage.TotalTokens == 0 {
		t.Error("Expected usage in response")
	}
	if resp.Usage.Estimated {
		t.Error("Reported usage must not be flagged as estimated")
	}
}

func TestProvider_InvokeToolCall(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_tool_call")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:     testModel(),
		Messages:  []domain.Message{{Role: domain.RoleUser, Content: "What's the weather in Paris?"}},
		MaxTokens: 4000,
		Tools: []domain.ToolDefinition{{
			Name:       "web_search",
			Parameters: map[string]any{"type": "object"},
		}},
		Credential: domain.Credential{APIKey: apiKey()},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "web_search" {
		t.Errorf("tool name = %q, want web_search", tc.Name)
	}
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		t.Fatalf("invalid arguments: %v", err)
	}
	if args.Query != "current weather Paris" {
		t.Errorf("query = %q", args.Query)
	}
}

func TestProvider_Stream(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_stream")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	stream, err := p.Stream(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "Count to 3"}},
		MaxTokens:  4000,
		Credential: domain.Credential{APIKey: apiKey()},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var content string
	var usage *domain.Usage
	for delta := range stream {
		if delta.Err != nil {
			t.Fatalf("Stream delta error: %v", delta.Err)
		}
		content += delta.Text
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}

	if content != "1, 2, 3" {
		t.Errorf("content = %q, want %q", content, "1, 2, 3")
	}
	if usage == nil || usage.TotalTokens != 17 {
		t.Errorf("usage = %+v, want total 17", usage)
	}
}

func TestProvider_StreamToolCallFragments(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_stream_tool_call")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	stream, err := p.Stream(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "weather?"}},
		MaxTokens:  4000,
		Credential: domain.Credential{APIKey: apiKey()},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	var calls []domain.ToolCall
	var usage *domain.Usage
	for delta := range stream {
		if delta.Err != nil {
			t.Fatalf("Stream delta error: %v", delta.Err)
		}
		if delta.ToolCall != nil {
			calls = append(calls, *delta.ToolCall)
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_abc" || string(calls[0].Arguments) != `{"query":"current weather Paris"}` {
		t.Errorf("unexpected call: %+v (%s)", calls[0], calls[0].Arguments)
	}
	if usage == nil || !usage.Estimated {
		t.Errorf("expected estimated usage when the stream omits it, got %+v", usage)
	}
}

func TestProvider_Error(t *testing.T) {
	recorder, cleanup := testutil.NewVCRRecorder(t, "openai_error")
	defer cleanup()

	p := New(WithHTTPClient(testutil.VCRHTTPClient(recorder)))

	_, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model:      testModel(),
		Messages:   []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		MaxTokens:  4000,
		Credential: domain.Credential{APIKey: "bad-key"},
	})
	if err == nil {
		t.Fatal("Expected error for invalid key")
	}

	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if pe.Backend != domain.BackendOpenAI || pe.StatusCode != http.StatusUnauthorized {
		t.Errorf("unexpected provider error: %+v", pe)
	}
	if domain.AsAPIError(err).Type != domain.ErrorTypeAuthentication {
		t.Errorf("expected authentication error type, got %s", domain.AsAPIError(err).Type)
	}
}

func TestProvider_RequestMapping(t *testing.T) {
	var got map[string]any
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("invalid request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"x","model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}]}`)
	}))
	defer ts.Close()

	model := testModel()
	model.Capabilities.ExtendedThinking = true
	p := New(WithBaseURL(ts.URL))

	resp, err := p.Invoke(context.Background(), &domain.ProviderRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be nice"},
			{Role: domain.RoleUser, Content: "search"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "web_search", Arguments: json.RawMessage(`{"query":"q"}`)}}},
			{Role: domain.RoleTool, ToolCallID: "c1", ToolName: "web_search", Content: "result"},
		},
		MaxTokens:       321,
		ReasoningEffort: "high",
		Credential:      domain.Credential{APIKey: "sk-user"},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	if auth != "Bearer sk-user" {
		t.Errorf("Authorization = %q", auth)
	}
	if got["model"] != "gpt-4o-2024-08-06" {
		t.Errorf("model = %v, want native id", got["model"])
	}
	if got["max_completion_tokens"] != float64(321) {
		t.Errorf("max_completion_tokens = %v", got["max_completion_tokens"])
	}
	if got["reasoning_effort"] != "high" {
		t.Errorf("reasoning_effort = %v", got["reasoning_effort"])
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	toolMsg := msgs[3].(map[string]any)
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "c1" {
		t.Errorf("tool message = %v", toolMsg)
	}
	if !resp.Usage.Estimated || resp.Usage.TotalTokens == 0 {
		t.Errorf("expected estimated usage, got %+v", resp.Usage)
	}
}
