// Package domain holds the canonical, backend-agnostic types shared by every
// layer of the completion gateway.
package domain

import "encoding/json"

// Message roles. RoleTool only appears inside a single tool round, when the
// orchestrator appends a tool result before resubmitting.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls for assistant messages that invoke a tool.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	// Thinking and ThinkingSignature replay the signed reasoning block of an
	// assistant tool-call turn. Never accepted from clients.
	Thinking          string `json:"-"`
	ThinkingSignature string `json:"-"`
}

// RequestMetadata carries optional per-request hints.
type RequestMetadata struct {
	DeepResearch bool   `json:"deep_research,omitempty"`
	TaskSummary  string `json:"task_summary,omitempty"`
	TemplateID   string `json:"template_id,omitempty"`
}

// CompletionRequest is the canonical request accepted by the gateway.
type CompletionRequest struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	Temperature     *float32        `json:"temperature,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Metadata        RequestMetadata `json:"metadata,omitempty"`

	UserID    string `json:"user_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	ExpertID  string `json:"expert_id,omitempty"`
}

// ToolDefinition describes a tool offered to a backend.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is a tool invocation as reported by a backend.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the plain text returned to the backend as a tool's output.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ProviderRequest is what an adapter receives: the assembled message list,
// the resolved model and an already clamped token ceiling.
type ProviderRequest struct {
	Model           *ModelConfig
	Messages        []Message
	Temperature     *float32
	MaxTokens       int
	ReasoningEffort string
	Tools           []ToolDefinition
	Credential      Credential
	UserAgent       string
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	TotalTokens      int  `json:"totalTokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// ProviderResponse is one backend turn normalized to canonical shape.
type ProviderResponse struct {
	ID           string
	Model        string
	Content      string
	Thinking     string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage

	// ThinkingSignature is the backend's signature over Thinking, when the
	// backend signs reasoning.
	ThinkingSignature string
}

// TemplateValidation reports whether a response honoured an output template.
type TemplateValidation struct {
	TemplateID      string   `json:"template_id"`
	Valid           bool     `json:"valid"`
	MissingSections []string `json:"missing_sections,omitempty"`
}

// CompletionResponse is the canonical, final result of a request.
type CompletionResponse struct {
	ID            string              `json:"id"`
	Model         string              `json:"model"`
	Content       string              `json:"content"`
	Thinking      string              `json:"thinking,omitempty"`
	Usage         Usage               `json:"usage"`
	ExecutedTools []string            `json:"executedTools"`
	Template      *TemplateValidation `json:"template,omitempty"`
}

// Delta is one raw increment read from a streaming backend. Exactly one of
// the fields is meaningful per delta; a non-nil Err ends the stream.
type Delta struct {
	Text              string
	Thinking          string
	ThinkingSignature string
	ToolCall          *ToolCall
	Usage             *Usage
	Err               error
}
