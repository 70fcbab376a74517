package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
)

// BlockedNotice appends the policy annotation for tool to draft.
func BlockedNotice(draft, tool string) string {
	notice := fmt.Sprintf("[Tool use blocked by administrator policy: %s]", tool)
	if strings.TrimSpace(draft) == "" {
		return notice
	}
	return draft + "\n\n" + notice
}

// Outcome is the terminal state of one orchestration pass.
type Outcome struct {
	// Response is the final turn. Its ToolCalls are always cleared.
	Response *domain.ProviderResponse

	// ExecutedTools holds the tool that ran, if any. Never more than one.
	ExecutedTools []string

	// Blocked names the tool refused by policy or capability.
	Blocked string

	// Amended is set when Response.Content differs from the first draft.
	Amended bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger used for tool failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// Orchestrator runs at most one tool round per request.
type Orchestrator struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over catalog.
func NewOrchestrator(catalog *Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{catalog: catalog, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.catalog == nil {
		o.catalog = &Catalog{}
	}
	return o
}

// Catalog returns the executors the orchestrator dispatches to.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// Prepare returns a copy of req carrying the tool definitions allowed by the
// model's capabilities and snap.
func (o *Orchestrator) Prepare(req *domain.ProviderRequest, snap *PolicySnapshot) *domain.ProviderRequest {
	next := *req
	next.Tools = o.catalog.Definitions(req.Model.Capabilities, snap)
	return &next
}

// Run submits req, then resolves any tool call in the first response. Only a
// failure of the first submission is returned as an error.
func (o *Orchestrator) Run(ctx context.Context, adapter provider.Adapter, req *domain.ProviderRequest, snap *PolicySnapshot) (*Outcome, error) {
	req = o.Prepare(req, snap)

	first, err := adapter.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Resolve(ctx, adapter, req, snap, first), nil
}

// Resolve finishes the exchange for a first response that has already been
// obtained, either from Invoke or from an accumulated stream. req must be the
// request that produced first.
func (o *Orchestrator) Resolve(ctx context.Context, adapter provider.Adapter, req *domain.ProviderRequest, snap *PolicySnapshot, first *domain.ProviderResponse) *Outcome {
	draft := *first
	draft.ToolCalls = nil
	out := &Outcome{Response: &draft, ExecutedTools: []string{}}

	if len(first.ToolCalls) == 0 {
		return out
	}

	call := first.ToolCalls[0]
	log := o.logger.With(
		slog.String("backend", req.Model.Backend.String()),
		slog.String("model", req.Model.ID),
		slog.String("tool", call.Name),
	)
	if n := len(first.ToolCalls); n > 1 {
		log.Info("ignoring extra tool calls", slog.Int("count", n-1))
	}

	if !o.catalog.Capable(call.Name, req.Model.Capabilities) || !snap.Enabled(call.Name) {
		log.Info("tool call blocked")
		draft.Content = BlockedNotice(first.Content, call.Name)
		out.Blocked = call.Name
		out.Amended = true
		return out
	}

	inv, err := ParseCall(call)
	if err != nil {
		log.Warn("tool call rejected", slog.String("error", err.Error()))
		return out
	}

	result, found, err := o.execute(ctx, inv)
	if err != nil {
		log.Warn("tool execution failed", slog.String("error", err.Error()))
		return out
	}

	messages := slices.Clone(req.Messages)
	messages = append(messages,
		domain.Message{
			Role:              domain.RoleAssistant,
			Content:           first.Content,
			ToolCalls:         []domain.ToolCall{call},
			Thinking:          first.Thinking,
			ThinkingSignature: first.ThinkingSignature,
		},
		domain.Message{
			Role:       domain.RoleTool,
			Content:    result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		},
	)
	next := *req
	next.Messages = messages

	final, err := adapter.Invoke(ctx, &next)
	if err != nil {
		log.Warn("final answer after tool failed", slog.String("error", err.Error()))
		return out
	}

	resp := *final
	resp.ToolCalls = nil
	if len(final.ToolCalls) > 0 {
		log.Info("ignoring tool call in final answer", slog.String("next_tool", final.ToolCalls[0].Name))
	}
	if strings.TrimSpace(resp.Content) == "" {
		resp.Content = result
	}
	if found != nil {
		resp.Content = citeSearch(resp.Content, found)
	}
	if resp.Thinking == "" {
		resp.Thinking = first.Thinking
	}
	resp.Usage = addUsage(first.Usage, final.Usage)

	out.Response = &resp
	out.ExecutedTools = []string{call.Name}
	out.Amended = resp.Content != first.Content
	return out
}

// execute runs inv and returns the text handed back to the backend. A web
// search also returns its structured result.
func (o *Orchestrator) execute(ctx context.Context, inv Invocation) (string, *SearchResult, error) {
	switch v := inv.(type) {
	case SearchCall:
		if o.catalog.Search == nil {
			return "", nil, errors.New("web search is not configured")
		}
		res, err := o.catalog.Search.Search(ctx, v.Query)
		if err != nil {
			return "", nil, err
		}
		return res.Text(), res, nil
	case CodeCall:
		if o.catalog.Sandbox == nil || o.catalog.Sandbox.ToolName() != v.Name {
			return "", nil, fmt.Errorf("no sandbox for %s", v.Name)
		}
		out, err := o.catalog.Sandbox.Run(ctx, v.Code)
		return out, nil, err
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool())
	}
}

// citeSearch appends the search answer and its sources to content unless the
// final answer already carries them.
func citeSearch(content string, r *SearchResult) string {
	parts := []string{}
	if strings.TrimSpace(content) != "" {
		parts = append(parts, strings.TrimRight(content, "\n"))
	}
	if answer := strings.TrimSpace(r.Answer); answer != "" && !strings.Contains(content, answer) {
		parts = append(parts, answer)
	}
	if block := r.sourcesBlock(); block != "" && !strings.Contains(content, "Sources:") {
		parts = append(parts, block)
	}
	return strings.Join(parts, "\n\n")
}

func addUsage(a, b domain.Usage) domain.Usage {
	return domain.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
		Estimated:        a.Estimated || b.Estimated,
	}
}
