package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/entitlements"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/prompt"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

// Reasoning effort levels accepted on a request.
var efforts = map[string]bool{"": true, "low": true, "medium": true, "high": true}

// prepared is everything resolved before the first backend call.
type prepared struct {
	id       string
	start    time.Time
	userID   string
	model    *domain.ModelConfig
	adapter  provider.Adapter
	req      *domain.ProviderRequest
	snap     *tools.PolicySnapshot
	template *storage.OutputTemplate
}

func (p *prepared) interaction(streaming bool) *domain.Interaction {
	return &domain.Interaction{
		RequestID: p.id,
		UserID:    p.userID,
		Model:     p.model.ID,
		Backend:   p.model.Backend,
		Streaming: streaming,
		CreatedAt: p.start,
	}
}

func validate(req *domain.CompletionRequest) error {
	if strings.TrimSpace(req.Model) == "" {
		return domain.NewValidationError("model", "model is required")
	}
	if len(req.Messages) == 0 {
		return domain.NewValidationError("messages", "at least one message is required")
	}

	conversational := false
	for i, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleSystem:
		case domain.RoleUser, domain.RoleAssistant:
			conversational = true
		default:
			return domain.NewValidationError(fmt.Sprintf("messages[%d].role", i), "unsupported role %q", msg.Role)
		}
		if msg.Role == domain.RoleUser && strings.TrimSpace(msg.Content) == "" {
			return domain.NewValidationError(fmt.Sprintf("messages[%d].content", i), "user message is empty")
		}
	}
	if !conversational {
		return domain.NewValidationError("messages", "at least one user or assistant message is required")
	}

	if req.MaxTokens < 0 {
		return domain.NewValidationError("max_tokens", "must not be negative")
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return domain.NewValidationError("temperature", "must be between 0 and 2")
	}
	if !efforts[req.ReasoningEffort] {
		return domain.NewValidationError("reasoning_effort", "must be one of low, medium, high")
	}
	return nil
}

// prepare runs every step that may reject the request before a backend is
// contacted.
func (g *Gateway) prepare(ctx context.Context, req *domain.CompletionRequest, call Call) (*prepared, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	model, ok := g.models[req.Model]
	if !ok {
		return nil, domain.NewValidationError("model", "unknown model %q", req.Model)
	}

	p := &prepared{id: call.RequestID, start: time.Now(), userID: req.UserID, model: model}
	if p.id == "" {
		p.id = "cmpl-" + uuid.New().String()
	}

	cred, err := g.entitlements.ResolveCredential(ctx, req.UserID, model)
	if err != nil {
		if errors.Is(err, entitlements.ErrNoCredential) {
			return nil, domain.NewAPIError(domain.ErrorTypePermission, err.Error()).
				WithCode(domain.ErrorCodeNoCredential)
		}
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	adapter, err := g.providers.For(model.Backend)
	if err != nil {
		return nil, err
	}

	layers, tmpl, err := g.layers(ctx, req)
	if err != nil {
		return nil, err
	}
	p.template = tmpl

	snap, err := g.snapshot(ctx, model.Backend)
	if err != nil {
		return nil, err
	}
	p.snap = snap

	effort := req.ReasoningEffort
	if effort == "" && req.Metadata.DeepResearch {
		effort = "high"
	}

	p.adapter = adapter
	p.req = &domain.ProviderRequest{
		Model:           model,
		Messages:        prompt.Assemble(layers, req.Messages),
		Temperature:     req.Temperature,
		MaxTokens:       provider.SanitizeMaxTokens(model, req.MaxTokens),
		ReasoningEffort: effort,
		Credential:      cred,
		UserAgent:       call.UserAgent,
	}
	return p, nil
}

// layers fetches the instruction layers. Every remote read happens here so
// assembly itself stays pure.
func (g *Gateway) layers(ctx context.Context, req *domain.CompletionRequest) (prompt.Layers, *storage.OutputTemplate, error) {
	var layers prompt.Layers
	var err error

	if layers.Knowledge, err = g.store.KnowledgeLayer(ctx, req.ProjectID); err != nil {
		return layers, nil, fmt.Errorf("load knowledge layer: %w", err)
	}
	if req.ExpertID != "" {
		if layers.Expert, err = g.store.ExpertPrompt(ctx, req.ExpertID); err != nil {
			return layers, nil, fmt.Errorf("load expert prompt: %w", err)
		}
	}
	if req.UserID != "" {
		if layers.Profile, err = g.store.ProfileLayer(ctx, req.UserID); err != nil {
			return layers, nil, fmt.Errorf("load profile layer: %w", err)
		}
	}

	task := prompt.TaskInput{
		Summary:      req.Metadata.TaskSummary,
		DeepResearch: req.Metadata.DeepResearch,
	}
	var tmpl *storage.OutputTemplate
	if id := req.Metadata.TemplateID; id != "" {
		tmpl, err = g.store.OutputTemplate(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return layers, nil, domain.NewValidationError("metadata.template_id", "unknown template %q", id)
		}
		if err != nil {
			return layers, nil, fmt.Errorf("load template: %w", err)
		}
		task.TemplateInstructions = tmpl.Instructions
		task.RequiredSections = tmpl.RequiredSections
	}
	layers.Task = prompt.TaskLayer(task)

	return layers, tmpl, nil
}

// snapshot freezes the tool policies in force for one request.
func (g *Gateway) snapshot(ctx context.Context, backend domain.Backend) (*tools.PolicySnapshot, error) {
	policies, err := g.store.ListToolPolicies(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("load tool policies: %w", err)
	}
	allow, err := g.store.ActiveToolPolicyAllowlist(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tool policy allowlist: %w", err)
	}
	return tools.NewPolicySnapshot(backend, policies, allow), nil
}
