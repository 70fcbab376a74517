// Package gateway coordinates one completion request end to end: it
// validates the request, resolves the model and credential, assembles the
// prompt layers, freezes the tool policies and then drives the backend
// adapter and the tool orchestrator on either the blocking or the streaming
// path.
package gateway

import (
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/analytics"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/entitlements"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

const tracerName = "github.com/tjfontaine/polyglot-completion-gateway/internal/gateway"

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithModels installs the model catalog. Ids must be unique.
func WithModels(models []domain.ModelConfig) Option {
	return func(g *Gateway) error {
		for i := range models {
			m := models[i]
			if m.ID == "" {
				return fmt.Errorf("model %d: id is required", i)
			}
			if _, dup := g.models[m.ID]; dup {
				return fmt.Errorf("model %s: duplicate id", m.ID)
			}
			if m.MaxTokens <= 0 {
				return fmt.Errorf("model %s: max_tokens must be positive", m.ID)
			}
			g.models[m.ID] = &m
		}
		return nil
	}
}

// WithProviders sets the backend adapters.
func WithProviders(r *provider.Registry) Option {
	return func(g *Gateway) error {
		g.providers = r
		return nil
	}
}

// WithOrchestrator sets the tool orchestrator.
func WithOrchestrator(o *tools.Orchestrator) Option {
	return func(g *Gateway) error {
		g.orchestrator = o
		return nil
	}
}

// WithStore sets the layer and policy store.
func WithStore(s storage.Store) Option {
	return func(g *Gateway) error {
		g.store = s
		return nil
	}
}

// WithEntitlements sets the credential resolver.
func WithEntitlements(r entitlements.Resolver) Option {
	return func(g *Gateway) error {
		g.entitlements = r
		return nil
	}
}

// WithAnalytics sets the analytics sink.
func WithAnalytics(s analytics.Sink) Option {
	return func(g *Gateway) error {
		g.analytics = s
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gateway) error {
		g.tracer = tp.Tracer(tracerName)
		return nil
	}
}

// WithEstimator sets the usage estimator for streams that end without usage.
func WithEstimator(est provider.UsageEstimator) Option {
	return func(g *Gateway) error {
		g.estimator = est
		return nil
	}
}

// Gateway is the completion coordinator. It is safe for concurrent use.
type Gateway struct {
	models       map[string]*domain.ModelConfig
	providers    *provider.Registry
	orchestrator *tools.Orchestrator
	store        storage.Store
	entitlements entitlements.Resolver
	analytics    analytics.Sink
	estimator    provider.UsageEstimator
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a Gateway. Providers, a store and an entitlements resolver
// are required.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{
		models:    make(map[string]*domain.ModelConfig),
		analytics: analytics.Discard,
		estimator: provider.DefaultEstimator,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if g.providers == nil {
		return nil, fmt.Errorf("providers required (use WithProviders)")
	}
	if g.store == nil {
		return nil, fmt.Errorf("store required (use WithStore)")
	}
	if g.entitlements == nil {
		return nil, fmt.Errorf("entitlements required (use WithEntitlements)")
	}
	if g.orchestrator == nil {
		g.orchestrator = tools.NewOrchestrator(nil, tools.WithLogger(g.logger))
	}
	return g, nil
}

// Models returns the catalog sorted by id.
func (g *Gateway) Models() []domain.ModelConfig {
	out := make([]domain.ModelConfig, 0, len(g.models))
	for _, m := range g.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Call carries transport details of one request.
type Call struct {
	// RequestID correlates logs, spans and analytics. Generated when empty.
	RequestID string
	// UserAgent is forwarded to the backend.
	UserAgent string
}
