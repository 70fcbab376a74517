// Package provider defines the backend adapter contract, the closed dispatch
// over the four backends, and the helpers every adapter shares.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// Adapter translates canonical requests to one backend's wire format and
// normalizes its output. Implementations are stateless and safe to share.
type Adapter interface {
	// Backend identifies the backend this adapter serves.
	Backend() domain.Backend

	// Invoke performs one non-streaming turn.
	Invoke(ctx context.Context, req *domain.ProviderRequest) (*domain.ProviderResponse, error)

	// Stream opens a streaming turn. The returned channel is closed by the
	// adapter when the upstream stream ends, fails, or ctx is cancelled. A
	// delta with a non-nil Err is always the last one sent.
	Stream(ctx context.Context, req *domain.ProviderRequest) (<-chan domain.Delta, error)
}

// ErrBackendNotConfigured is returned for a backend with no adapter.
var ErrBackendNotConfigured = errors.New("backend not configured")

// Registry holds one adapter per backend.
type Registry struct {
	OpenAI    Adapter
	Anthropic Adapter
	Gemini    Adapter
	Bedrock   Adapter
}

// For returns the adapter serving backend. Unconfigured backends fail with a
// ProviderError naming the backend.
func (r *Registry) For(backend domain.Backend) (Adapter, error) {
	var a Adapter
	switch backend {
	case domain.BackendOpenAI:
		a = r.OpenAI
	case domain.BackendAnthropic:
		a = r.Anthropic
	case domain.BackendGemini:
		a = r.Gemini
	case domain.BackendBedrock:
		a = r.Bedrock
	default:
		return nil, domain.NewProviderError(backend, 0, fmt.Errorf("unknown backend %d", int(backend)))
	}
	if a == nil {
		return nil, domain.NewProviderError(backend, 0, ErrBackendNotConfigured)
	}
	return a, nil
}

// Set installs an adapter under its own backend.
func (r *Registry) Set(a Adapter) {
	switch a.Backend() {
	case domain.BackendOpenAI:
		r.OpenAI = a
	case domain.BackendAnthropic:
		r.Anthropic = a
	case domain.BackendGemini:
		r.Gemini = a
	case domain.BackendBedrock:
		r.Bedrock = a
	}
}

// SanitizeMaxTokens clamps a requested output ceiling to
// max(1, min(requested or default, model max, model default max)).
func SanitizeMaxTokens(model *domain.ModelConfig, requested int) int {
	def := model.EffectiveDefaultMaxTokens()
	v := requested
	if v <= 0 {
		v = def
	}
	if model.MaxTokens > 0 && v > model.MaxTokens {
		v = model.MaxTokens
	}
	if v > def {
		v = def
	}
	if v < 1 {
		v = 1
	}
	return v
}

// ThinkingBudget maps a reasoning effort to a thinking token budget that fits
// under maxTokens. Zero means thinking should not be requested.
func ThinkingBudget(effort string, maxTokens int) int {
	budget := 2048
	switch effort {
	case "low", "minimal":
		budget = 1024
	case "high":
		budget = 8192
	}
	// The smallest budget backends accept is 1024, and it must leave room
	// for the answer itself.
	if budget >= maxTokens {
		budget = maxTokens / 2
	}
	if budget < 1024 {
		return 0
	}
	return budget
}

// Send delivers d on out unless ctx is done first.
func Send(ctx context.Context, out chan<- domain.Delta, d domain.Delta) bool {
	select {
	case out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

// StatusOf extracts the upstream HTTP status carried by err, if any.
func StatusOf(err error) int {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// ErrorTypeForStatus maps an upstream HTTP status to the canonical error type
// for backends whose SDKs only expose a status code.
func ErrorTypeForStatus(status int) domain.ErrorType {
	switch {
	case status == http.StatusBadRequest:
		return domain.ErrorTypeInvalidRequest
	case status == http.StatusUnauthorized:
		return domain.ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return domain.ErrorTypePermission
	case status == http.StatusNotFound:
		return domain.ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return domain.ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable, status == 529:
		return domain.ErrorTypeOverloaded
	default:
		return domain.ErrorTypeServer
	}
}

// MissingCredential is returned by adapters that cannot call their backend
// without an explicit key.
func MissingCredential(backend domain.Backend) error {
	return domain.NewProviderError(backend, 0,
		domain.NewAPIError(domain.ErrorTypeAuthentication, "no credential for "+backend.String()).
			WithCode(domain.ErrorCodeNoCredential))
}
