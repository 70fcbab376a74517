// Package tokens counts tokens locally so usage can be reported for backends
// that omit it.
package tokens

import (
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// Registry picks the most accurate counter for a model, falling back to a
// character estimator.
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a registry with only the fallback estimator.
func NewRegistry() *Registry {
	return &Registry{
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry creates a registry with the tiktoken counter registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewOpenAICounter())
	return r
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// GetCounter returns the appropriate counter for a model.
func (r *Registry) GetCounter(model string) domain.TokenCounter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// EstimateUsage fills the canonical usage shape from the prompt and the
// completion text. The result is always flagged as estimated.
func (r *Registry) EstimateUsage(model string, prompt []domain.Message, completion string) domain.Usage {
	counter := r.GetCounter(model)
	in := counter.CountMessages(model, prompt)
	out := counter.CountText(model, completion)
	return domain.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
		Estimated:        true,
	}
}

// Estimator provides token count estimation based on character counts.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountMessages estimates prompt tokens.
func (e *Estimator) CountMessages(model string, msgs []domain.Message) int {
	totalChars := 0
	for _, msg := range msgs {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		totalChars += 4 // role tokens + separators
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return int(float64(totalChars) / e.CharsPerToken)
}

// CountText estimates the tokens of text.
func (e *Estimator) CountText(model, text string) int {
	return int(float64(len(text)) / e.CharsPerToken)
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
