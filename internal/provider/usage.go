package provider

import (
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tokens"
)

// UsageEstimator counts tokens locally when a backend omits them.
type UsageEstimator interface {
	EstimateUsage(model string, prompt []domain.Message, completion string) domain.Usage
}

// DefaultEstimator is used by adapters constructed without one.
var DefaultEstimator UsageEstimator = tokens.NewDefaultRegistry()

// NormalizeUsage returns u with missing counters filled in. Counters the
// backend reported are kept; any estimated counter marks the result as
// estimated.
func NormalizeUsage(est UsageEstimator, req *domain.ProviderRequest, content string, u domain.Usage) domain.Usage {
	if est == nil {
		est = DefaultEstimator
	}
	if u.PromptTokens == 0 || (u.CompletionTokens == 0 && content != "") {
		guess := est.EstimateUsage(req.Model.NativeID, req.Messages, content)
		if u.PromptTokens == 0 {
			u.PromptTokens = guess.PromptTokens
			u.Estimated = true
		}
		if u.CompletionTokens == 0 && content != "" {
			u.CompletionTokens = guess.CompletionTokens
			u.Estimated = true
		}
	}
	if u.Estimated || u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
