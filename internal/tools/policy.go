package tools

import "github.com/tjfontaine/polyglot-completion-gateway/internal/domain"

// PolicySnapshot is the read-only set of tool policies in force for one
// request. A tool without a policy is disabled.
type PolicySnapshot struct {
	policies map[string]domain.ToolPolicy
}

// NewPolicySnapshot freezes the policies of backend. When allowlist is
// non-nil only policies whose ID it contains are considered.
func NewPolicySnapshot(backend domain.Backend, policies []domain.ToolPolicy, allowlist map[string]struct{}) *PolicySnapshot {
	snap := &PolicySnapshot{policies: make(map[string]domain.ToolPolicy, len(policies))}
	for _, p := range policies {
		if p.Backend != backend {
			continue
		}
		if allowlist != nil {
			if _, ok := allowlist[p.ID]; !ok {
				continue
			}
		}
		snap.policies[p.Tool] = p
	}
	return snap
}

// Enabled reports whether tool may run. A nil snapshot enables nothing.
func (s *PolicySnapshot) Enabled(tool string) bool {
	if s == nil {
		return false
	}
	return s.policies[tool].Enabled
}

// SafetyNote returns the administrator note for tool, if any.
func (s *PolicySnapshot) SafetyNote(tool string) string {
	if s == nil {
		return ""
	}
	return s.policies[tool].SafetyNote
}

// Policies returns a copy of the frozen policies.
func (s *PolicySnapshot) Policies() []domain.ToolPolicy {
	if s == nil {
		return nil
	}
	out := make([]domain.ToolPolicy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out
}
