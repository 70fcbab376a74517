package domain

import (
	"fmt"
	"strings"
)

// Backend identifies one upstream language-model provider. The set is closed:
// every switch over Backend lists all four variants.
type Backend int

const (
	BackendOpenAI Backend = iota + 1
	BackendAnthropic
	BackendGemini
	BackendBedrock
)

// Backends lists every supported backend in declaration order.
var Backends = []Backend{BackendOpenAI, BackendAnthropic, BackendGemini, BackendBedrock}

func (b Backend) String() string {
	switch b {
	case BackendOpenAI:
		return "openai"
	case BackendAnthropic:
		return "anthropic"
	case BackendGemini:
		return "gemini"
	case BackendBedrock:
		return "bedrock"
	default:
		return fmt.Sprintf("backend(%d)", int(b))
	}
}

// ParseBackend maps a configuration name to a Backend.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "openai":
		return BackendOpenAI, nil
	case "anthropic":
		return BackendAnthropic, nil
	case "gemini", "google":
		return BackendGemini, nil
	case "bedrock", "aws":
		return BackendBedrock, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (b Backend) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Capabilities are the per-model feature flags declared in configuration.
type Capabilities struct {
	Streaming        bool `json:"streaming"`
	WebSearch        bool `json:"web_search"`
	CodeInterpreter  bool `json:"code_interpreter"`
	ExtendedThinking bool `json:"extended_thinking"`
}

// ModelConfig is the process-wide description of one servable model.
type ModelConfig struct {
	// ID is the backend-agnostic identifier clients send.
	ID string `json:"id"`
	// Backend serves the model.
	Backend Backend `json:"backend"`
	// NativeID is the backend's own model identifier.
	NativeID string `json:"native_id"`
	// MaxTokens is the backend's hard output ceiling.
	MaxTokens int `json:"max_tokens"`
	// DefaultMaxTokens applies when a request does not ask for a ceiling.
	// Zero means "derive from MaxTokens".
	DefaultMaxTokens int          `json:"default_max_tokens,omitempty"`
	Capabilities     Capabilities `json:"capabilities"`
}

// DefaultTokenCap bounds the derived default ceiling.
const DefaultTokenCap = 4000

// EffectiveDefaultMaxTokens returns the configured default ceiling, or 25% of
// MaxTokens capped at DefaultTokenCap when none is configured.
func (m *ModelConfig) EffectiveDefaultMaxTokens() int {
	if m.DefaultMaxTokens > 0 {
		return m.DefaultMaxTokens
	}
	derived := m.MaxTokens / 4
	if derived > DefaultTokenCap {
		derived = DefaultTokenCap
	}
	if derived < 1 {
		derived = 1
	}
	return derived
}

// ToolPolicy is an administrator decision for one tool on one backend.
type ToolPolicy struct {
	ID         string  `json:"id"`
	Backend    Backend `json:"backend"`
	Tool       string  `json:"tool"`
	Enabled    bool    `json:"enabled"`
	SafetyNote string  `json:"safety_note,omitempty"`
}

// Credential is what Entitlements hands back for one backend call.
type Credential struct {
	APIKey string
	// Source is "user" or "platform".
	Source string
}
