// Package config loads the gateway configuration from an optional YAML file
// and CGW_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// EnvPrefix prefixes every environment override. Nested keys use "__",
// e.g. CGW_SERVER__PORT.
const EnvPrefix = "CGW_"

// DefaultPath is read when no path is given and the file exists.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Auth      AuthConfig      `koanf:"auth"`
	Backends  BackendsConfig  `koanf:"backends"`
	Models    []ModelConfig   `koanf:"models"`
	Tools     ToolsConfig     `koanf:"tools"`
	Analytics AnalyticsConfig `koanf:"analytics"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// WriteTimeout of zero leaves streams unbounded.
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// AuthConfig lists accepted client keys. With no keys the API is open and
// the user id is taken from the request body.
type AuthConfig struct {
	APIKeys []APIKeyConfig `koanf:"api_keys"`
}

type APIKeyConfig struct {
	KeyHash     string `koanf:"key_hash"`
	UserID      string `koanf:"user_id"`
	Description string `koanf:"description"`
}

type BackendsConfig struct {
	OpenAI    BackendConfig `koanf:"openai"`
	Anthropic BackendConfig `koanf:"anthropic"`
	Gemini    BackendConfig `koanf:"gemini"`
	Bedrock   BackendConfig `koanf:"bedrock"`
}

// Get returns the settings for backend.
func (b BackendsConfig) Get(backend domain.Backend) BackendConfig {
	switch backend {
	case domain.BackendOpenAI:
		return b.OpenAI
	case domain.BackendAnthropic:
		return b.Anthropic
	case domain.BackendGemini:
		return b.Gemini
	case domain.BackendBedrock:
		return b.Bedrock
	default:
		return BackendConfig{}
	}
}

// BackendConfig holds the platform credential for one backend.
type BackendConfig struct {
	APIKey        string   `koanf:"api_key"`
	BaseURL       string   `koanf:"base_url"`
	Region        string   `koanf:"region"` // bedrock only
	AllowedModels []string `koanf:"allowed_models"`
}

type ModelConfig struct {
	ID               string             `koanf:"id"`
	Backend          string             `koanf:"backend"`
	NativeID         string             `koanf:"native_id"`
	MaxTokens        int                `koanf:"max_tokens"`
	DefaultMaxTokens int                `koanf:"default_max_tokens"`
	Capabilities     CapabilitiesConfig `koanf:"capabilities"`
}

type CapabilitiesConfig struct {
	Streaming        bool `koanf:"streaming"`
	WebSearch        bool `koanf:"web_search"`
	CodeInterpreter  bool `koanf:"code_interpreter"`
	ExtendedThinking bool `koanf:"extended_thinking"`
}

type ToolsConfig struct {
	WebSearch WebSearchConfig `koanf:"web_search"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
}

type WebSearchConfig struct {
	Endpoint   string `koanf:"endpoint"`
	APIKey     string `koanf:"api_key"`
	MaxResults int    `koanf:"max_results"`

	// AllowPrivate permits an endpoint on a loopback or private network,
	// e.g. a self-hosted search service.
	AllowPrivate bool `koanf:"allow_private"`
}

type SandboxConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Runtime     string        `koanf:"runtime"` // go, python
	Interpreter string        `koanf:"interpreter"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxOutput   int           `koanf:"max_output"`
	Daytona     DaytonaConfig `koanf:"daytona"`
}

// DaytonaConfig is the remote sandbox the python runtime executes in.
type DaytonaConfig struct {
	APIKey   string        `koanf:"api_key"`
	APIURL   string        `koanf:"api_url"`
	Target   string        `koanf:"target"`
	Snapshot string        `koanf:"snapshot"`
	AutoStop time.Duration `koanf:"auto_stop"`
}

type AnalyticsConfig struct {
	Enabled bool `koanf:"enabled"`
	Buffer  int  `koanf:"buffer"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":           8080,
	"storage.type":          "sqlite",
	"storage.sqlite.path":   "gateway.db",
	"tools.sandbox.runtime": "go",
	"tools.sandbox.enabled": true,
	"analytics.enabled":     true,
	"analytics.buffer":      256,
}

// Load reads path (or DefaultPath when empty and present), applies CGW_
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expand()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand substitutes ${VAR} references in secrets.
func (c *Config) expand() {
	for _, b := range []*BackendConfig{&c.Backends.OpenAI, &c.Backends.Anthropic, &c.Backends.Gemini, &c.Backends.Bedrock} {
		b.APIKey = substituteEnvVars(b.APIKey)
		b.BaseURL = substituteEnvVars(b.BaseURL)
	}
	c.Tools.WebSearch.APIKey = substituteEnvVars(c.Tools.WebSearch.APIKey)
	c.Tools.Sandbox.Daytona.APIKey = substituteEnvVars(c.Tools.Sandbox.Daytona.APIKey)
	c.Storage.SQLite.Path = substituteEnvVars(c.Storage.SQLite.Path)
}

// Validate checks the model catalog.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("models[%d]: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if _, err := domain.ParseBackend(m.Backend); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
		if m.MaxTokens <= 0 {
			return fmt.Errorf("models[%d]: max_tokens must be positive", i)
		}
	}
	switch c.Storage.Type {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("storage.type: unsupported %q", c.Storage.Type)
	}
	return nil
}

// DomainModels converts the catalog to its domain form.
func (c *Config) DomainModels() ([]domain.ModelConfig, error) {
	out := make([]domain.ModelConfig, 0, len(c.Models))
	for _, m := range c.Models {
		backend, err := domain.ParseBackend(m.Backend)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		native := m.NativeID
		if native == "" {
			native = m.ID
		}
		out = append(out, domain.ModelConfig{
			ID:               m.ID,
			Backend:          backend,
			NativeID:         native,
			MaxTokens:        m.MaxTokens,
			DefaultMaxTokens: m.DefaultMaxTokens,
			Capabilities: domain.Capabilities{
				Streaming:        m.Capabilities.Streaming,
				WebSearch:        m.Capabilities.WebSearch,
				CodeInterpreter:  m.Capabilities.CodeInterpreter,
				ExtendedThinking: m.Capabilities.ExtendedThinking,
			},
		})
	}
	return out, nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
