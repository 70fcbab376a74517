// Package tools implements the single-round, policy-gated tool exchange:
// the catalog of tools a backend may be offered, argument validation, the
// frozen per-request policy snapshot and the orchestrator itself.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// Tool names as seen by backends.
const (
	WebSearch     = "web_search"
	PythonExecute = "python_execute"
	GoExecute     = "go_execute"
)

// SearchResult is the outcome of one web search.
type SearchResult struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Text renders the result as the tool output handed back to the backend.
func (r *SearchResult) Text() string {
	block := r.sourcesBlock()
	if block == "" {
		return r.Answer
	}
	return r.Answer + "\n\n" + block
}

// sourcesBlock numbers the distinct non-empty sources.
func (r *SearchResult) sourcesBlock() string {
	var b strings.Builder
	seen := make(map[string]bool, len(r.Sources))
	for _, s := range r.Sources {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		if b.Len() == 0 {
			b.WriteString("Sources:")
		}
		fmt.Fprintf(&b, "\n%d. %s", len(seen), s)
	}
	return b.String()
}

// Searcher answers web search queries.
type Searcher interface {
	Search(ctx context.Context, query string) (*SearchResult, error)
}

// CodeRunner executes a snippet in a sandbox and returns its captured output.
// Failures inside the snippet are reported in the output, not as an error.
type CodeRunner interface {
	// ToolName is the tool the runner answers to (python_execute or go_execute).
	ToolName() string
	Run(ctx context.Context, code string) (string, error)
}

const webSearchSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "The search query."}
  },
  "required": ["query"],
  "additionalProperties": false
}`

const codeSchema = `{
  "type": "object",
  "properties": {
    "code": {"type": "string", "minLength": 1, "description": "Complete program source to execute."}
  },
  "required": ["code"],
  "additionalProperties": false
}`

type toolDef struct {
	description string
	parameters  map[string]any
	schema      *jsonschema.Schema
}

var (
	defsOnce sync.Once
	defsErr  error
	toolDefs map[string]*toolDef
)

func loadToolDefs() error {
	defsOnce.Do(func() {
		defs := map[string]struct{ description, schema string }{
			WebSearch:     {"Search the web for current information. Returns an answer with numbered sources.", webSearchSchema},
			PythonExecute: {"Execute a Python program in a sandbox and return its standard output.", codeSchema},
			GoExecute:     {"Execute a Go program (package main) in a sandbox and return its standard output.", codeSchema},
		}

		toolDefs = make(map[string]*toolDef, len(defs))
		for name, d := range defs {
			compiled, err := jsonschema.CompileString(name+".schema.json", d.schema)
			if err != nil {
				defsErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			var params map[string]any
			if err := json.Unmarshal([]byte(d.schema), &params); err != nil {
				defsErr = fmt.Errorf("decode %s schema: %w", name, err)
				return
			}
			toolDefs[name] = &toolDef{description: d.description, parameters: params, schema: compiled}
		}
	})
	return defsErr
}

func lookup(name string) (*toolDef, error) {
	if err := loadToolDefs(); err != nil {
		return nil, err
	}
	s, ok := toolDefs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return s, nil
}

// Catalog holds the process-wide executors. Either may be nil, in which case
// the corresponding tool is never offered.
type Catalog struct {
	Search  Searcher
	Sandbox CodeRunner
}

// SandboxTool is the name the configured sandbox answers to.
func (c *Catalog) SandboxTool() string {
	if c == nil || c.Sandbox == nil {
		return PythonExecute
	}
	return c.Sandbox.ToolName()
}

// Capable reports whether the model's capability flags cover tool.
func (c *Catalog) Capable(tool string, caps domain.Capabilities) bool {
	switch tool {
	case WebSearch:
		return caps.WebSearch
	case c.SandboxTool():
		return caps.CodeInterpreter
	default:
		return false
	}
}

// Definitions returns the tools to offer a backend: those with a configured
// executor whose capability flag is set and whose policy is enabled. A
// policy's safety note is appended to the description.
func (c *Catalog) Definitions(caps domain.Capabilities, snap *PolicySnapshot) []domain.ToolDefinition {
	if c == nil {
		return nil
	}

	var names []string
	if c.Search != nil {
		names = append(names, WebSearch)
	}
	if c.Sandbox != nil {
		names = append(names, c.SandboxTool())
	}

	var defs []domain.ToolDefinition
	for _, name := range names {
		if !c.Capable(name, caps) || !snap.Enabled(name) {
			continue
		}
		s, err := lookup(name)
		if err != nil {
			continue
		}
		desc := s.description
		if note := snap.SafetyNote(name); note != "" {
			desc += " " + note
		}
		defs = append(defs, domain.ToolDefinition{
			Name:        name,
			Description: desc,
			Parameters:  s.parameters,
		})
	}
	return defs
}
