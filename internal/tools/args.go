package tools

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// ErrUnknownTool is returned for a tool name outside the catalog.
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidArguments is returned when a call's arguments fail validation.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Invocation is a validated tool call. It is either a SearchCall or a
// CodeCall.
type Invocation interface {
	Tool() string
	invocation()
}

// SearchCall asks the web search executor for Query.
type SearchCall struct {
	Query string `json:"query"`
}

func (SearchCall) Tool() string { return WebSearch }
func (SearchCall) invocation()  {}

// CodeCall asks the sandbox named Name to run Code.
type CodeCall struct {
	Name string `json:"-"`
	Code string `json:"code"`
}

func (c CodeCall) Tool() string { return c.Name }
func (CodeCall) invocation()    {}

// ParseCall validates call's arguments against its tool schema and decodes
// them into an Invocation.
func ParseCall(call domain.ToolCall) (Invocation, error) {
	s, err := lookup(call.Name)
	if err != nil {
		return nil, err
	}

	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}
	if err := s.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
	}

	switch call.Name {
	case WebSearch:
		var sc SearchCall
		if err := json.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
		}
		return sc, nil
	default:
		cc := CodeCall{Name: call.Name}
		if err := json.Unmarshal(raw, &cc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
		}
		return cc, nil
	}
}
