// Package prompt merges ordered instruction layers with conversation history
// into the canonical message list sent to every backend.
package prompt

import (
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// LayerKind names one instruction layer. The declaration order is the merge
// order.
type LayerKind int

const (
	LayerKnowledge LayerKind = iota
	LayerExpert
	LayerTask
	LayerProfile
)

func (k LayerKind) String() string {
	switch k {
	case LayerKnowledge:
		return "knowledge"
	case LayerExpert:
		return "expert"
	case LayerTask:
		return "task"
	case LayerProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Layer is one named block of instruction text.
type Layer struct {
	Kind LayerKind
	Text string
}

// Layers holds the already-resolved text of every layer. Empty layers are
// skipped.
type Layers struct {
	Knowledge string
	Expert    string
	Task      string
	Profile   string
}

// Ordered returns the non-empty layers in merge order.
func (l Layers) Ordered() []Layer {
	all := []Layer{
		{Kind: LayerKnowledge, Text: l.Knowledge},
		{Kind: LayerExpert, Text: l.Expert},
		{Kind: LayerTask, Text: l.Task},
		{Kind: LayerProfile, Text: l.Profile},
	}
	out := all[:0]
	for _, layer := range all {
		if strings.TrimSpace(layer.Text) != "" {
			out = append(out, layer)
		}
	}
	return out
}

// Separator joins layers inside the merged system message.
const Separator = "\n\n"

// Assemble builds the message list: at most one leading system message made
// of the layers joined by blank lines, then the history.
//
// System messages found in the history are hoisted in front of the knowledge
// layer so the result never holds more than one system message. All other
// history messages are copied unchanged and in order. Assemble does not
// modify its inputs.
func Assemble(layers Layers, history []domain.Message) []domain.Message {
	var parts []string
	rest := make([]domain.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == domain.RoleSystem {
			if text := strings.TrimSpace(msg.Content); text != "" {
				parts = append(parts, text)
			}
			continue
		}
		rest = append(rest, msg)
	}

	for _, layer := range layers.Ordered() {
		parts = append(parts, strings.TrimSpace(layer.Text))
	}

	if len(parts) == 0 {
		return rest
	}

	out := make([]domain.Message, 0, len(rest)+1)
	out = append(out, domain.Message{
		Role:    domain.RoleSystem,
		Content: strings.Join(parts, Separator),
	})
	return append(out, rest...)
}

// SplitSystem separates the merged system text from the remaining messages,
// for backends that carry the system prompt outside the message list.
func SplitSystem(msgs []domain.Message) (string, []domain.Message) {
	var system []string
	rest := make([]domain.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == domain.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, Separator), rest
}
