// Package stream implements the framed event protocol used for streaming
// completions. The server side splits model text into prose and fenced code
// as it arrives and writes one frame per event; the client side parses
// frames back into an ordered list of content segments.
//
// Wire format, one frame per event:
//
//	event: <type>
//	data: <json line>
//	<blank line>
package stream

import (
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// EventType tags a frame.
type EventType string

const (
	EventTextDelta EventType = "text_delta"
	EventCodeStart EventType = "code_start"
	EventCodeDelta EventType = "code_delta"
	EventCodeEnd   EventType = "code_end"
	EventDone      EventType = "done"
	EventError     EventType = "error"
)

// Terminal reports whether t ends a frame sequence.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// Frame is one protocol event. Which fields are meaningful depends on Type.
type Frame struct {
	Type EventType

	// Text for text_delta and code_delta.
	Text string
	// Lang and RawLang for code_start.
	Lang    string
	RawLang string
	// Done for done.
	Done *Done
	// Message for error.
	Message string
}

// Done is the terminal payload of a successful response. Content is
// authoritative and may differ from the streamed deltas when a tool round
// amended the draft.
type Done struct {
	Content  string       `json:"content"`
	Metadata DoneMetadata `json:"metadata"`
}

// DoneMetadata describes how the final content was produced.
type DoneMetadata struct {
	ID            string                     `json:"id,omitempty"`
	Model         string                     `json:"model,omitempty"`
	ExecutedTools []string                   `json:"executedTools"`
	Thinking      string                     `json:"thinking,omitempty"`
	Usage         *domain.Usage              `json:"usage,omitempty"`
	Template      *domain.TemplateValidation `json:"template,omitempty"`
	// Amended is set when Content replaces the streamed draft.
	Amended bool `json:"amended,omitempty"`
	// Partial is set when the upstream ended early and Content is what
	// arrived before it did.
	Partial bool `json:"partial,omitempty"`
}

type textPayload struct {
	Text string `json:"text"`
}

type codeStartPayload struct {
	Lang    string `json:"lang"`
	RawLang string `json:"rawLang"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// SegmentKind distinguishes prose from code.
type SegmentKind string

const (
	SegmentText SegmentKind = "text"
	SegmentCode SegmentKind = "code"
)

// Segment is one reconstructed unit of display content.
type Segment struct {
	Kind    SegmentKind `json:"kind"`
	Content string      `json:"content"`
	Lang    string      `json:"lang,omitempty"`
}

// Text returns a text segment.
func Text(s string) Segment { return Segment{Kind: SegmentText, Content: s} }

// Code returns a code segment.
func Code(s, lang string) Segment { return Segment{Kind: SegmentCode, Content: s, Lang: lang} }
