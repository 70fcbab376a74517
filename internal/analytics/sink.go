// Package analytics records one event per finished completion request.
// Recording is fire-and-forget: a sink never blocks or fails the request
// that produced the event.
package analytics

import "github.com/tjfontaine/polyglot-completion-gateway/internal/domain"

// Sink accepts interaction records.
type Sink interface {
	Record(in *domain.Interaction)
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(*domain.Interaction) {}

type multi []Sink

func (m multi) Record(in *domain.Interaction) {
	for _, s := range m {
		s.Record(in)
	}
}

// Multi fans a record out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return Discard
	}
	return out
}
