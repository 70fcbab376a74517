package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/stream"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

// frameRecorder collects frames and can run a hook after each one.
type frameRecorder struct {
	mu      sync.Mutex
	frames  []stream.Frame
	onFrame func(frames []stream.Frame)
	fail    error
}

func (r *frameRecorder) Encode(f stream.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.frames = append(r.frames, f)
	if r.onFrame != nil {
		r.onFrame(r.frames)
	}
	return nil
}

func (r *frameRecorder) types() []stream.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.EventType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func (r *frameRecorder) last(t *testing.T) stream.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		t.Fatal("no frames written")
	}
	return r.frames[len(r.frames)-1]
}

func equalTypes(a, b []stream.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStream_CodeBlockFrames(t *testing.T) {
	adapter := &stubAdapter{deltas: []domain.Delta{
		{Text: "Hi \n```python\nprint(1)\n```"},
		{Usage: &domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}},
	}}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "code"), Call{}, w); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}

	want := []stream.EventType{
		stream.EventTextDelta, stream.EventCodeStart, stream.EventCodeDelta, stream.EventCodeEnd, stream.EventDone,
	}
	if got := w.types(); !equalTypes(got, want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}
	if w.frames[0].Text != "Hi " || w.frames[1].Lang != "python" || w.frames[2].Text != "print(1)" {
		t.Errorf("frames = %+v", w.frames)
	}

	done := w.last(t).Done
	if done.Content != "Hi \n```python\nprint(1)\n```" {
		t.Errorf("done content = %q", done.Content)
	}
	if done.Metadata.Usage == nil || done.Metadata.Usage.TotalTokens != 12 || done.Metadata.Amended || done.Metadata.Partial {
		t.Errorf("done metadata = %+v", done.Metadata)
	}
	if in := f.sink.last(t); !in.Streaming || in.Outcome != domain.OutcomeSuccess {
		t.Errorf("interaction = %+v", in)
	}
}

func TestStream_EstimatesMissingUsage(t *testing.T) {
	adapter := &stubAdapter{deltas: []domain.Delta{{Text: "some answer text"}}}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "hi"), Call{}, w); err != nil {
		t.Fatal(err)
	}
	usage := w.last(t).Done.Metadata.Usage
	if usage == nil || !usage.Estimated || usage.CompletionTokens == 0 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStream_ToolRoundAmendsDone(t *testing.T) {
	adapter := &stubAdapter{
		deltas: []domain.Delta{
			{Text: "Checking."},
			{ToolCall: &domain.ToolCall{ID: "c1", Name: tools.WebSearch, Arguments: json.RawMessage(`{"query":"weather"}`)}},
		},
		responses: []*domain.ProviderResponse{{Content: "Sunny all day."}},
	}
	searcher := &stubSearcher{result: &tools.SearchResult{Answer: "sunny", Sources: []string{"https://w"}}}
	f := newFixture(t, adapter, &tools.Catalog{Search: searcher})
	enableTool(t, f.store, tools.WebSearch, true)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "weather?"), Call{}, w); err != nil {
		t.Fatal(err)
	}

	done := w.last(t).Done
	if done == nil || done.Content != "Sunny all day.\n\nsunny\n\nSources:\n1. https://w" || !done.Metadata.Amended {
		t.Fatalf("done = %+v", done)
	}
	if len(done.Metadata.ExecutedTools) != 1 || done.Metadata.ExecutedTools[0] != tools.WebSearch {
		t.Errorf("executed = %v", done.Metadata.ExecutedTools)
	}
	if len(adapter.request(0).Tools) != 1 {
		t.Errorf("stream request tools = %+v", adapter.request(0).Tools)
	}
}

func TestStream_ToolRoundReplaysSignedThinking(t *testing.T) {
	adapter := &stubAdapter{
		deltas: []domain.Delta{
			{Thinking: "Search it."},
			{ThinkingSignature: "sig-1"},
			{Text: "Checking."},
			{ToolCall: &domain.ToolCall{ID: "c1", Name: tools.WebSearch, Arguments: json.RawMessage(`{"query":"weather"}`)}},
		},
		responses: []*domain.ProviderResponse{{Content: "Sunny all day."}},
	}
	searcher := &stubSearcher{result: &tools.SearchResult{Answer: "sunny"}}
	f := newFixture(t, adapter, &tools.Catalog{Search: searcher})
	enableTool(t, f.store, tools.WebSearch, true)

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "weather?"), Call{}, &frameRecorder{}); err != nil {
		t.Fatal(err)
	}

	msgs := adapter.request(1).Messages
	var assistant *domain.Message
	for i := range msgs {
		if msgs[i].Role == domain.RoleAssistant && len(msgs[i].ToolCalls) == 1 {
			assistant = &msgs[i]
		}
	}
	if assistant == nil || assistant.Thinking != "Search it." || assistant.ThinkingSignature != "sig-1" {
		t.Errorf("assistant tool turn = %+v", assistant)
	}
}

func TestStream_BlockedToolAnnotatesDone(t *testing.T) {
	adapter := &stubAdapter{deltas: []domain.Delta{
		{Text: "Let me compute this."},
		{ToolCall: &domain.ToolCall{ID: "c1", Name: tools.PythonExecute, Arguments: json.RawMessage(`{"code":"1"}`)}},
	}}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "x"), Call{}, w); err != nil {
		t.Fatal(err)
	}
	done := w.last(t).Done
	want := "Let me compute this.\n\n[Tool use blocked by administrator policy: python_execute]"
	if done == nil || done.Content != want || !done.Metadata.Amended || len(done.Metadata.ExecutedTools) != 0 {
		t.Errorf("done = %+v", done)
	}
}

func TestStream_ClientCancel(t *testing.T) {
	stopped := make(chan struct{})
	adapter := &stubAdapter{
		deltas:  []domain.Delta{{Text: "one "}, {Text: "two "}, {Text: "three "}, {Text: "four"}},
		hold:    true,
		stopped: stopped,
	}
	f := newFixture(t, adapter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &frameRecorder{onFrame: func(frames []stream.Frame) {
		if len(frames) == 2 {
			cancel()
		}
	}}

	err := f.gw.Stream(ctx, userRequest("gpt-test", "count"), Call{}, w)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Stream() error = %v, want context.Canceled", err)
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream reader still running after cancel")
	}

	want := []stream.EventType{stream.EventTextDelta, stream.EventTextDelta}
	if got := w.types(); !equalTypes(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
	if in := f.sink.last(t); in.Outcome != domain.OutcomeCancelled {
		t.Errorf("outcome = %s", in.Outcome)
	}
}

func TestStream_ClientWriteFailure(t *testing.T) {
	stopped := make(chan struct{})
	adapter := &stubAdapter{
		deltas:  []domain.Delta{{Text: "a"}, {Text: "b"}},
		hold:    true,
		stopped: stopped,
	}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{fail: errors.New("broken pipe")}

	err := f.gw.Stream(context.Background(), userRequest("gpt-test", "x"), Call{}, w)
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("Stream() error = %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream reader still running after write failure")
	}
}

func TestStream_PartialUpstream(t *testing.T) {
	adapter := &stubAdapter{deltas: []domain.Delta{
		{Text: "partial answer"},
		{Err: fmt.Errorf("%w: unexpected EOF", domain.ErrUpstreamClosed)},
	}}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "x"), Call{}, w); err != nil {
		t.Fatal(err)
	}

	want := []stream.EventType{stream.EventTextDelta, stream.EventDone}
	if got := w.types(); !equalTypes(got, want) {
		t.Fatalf("frames = %v", got)
	}
	done := w.last(t).Done
	if done.Content != "partial answer" || !done.Metadata.Partial {
		t.Errorf("done = %+v", done)
	}
}

func TestStream_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		adapter *stubAdapter
		frames  []stream.EventType
	}{
		{
			name:    "open fails",
			adapter: &stubAdapter{streamErr: domain.NewProviderError(domain.BackendOpenAI, 401, errors.New("bad key"))},
			frames:  []stream.EventType{stream.EventError},
		},
		{
			name: "closed before content",
			adapter: &stubAdapter{deltas: []domain.Delta{
				{Err: fmt.Errorf("%w: EOF", domain.ErrUpstreamClosed)},
			}},
			frames: []stream.EventType{stream.EventError},
		},
		{
			name: "error mid stream",
			adapter: &stubAdapter{deltas: []domain.Delta{
				{Text: "half"},
				{Err: domain.NewProviderError(domain.BackendOpenAI, 0, errors.New("overloaded"))},
			}},
			frames: []stream.EventType{stream.EventTextDelta, stream.EventError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.adapter, nil)
			w := &frameRecorder{}

			if err := f.gw.Stream(context.Background(), userRequest("gpt-test", "x"), Call{}, w); err != nil {
				t.Fatalf("Stream() error = %v", err)
			}
			if got := w.types(); !equalTypes(got, tt.frames) {
				t.Fatalf("frames = %v, want %v", got, tt.frames)
			}
			if w.last(t).Message == "" {
				t.Error("error frame has no message")
			}
			if in := f.sink.last(t); in.Outcome != domain.OutcomeError {
				t.Errorf("outcome = %s", in.Outcome)
			}
		})
	}
}

func TestStream_RejectsBeforeWriting(t *testing.T) {
	f := newFixture(t, &stubAdapter{}, nil)
	w := &frameRecorder{}

	err := f.gw.Stream(context.Background(), userRequest("missing", "x"), Call{}, w)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(w.types()) != 0 {
		t.Errorf("frames written: %v", w.types())
	}
}

func TestStream_NonStreamingModel(t *testing.T) {
	adapter := &stubAdapter{responses: []*domain.ProviderResponse{{Content: "Hi \n```python\nprint(1)\n```"}}}
	f := newFixture(t, adapter, nil)
	w := &frameRecorder{}

	if err := f.gw.Stream(context.Background(), userRequest("gpt-batch", "x"), Call{}, w); err != nil {
		t.Fatal(err)
	}

	want := []stream.EventType{
		stream.EventTextDelta, stream.EventCodeStart, stream.EventCodeDelta, stream.EventCodeEnd, stream.EventDone,
	}
	if got := w.types(); !equalTypes(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
	if done := w.last(t).Done; done.Metadata.Model != "gpt-batch" {
		t.Errorf("done metadata = %+v", done.Metadata)
	}
}
