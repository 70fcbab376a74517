package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/stream"
)

// FrameWriter receives the frames of one streamed response.
type FrameWriter interface {
	Encode(f stream.Frame) error
}

// ErrClientGone is returned when writing a frame to the client failed.
var ErrClientGone = errors.New("client connection lost")

// Stream runs a request on the streaming path. Errors that reject the
// request before any backend call are returned and nothing is written.
// Once the backend is contacted every outcome is reported in frames ending
// with exactly one done or error frame; the returned error is then only
// non-nil when the client went away or ctx ended.
func (g *Gateway) Stream(ctx context.Context, req *domain.CompletionRequest, call Call, w FrameWriter) error {
	ctx, span := g.tracer.Start(ctx, "gateway.Stream", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Bool("stream", true),
	))
	defer span.End()

	p, err := g.prepare(ctx, req, call)
	if err != nil {
		endSpan(span, err)
		return err
	}
	span.SetAttributes(attribute.String("backend", p.model.Backend.String()))

	var resp *domain.CompletionResponse
	if p.model.Capabilities.Streaming {
		resp, err = g.relay(ctx, p, w)
	} else {
		resp, err = g.replay(ctx, p, w)
	}
	g.finish(p, true, resp, err)
	endSpan(span, err)

	if errors.Is(err, ErrClientGone) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// replay serves a model that cannot stream: the blocking result is split
// and written as if it had streamed.
func (g *Gateway) replay(ctx context.Context, p *prepared, w FrameWriter) (*domain.CompletionResponse, error) {
	resp, err := g.complete(ctx, p)
	if err != nil {
		return nil, g.fail(ctx, w, err)
	}
	if err := encodeAll(w, stream.FramesOf(stream.Split(resp.Content))); err != nil {
		return resp, err
	}
	return resp, encode(w, stream.Frame{Type: stream.EventDone, Done: doneOf(resp, false, false)})
}

// relay copies backend deltas to the client as they arrive, then finishes
// any tool round and writes the terminal frame.
func (g *Gateway) relay(ctx context.Context, p *prepared, w FrameWriter) (*domain.CompletionResponse, error) {
	// Cancelling ctx is what stops the adapter reading upstream.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := g.orchestrator.Prepare(p.req, p.snap)
	deltas, err := p.adapter.Stream(ctx, req)
	if err != nil {
		return nil, g.fail(ctx, w, err)
	}

	splitter := stream.NewSplitter()
	var (
		content   strings.Builder
		thinking  strings.Builder
		signature string
		calls     []domain.ToolCall
		usage     *domain.Usage
		upstream  error
	)

loop:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				break loop
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			switch {
			case d.Err != nil:
				upstream = d.Err
				break loop
			case d.ToolCall != nil:
				calls = append(calls, *d.ToolCall)
			case d.Usage != nil:
				usage = d.Usage
			case d.ThinkingSignature != "":
				signature = d.ThinkingSignature
			case d.Thinking != "":
				thinking.WriteString(d.Thinking)
			case d.Text != "":
				content.WriteString(d.Text)
				if err := encodeAll(w, splitter.Write(d.Text)); err != nil {
					return nil, err
				}
			}
		}
	}

	if upstream != nil && (!errors.Is(upstream, domain.ErrUpstreamClosed) || content.Len() == 0) {
		return nil, g.fail(ctx, w, upstream)
	}
	if err := encodeAll(w, splitter.Flush()); err != nil {
		return nil, err
	}

	first := &domain.ProviderResponse{
		ID:        p.id,
		Model:     p.model.NativeID,
		Content:   content.String(),
		Thinking:  thinking.String(),
		ToolCalls: calls,

		ThinkingSignature: signature,
	}
	if usage != nil {
		first.Usage = *usage
	} else {
		first.Usage = provider.NormalizeUsage(g.estimator, req, first.Content, domain.Usage{})
	}

	resp := &domain.CompletionResponse{ID: p.id, Model: p.model.ID, ExecutedTools: []string{}}
	amended, partial := false, upstream != nil
	if partial {
		// Whatever arrived is the answer; a truncated turn gets no tool round.
		g.logger.Warn("upstream stream ended early",
			slog.String("request_id", p.id),
			slog.String("error", upstream.Error()))
		resp.Content, resp.Thinking, resp.Usage = first.Content, first.Thinking, first.Usage
	} else {
		outcome := g.orchestrator.Resolve(ctx, p.adapter, req, p.snap, first)
		resp.Content = outcome.Response.Content
		resp.Thinking = outcome.Response.Thinking
		resp.Usage = outcome.Response.Usage
		resp.ExecutedTools = outcome.ExecutedTools
		amended = outcome.Amended
	}
	resp.Template = validateTemplate(p.template, resp.Content)

	return resp, encode(w, stream.Frame{Type: stream.EventDone, Done: doneOf(resp, amended, partial)})
}

// fail writes the terminal error frame for err and returns err, or the
// write failure if the client is gone.
func (g *Gateway) fail(ctx context.Context, w FrameWriter, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if werr := encode(w, stream.Frame{Type: stream.EventError, Message: domain.AsAPIError(err).Message}); werr != nil {
		return werr
	}
	return err
}

func doneOf(resp *domain.CompletionResponse, amended, partial bool) *stream.Done {
	usage := resp.Usage
	return &stream.Done{
		Content: resp.Content,
		Metadata: stream.DoneMetadata{
			ID:            resp.ID,
			Model:         resp.Model,
			ExecutedTools: resp.ExecutedTools,
			Thinking:      resp.Thinking,
			Usage:         &usage,
			Template:      resp.Template,
			Amended:       amended,
			Partial:       partial,
		},
	}
}

func encode(w FrameWriter, f stream.Frame) error {
	if err := w.Encode(f); err != nil {
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

func encodeAll(w FrameWriter, frames []stream.Frame) error {
	for _, f := range frames {
		if err := encode(w, f); err != nil {
			return err
		}
	}
	return nil
}
