package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// Complete runs a request on the blocking path: one backend call, at most
// one tool round, one response.
func (g *Gateway) Complete(ctx context.Context, req *domain.CompletionRequest, call Call) (*domain.CompletionResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Complete", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Bool("stream", false),
	))
	defer span.End()

	p, err := g.prepare(ctx, req, call)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("backend", p.model.Backend.String()))

	resp, err := g.complete(ctx, p)
	g.finish(p, false, resp, err)
	endSpan(span, err)
	return resp, err
}

func (g *Gateway) complete(ctx context.Context, p *prepared) (*domain.CompletionResponse, error) {
	outcome, err := g.orchestrator.Run(ctx, p.adapter, p.req, p.snap)
	if err != nil {
		return nil, err
	}

	final := outcome.Response
	return &domain.CompletionResponse{
		ID:            p.id,
		Model:         p.model.ID,
		Content:       final.Content,
		Thinking:      final.Thinking,
		Usage:         final.Usage,
		ExecutedTools: outcome.ExecutedTools,
		Template:      validateTemplate(p.template, final.Content),
	}, nil
}

// finish logs the request and hands its record to analytics.
func (g *Gateway) finish(p *prepared, streaming bool, resp *domain.CompletionResponse, err error) {
	in := p.interaction(streaming)
	in.Duration = time.Since(p.start)
	in.Outcome = domain.OutcomeSuccess
	if resp != nil {
		in.Usage = resp.Usage
		in.ExecutedTools = resp.ExecutedTools
	}

	attrs := []any{
		slog.String("request_id", p.id),
		slog.String("model", p.model.ID),
		slog.String("backend", p.model.Backend.String()),
		slog.Bool("stream", streaming),
		slog.Duration("duration", in.Duration),
	}
	switch {
	case errors.Is(err, context.Canceled):
		in.Outcome = domain.OutcomeCancelled
		g.logger.Info("completion cancelled", attrs...)
	case err != nil:
		in.Outcome = domain.OutcomeError
		in.Error = err.Error()
		g.logger.Error("completion failed", append(attrs, slog.String("error", err.Error()))...)
	default:
		g.logger.Info("completion finished", append(attrs,
			slog.Int("total_tokens", in.Usage.TotalTokens),
			slog.Any("executed_tools", in.ExecutedTools),
		)...)
	}

	g.analytics.Record(in)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
