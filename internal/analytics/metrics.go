package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
)

// Metrics exports request records as Prometheus series.
type Metrics struct {
	// Requests counts finished requests.
	// Labels: backend, model, mode (stream|sync), outcome
	Requests *prometheus.CounterVec

	// Duration measures request latency in seconds.
	// Labels: backend, model, mode
	Duration *prometheus.HistogramVec

	// Tokens counts tokens. Labels: backend, model, type (prompt|completion)
	Tokens *prometheus.CounterVec

	// ToolExecutions counts executed tools. Labels: tool
	ToolExecutions *prometheus.CounterVec
}

// NewMetrics registers the gateway series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgw_requests_total",
				Help: "Completion requests by backend, model, mode and outcome",
			},
			[]string{"backend", "model", "mode", "outcome"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cgw_request_duration_seconds",
				Help:    "Completion request duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "model", "mode"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgw_tokens_total",
				Help: "Tokens used by backend, model and type",
			},
			[]string{"backend", "model", "type"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgw_tool_executions_total",
				Help: "Tools executed inside a completion request",
			},
			[]string{"tool"},
		),
	}
}

// Record implements Sink.
func (m *Metrics) Record(in *domain.Interaction) {
	backend := in.Backend.String()
	mode := "sync"
	if in.Streaming {
		mode = "stream"
	}

	m.Requests.WithLabelValues(backend, in.Model, mode, string(in.Outcome)).Inc()
	m.Duration.WithLabelValues(backend, in.Model, mode).Observe(in.Duration.Seconds())
	if in.Usage.PromptTokens > 0 {
		m.Tokens.WithLabelValues(backend, in.Model, "prompt").Add(float64(in.Usage.PromptTokens))
	}
	if in.Usage.CompletionTokens > 0 {
		m.Tokens.WithLabelValues(backend, in.Model, "completion").Add(float64(in.Usage.CompletionTokens))
	}
	for _, tool := range in.ExecutedTools {
		m.ToolExecutions.WithLabelValues(tool).Inc()
	}
}
