// Package server exposes the gateway over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/gateway"
)

// Gateway is what the HTTP layer drives.
type Gateway interface {
	Complete(ctx context.Context, req *domain.CompletionRequest, call gateway.Call) (*domain.CompletionResponse, error)
	Stream(ctx context.Context, req *domain.CompletionRequest, call gateway.Call, w gateway.FrameWriter) error
	Models() []domain.ModelConfig
}

// Options configures a Server.
type Options struct {
	Port int
	// WriteTimeout of zero leaves responses, and so streams, unbounded.
	WriteTimeout time.Duration
	Logger       *slog.Logger
	// Authenticator is optional; without keys the API is open.
	Authenticator *auth.Authenticator
	Gateway       Gateway
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "completion-gateway")
	})

	h := &handlers{gw: opts.Gateway, logger: logger}

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		if opts.Authenticator != nil && opts.Authenticator.Len() > 0 {
			r.Use(AuthMiddleware(opts.Authenticator))
		}
		r.Get("/v1/models", h.listModels)
		r.Post("/v1/chat/completions", h.chatCompletions)
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      opts.WriteTimeout,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.http.Shutdown(ctx)
}
