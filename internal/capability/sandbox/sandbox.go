// Package sandbox runs model-written code for the code interpreter tool.
//
// A Sandbox owns one runtime that is created on first use and shared by every
// request afterwards. All executions go through a single mutex. A runtime
// that times out or fails is discarded and rebuilt on the next run.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Runtime names accepted by New.
const (
	RuntimeGo     = "go"
	RuntimePython = "python"
)

// ErrorPrefix marks output that reports a failure of the submitted code
// rather than its normal output.
const ErrorPrefix = "Error: "

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxOutput = 64 * 1024
)

// Result is what one execution produced. Err is a failure of the code
// itself; Output holds whatever was written before it.
type Result struct {
	Output string
	Err    error
}

// Runtime executes code. Init is called once before the first Exec. An
// error from Exec means the runtime itself failed.
type Runtime interface {
	Init(ctx context.Context) error
	Exec(ctx context.Context, code string) (Result, error)
}

// closer is implemented by runtimes holding remote resources.
type closer interface {
	Close(ctx context.Context) error
}

// Config selects and tunes the runtime.
type Config struct {
	// Runtime is "go" (embedded interpreter, the default) or "python"
	// (Daytona sandbox).
	Runtime string
	// Interpreter is the python command inside the sandbox. Defaults to python3.
	Interpreter string
	// Daytona is required by the python runtime.
	Daytona DaytonaConfig
	// Timeout bounds one execution. Defaults to 10s.
	Timeout time.Duration
	// MaxOutput truncates captured output. Defaults to 64KiB.
	MaxOutput int
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) {
		s.logger = logger
	}
}

// WithRuntime replaces the runtime factory.
func WithRuntime(tool string, factory func() Runtime) Option {
	return func(s *Sandbox) {
		s.tool = tool
		s.factory = factory
	}
}

// Sandbox is the process-wide code execution resource.
type Sandbox struct {
	tool      string
	factory   func() Runtime
	timeout   time.Duration
	maxOutput int
	logger    *slog.Logger

	mu sync.Mutex
	rt Runtime
}

// New creates a sandbox. The runtime is not started until the first Run.
func New(cfg Config, opts ...Option) (*Sandbox, error) {
	s := &Sandbox{
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutput,
		logger:    slog.Default(),
	}
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}
	if s.maxOutput <= 0 {
		s.maxOutput = defaultMaxOutput
	}

	switch strings.ToLower(cfg.Runtime) {
	case RuntimeGo, "":
		s.tool = "go_execute"
		s.factory = func() Runtime { return NewGoRuntime() }
	case RuntimePython:
		if strings.TrimSpace(cfg.Daytona.APIKey) == "" {
			return nil, ErrNoIsolation
		}
		s.tool = "python_execute"
		s.factory = func() Runtime { return NewDaytonaRuntime(cfg.Daytona, cfg.Interpreter) }
	default:
		return nil, fmt.Errorf("unknown sandbox runtime %q", cfg.Runtime)
	}

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ToolName is the tool this sandbox answers to.
func (s *Sandbox) ToolName() string {
	return s.tool
}

// Run executes code and returns its output. Failures of the code are
// returned as output starting with ErrorPrefix; only runtime failures are
// returned as errors.
func (s *Sandbox) Run(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rt == nil {
		rt := s.factory()
		if err := rt.Init(ctx); err != nil {
			return "", fmt.Errorf("sandbox init: %w", err)
		}
		s.rt = rt
		s.logger.Info("sandbox runtime started", slog.String("tool", s.tool))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.rt.Exec(ctx, code)
	if err != nil {
		s.discard(ctx)
		return "", fmt.Errorf("sandbox exec: %w", err)
	}
	s.logger.Debug("sandbox executed",
		slog.String("tool", s.tool),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("failed", res.Err != nil),
	)

	out := s.truncate(res.Output)
	if res.Err == nil {
		return out, nil
	}

	msg := res.Err.Error()
	if errors.Is(res.Err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = fmt.Sprintf("execution timed out after %s", s.timeout)
		s.discard(ctx)
	}
	if out != "" {
		return ErrorPrefix + msg + "\n" + out, nil
	}
	return ErrorPrefix + msg, nil
}

// Close releases the runtime.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.release(ctx)
}

// discard drops a runtime whose code may still be running. Callers hold mu.
func (s *Sandbox) discard(ctx context.Context) {
	if err := s.release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("sandbox release failed", slog.String("tool", s.tool), slog.String("error", err.Error()))
	}
	s.logger.Info("sandbox runtime discarded", slog.String("tool", s.tool))
}

func (s *Sandbox) release(ctx context.Context) error {
	rt := s.rt
	s.rt = nil
	if c, ok := rt.(closer); ok {
		return c.Close(ctx)
	}
	return nil
}

func (s *Sandbox) truncate(out string) string {
	if len(out) <= s.maxOutput {
		return out
	}
	return out[:s.maxOutput] + "\n[output truncated]"
}
