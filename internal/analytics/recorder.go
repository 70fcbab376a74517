package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

const (
	defaultBuffer = 256
	saveTimeout   = 5 * time.Second
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBuffer sets the queue length.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithLogger sets the logger for dropped and failed records.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// Recorder persists records on a background goroutine. When the queue is
// full the record is dropped with a warning.
type Recorder struct {
	store  storage.EventStore
	buffer int
	logger *slog.Logger

	queue chan *domain.Interaction
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder writing to store. Call Close to drain it.
func NewRecorder(store storage.EventStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		buffer: defaultBuffer,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan *domain.Interaction, r.buffer)
	go r.run()
	return r
}

// Record enqueues in without blocking.
func (r *Recorder) Record(in *domain.Interaction) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- in:
	default:
		r.logger.Warn("analytics queue full, dropping record",
			slog.String("request_id", in.RequestID))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for in := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		if err := r.store.SaveInteraction(ctx, in); err != nil {
			r.logger.Error("failed to save interaction",
				slog.String("request_id", in.RequestID),
				slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close stops accepting records and waits for queued ones to be written, or
// for ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
