package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrClosed is returned when a frame is written after a terminal frame.
var ErrClosed = errors.New("stream already terminated")

// Encoder writes frames to w, flushing after each one when w supports it.
// It is not safe for concurrent use.
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// SetHeaders prepares an HTTP response for streaming.
func SetHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// Closed reports whether a terminal frame has been written.
func (e *Encoder) Closed() bool {
	return e.closed
}

// Encode writes one frame. After done or error every call fails with ErrClosed.
func (e *Encoder) Encode(f Frame) error {
	if e.closed {
		return ErrClosed
	}
	payload, err := payloadOf(f)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.WriteString("event: ")
	b.WriteString(string(f.Type))
	b.WriteByte('\n')
	for _, line := range strings.Split(string(payload), "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if f.Type.Terminal() {
		e.closed = true
	}
	if _, err := e.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// EncodeAll writes frames in order, stopping at the first failure.
func (e *Encoder) EncodeAll(frames []Frame) error {
	for _, f := range frames {
		if err := e.Encode(f); err != nil {
			return err
		}
	}
	return nil
}

// Error writes a terminal error frame.
func (e *Encoder) Error(message string) error {
	return e.Encode(Frame{Type: EventError, Message: message})
}

// Finish writes the terminal done frame.
func (e *Encoder) Finish(done *Done) error {
	return e.Encode(Frame{Type: EventDone, Done: done})
}

func payloadOf(f Frame) ([]byte, error) {
	var v any
	switch f.Type {
	case EventTextDelta, EventCodeDelta:
		v = textPayload{Text: f.Text}
	case EventCodeStart:
		v = codeStartPayload{Lang: f.Lang, RawLang: f.RawLang}
	case EventCodeEnd:
		v = struct{}{}
	case EventDone:
		var done Done
		if f.Done != nil {
			done = *f.Done
		}
		if done.Metadata.ExecutedTools == nil {
			done.Metadata.ExecutedTools = []string{}
		}
		v = done
	case EventError:
		v = errorPayload{Message: f.Message}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", f.Type, err)
	}
	return data, nil
}
