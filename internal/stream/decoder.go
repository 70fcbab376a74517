package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// Result is everything a decoder reconstructed.
type Result struct {
	Segments []Segment
	// Done is nil unless a done frame arrived.
	Done *Done
	// Err is the message of an error frame, if one arrived.
	Err string
}

// Decoder parses frames from a byte stream into segments. It is permissive:
// unknown or malformed frames become text, and bytes left over when the
// transport closes are kept as trailing text.
type Decoder struct {
	buf      []byte
	b        builder
	done     *Done
	errMsg   string
	finished bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Write feeds received bytes. Frames after a terminal frame are discarded.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.finished {
		return len(p), nil
	}
	// CRLF framing is accepted. A trailing \r stays buffered until the next
	// write shows whether a \n follows.
	d.buf = bytes.ReplaceAll(append(d.buf, p...), []byte("\r\n"), []byte("\n"))
	for !d.finished {
		idx := bytes.Index(d.buf, []byte("\n\n"))
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+2:]
		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		d.apply(parseFrame(string(block)))
	}
	if d.finished {
		d.buf = nil
	}
	return len(p), nil
}

// Close flushes leftover bytes after the transport closed.
func (d *Decoder) Close() error {
	if d.finished {
		return nil
	}
	rest := strings.TrimSpace(string(d.buf))
	d.buf = nil
	if rest != "" {
		if strings.HasPrefix(rest, "event:") {
			d.apply(parseFrame(rest))
		} else {
			d.apply(Frame{Type: EventTextDelta, Text: rest})
		}
	}
	d.finished = true
	return nil
}

// Result reflects the frames seen so far. It may be called at any time.
func (d *Decoder) Result() Result {
	segs := make([]Segment, len(d.b.segments))
	copy(segs, d.b.segments)
	return Result{Segments: segs, Done: d.done, Err: d.errMsg}
}

func (d *Decoder) apply(f Frame) {
	switch f.Type {
	case EventDone:
		d.done = f.Done
		d.finished = true
		// The streamed draft was replaced; show the final content.
		if f.Done.Metadata.Amended {
			d.b = builder{segments: Split(f.Done.Content)}
		}
	case EventError:
		d.errMsg = f.Message
		d.finished = true
	default:
		d.b.apply(f)
	}
}

// Decode reads r to the end and returns what it carried. A read error is
// returned together with whatever was decoded before it.
func Decode(r io.Reader) (Result, error) {
	d := NewDecoder()
	_, err := io.Copy(d, r)
	d.Close()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return d.Result(), err
}

func parseFrame(block string) Frame {
	var event string
	var data []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[len("data:"):], " "))
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			data = append(data, line)
		}
	}
	return decodeFrame(EventType(event), strings.Join(data, "\n"))
}

func decodeFrame(typ EventType, raw string) Frame {
	switch typ {
	case EventTextDelta, EventCodeDelta:
		var p textPayload
		if json.Unmarshal([]byte(raw), &p) == nil {
			return Frame{Type: typ, Text: p.Text}
		}
	case EventCodeStart:
		var p codeStartPayload
		if json.Unmarshal([]byte(raw), &p) == nil {
			return Frame{Type: typ, Lang: p.Lang, RawLang: p.RawLang}
		}
	case EventCodeEnd:
		return Frame{Type: typ}
	case EventDone:
		var done Done
		if json.Unmarshal([]byte(raw), &done) != nil {
			done = Done{Content: raw}
		}
		return Frame{Type: typ, Done: &done}
	case EventError:
		var p errorPayload
		if json.Unmarshal([]byte(raw), &p) != nil || p.Message == "" {
			p.Message = raw
		}
		return Frame{Type: typ, Message: p.Message}
	}
	return Frame{Type: EventTextDelta, Text: raw}
}
