package stream

import "strings"

const fence = "```"

// Splitter turns model text, delivered in arbitrary chunks, into text and
// code frames. A fence is three backticks at the start of a line; the info
// string after an opening fence names the language.
//
// Bytes are held back only while they might still turn out to be a fence,
// plus the newline before a line that has not started yet, so prose streams
// through without waiting for the full response.
type Splitter struct {
	buf       string
	lineStart bool
	inCode    bool
	newline   bool
}

// NewSplitter returns a splitter positioned at the start of a line.
func NewSplitter() *Splitter {
	return &Splitter{lineStart: true}
}

// InCode reports whether a code block is open.
func (s *Splitter) InCode() bool {
	return s.inCode
}

// Write consumes chunk and returns the frames it completes.
func (s *Splitter) Write(chunk string) []Frame {
	var out []Frame
	s.buf += chunk
	for s.buf != "" {
		nl := strings.IndexByte(s.buf, '\n')
		if s.lineStart && maybeFence(s.buf) {
			if nl < 0 {
				break
			}
			line := s.buf[:nl]
			s.buf = s.buf[nl+1:]
			out = s.fenceLine(out, line)
			continue
		}
		if nl < 0 {
			out = s.emit(out, s.buf)
			s.buf = ""
			s.lineStart = false
			break
		}
		out = s.emit(out, s.buf[:nl])
		s.buf = s.buf[nl+1:]
		s.newline = true
		s.lineStart = true
	}
	return out
}

// Flush releases held bytes and closes an unterminated code block.
func (s *Splitter) Flush() []Frame {
	var out []Frame
	if s.buf != "" {
		if s.lineStart && strings.HasPrefix(s.buf, fence) {
			out = s.fenceLine(out, s.buf)
		} else {
			out = s.emit(out, s.buf)
		}
		s.buf = ""
	}
	if s.newline {
		out = s.emit(out, "")
	}
	if s.inCode {
		out = append(out, Frame{Type: EventCodeEnd})
		s.inCode = false
	}
	s.lineStart = true
	return out
}

func (s *Splitter) fenceLine(out []Frame, line string) []Frame {
	line = strings.TrimSuffix(line, "\r")
	info := strings.TrimSpace(strings.TrimLeft(line, "`"))
	switch {
	case !s.inCode:
		s.newline = false
		out = append(out, Frame{Type: EventCodeStart, Lang: langOf(info), RawLang: info})
		s.inCode = true
	case info == "":
		s.newline = false
		out = append(out, Frame{Type: EventCodeEnd})
		s.inCode = false
	default:
		// A fence with an info string cannot close a block.
		out = s.emit(out, line)
		s.newline = true
	}
	s.lineStart = true
	return out
}

func (s *Splitter) emit(out []Frame, text string) []Frame {
	if s.newline {
		text = "\n" + text
		s.newline = false
	}
	if text == "" {
		return out
	}
	typ := EventTextDelta
	if s.inCode {
		typ = EventCodeDelta
	}
	if n := len(out); n > 0 && out[n-1].Type == typ {
		out[n-1].Text += text
		return out
	}
	return append(out, Frame{Type: typ, Text: text})
}

func maybeFence(buf string) bool {
	if len(buf) < len(fence) {
		return strings.HasPrefix(fence, buf)
	}
	return strings.HasPrefix(buf, fence)
}

func langOf(info string) string {
	fields := strings.Fields(info)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}

// Split runs content through a fresh splitter and returns its segments.
func Split(content string) []Segment {
	s := NewSplitter()
	var b builder
	for _, f := range s.Write(content) {
		b.apply(f)
	}
	for _, f := range s.Flush() {
		b.apply(f)
	}
	return b.segments
}

// FramesOf returns the frames that reproduce segs.
func FramesOf(segs []Segment) []Frame {
	var out []Frame
	for _, seg := range segs {
		switch seg.Kind {
		case SegmentCode:
			out = append(out, Frame{Type: EventCodeStart, Lang: seg.Lang, RawLang: seg.Lang})
			if seg.Content != "" {
				out = append(out, Frame{Type: EventCodeDelta, Text: seg.Content})
			}
			out = append(out, Frame{Type: EventCodeEnd})
		default:
			if seg.Content != "" {
				out = append(out, Frame{Type: EventTextDelta, Text: seg.Content})
			}
		}
	}
	return out
}

// builder folds frames into a minimal segment list.
type builder struct {
	segments []Segment
	open     bool
}

func (b *builder) apply(f Frame) {
	switch f.Type {
	case EventTextDelta:
		b.open = false
		if f.Text == "" {
			return
		}
		if n := len(b.segments); n > 0 && b.segments[n-1].Kind == SegmentText {
			b.segments[n-1].Content += f.Text
			return
		}
		b.segments = append(b.segments, Text(f.Text))
	case EventCodeStart:
		b.segments = append(b.segments, Code("", f.Lang))
		b.open = true
	case EventCodeDelta:
		if !b.open {
			b.segments = append(b.segments, Code("", ""))
			b.open = true
		}
		b.segments[len(b.segments)-1].Content += f.Text
	case EventCodeEnd:
		b.open = false
	}
}
