// Package stream consumes the SSE-like event stream produced by the chat
// backend, turning raw bytes into delta/final callbacks for the widget.
package stream

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/cocovolare/concierge/internal/extract"
)

// Final is the terminal result of one stream read: cleaned display text,
// any blocks payload the producer attached, and any trailing JSON split
// out of the text. Synthesized is set when the stream ended without a
// final event and the result was assembled from accumulated deltas.
type Final struct {
	Text        string
	Blocks      json.RawMessage
	JSON        any
	Synthesized bool
}

// Callbacks receives stream events. Any field may be nil.
// OnDone is invoked exactly once per Read, after everything else,
// regardless of how the stream ended.
type Callbacks struct {
	OnDraftStart func()
	OnDelta      func(text string)
	OnFinal      func(final Final)
	OnError      func(payload any)
	OnDone       func()
}

type deltaPayload struct {
	Text string `json:"text"`
}

type finalPayload struct {
	Text   string          `json:"text"`
	Blocks json.RawMessage `json:"blocks,omitempty"`
}

// reader holds per-stream parse state.
type reader struct {
	cb      Callbacks
	pending string

	lastDelta    string
	draftStarted bool
	sawFinal     bool
	accum        strings.Builder
}

// Read consumes r until EOF, dispatching events to cb. Events are
// blank-line delimited with event:/data: lines; incomplete trailing data
// is buffered across reads, so results do not depend on chunk boundaries.
// A read error is reported through OnError and returned; accumulated
// deltas are discarded rather than synthesized into a final, so an
// errored stream never settles on a partial reply. OnDone still fires.
func Read(r io.Reader, cb Callbacks) error {
	s := &reader{cb: cb}
	defer func() {
		if cb.OnDone != nil {
			cb.OnDone()
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.feed(string(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err.Error())
			}
			return err
		}
	}
	s.finish()
	return nil
}

// feed appends decoded text and drains every complete event from the
// buffer, leaving a partial trailing event for the next read.
func (s *reader) feed(chunk string) {
	s.pending += chunk
	for {
		idx := strings.Index(s.pending, "\n\n")
		if idx < 0 {
			return
		}
		raw := s.pending[:idx]
		s.pending = s.pending[idx+2:]
		s.dispatch(raw)
	}
}

// dispatch parses one raw event and routes it by label.
func (s *reader) dispatch(raw string) {
	label := "message"
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			label = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	payload := strings.Join(data, "\n")

	switch label {
	case "hb", "meta":
		// Keep-alive, nothing to do.
	case "error":
		s.emitError(payload)
	case "delta":
		s.emitDelta(payload)
	case "final":
		s.emitFinal(payload, false)
	default:
		// Unknown labels are treated as a terminal message when they
		// carry text.
		var probe finalPayload
		if err := json.Unmarshal([]byte(payload), &probe); err == nil && probe.Text != "" {
			s.emitFinal(payload, false)
		}
	}
}

func (s *reader) emitError(payload string) {
	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		parsed = payload
	}
	if s.cb.OnError != nil {
		s.cb.OnError(parsed)
	}
}

func (s *reader) emitDelta(payload string) {
	var p deltaPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.Text == "" {
		return
	}
	// Only the immediately preceding delta is deduplicated; an earlier
	// identical chunk is legitimate repetition.
	if p.Text == s.lastDelta {
		return
	}
	s.lastDelta = p.Text
	if !s.draftStarted {
		s.draftStarted = true
		if s.cb.OnDraftStart != nil {
			s.cb.OnDraftStart()
		}
	}
	s.accum.WriteString(p.Text)
	if s.cb.OnDelta != nil {
		s.cb.OnDelta(p.Text)
	}
}

func (s *reader) emitFinal(payload string, synthesized bool) {
	var p finalPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return
	}
	s.deliverFinal(p.Text, p.Blocks, synthesized)
}

func (s *reader) deliverFinal(text string, blocks json.RawMessage, synthesized bool) {
	clean, obj := extract.TrailingJSON(text)
	s.sawFinal = true
	if s.cb.OnFinal != nil {
		s.cb.OnFinal(Final{
			Text:        clean,
			Blocks:      blocks,
			JSON:        obj,
			Synthesized: synthesized,
		})
	}
}

// finish synthesizes a final from accumulated deltas when the producer
// never sent one, so the widget always settles on a reply.
func (s *reader) finish() {
	if s.sawFinal || s.accum.Len() == 0 {
		return
	}
	s.deliverFinal(s.accum.String(), nil, true)
}
