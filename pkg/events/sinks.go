package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
)

// Collector keeps every appended envelope in memory.
// It backs non-streaming responses and tests.
type Collector struct {
	mu        sync.Mutex
	envelopes []Envelope
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Append implements Sink.
func (c *Collector) Append(_ context.Context, envelope Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envelopes = append(c.envelopes, envelope)
	return nil
}

// Envelopes returns a copy of the collected envelopes in append order.
func (c *Collector) Envelopes() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.envelopes)
}

// Payloads returns the payloads of all envelopes of the given type.
func (c *Collector) Payloads(eventType string) []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]json.RawMessage, 0, len(c.envelopes))
	for _, env := range c.envelopes {
		if env.Type == eventType {
			out = append(out, env.Payload)
		}
	}
	return out
}

// SSESink writes envelopes as server-sent events. Verdicts are unnamed
// events with the task sequence as their id; every other type is written
// as a named event.
//
//	id: 0
//	data: {"result":true,"explanation":"..."}
//
//	event: error
//	data: {"error":"...","kind":"task_fatal","task_index":2}
type SSESink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink wraps w. If w is an http.Flusher every event is flushed.
func NewSSESink(w io.Writer) *SSESink {
	s := &SSESink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Append implements Sink.
func (s *SSESink) Append(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var data bytes.Buffer
	if err := json.Compact(&data, envelope.Payload); err != nil {
		return fmt.Errorf("compact %s payload: %w", envelope.Type, err)
	}

	var frame bytes.Buffer
	if envelope.Type == TypeVerdict {
		if envelope.Sequence != NoSequence {
			fmt.Fprintf(&frame, "id: %d\n", envelope.Sequence)
		}
	} else {
		fmt.Fprintf(&frame, "event: %s\n", envelope.Type)
	}
	frame.WriteString("data: ")
	frame.Write(data.Bytes())
	frame.WriteString("\n\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
