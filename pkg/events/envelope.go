// Package events provides the event infrastructure for streaming grading results.
// It defines the Envelope type wrapping each result with consistent metadata
// and the Sink interface for transmitting envelopes to a caller.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types carried by a result stream.
const (
	// TypeVerdict carries one task's verdict.
	TypeVerdict = "verdict"

	// TypeError carries the terminal failure of a run. Nothing follows it.
	TypeError = "error"
)

// Version is the current envelope schema version.
const Version = "1.0.0"

// NoSequence marks an envelope that is not tied to a task position.
const NoSequence = -1

// Envelope wraps stream events with consistent metadata.
// Payload is the JSON body delivered to the caller; everything else is
// routing and correlation data.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing: TypeVerdict or TypeError.
	Type string `json:"type"`

	// Source identifies the component that emitted this event.
	Source string `json:"source"`

	// Version enables schema evolution.
	Version string `json:"version"`

	// Timestamp records when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// RunID identifies the grading run the event belongs to.
	RunID string `json:"run_id"`

	// Sequence is the zero-based task position, or NoSequence.
	Sequence int `json:"sequence"`

	// Payload contains the event data as JSON. Schema varies by Type.
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope around payload, marshalled as JSON.
func New(eventType, source, runID string, sequence int, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Version:   Version,
		Timestamp: time.Now(),
		RunID:     runID,
		Sequence:  sequence,
		Payload:   data,
	}, nil
}

// Sink defines the interface for delivering events to a caller.
// Implementations could include an SSE response, an in-memory collector for
// batch responses, or a log.
//
// Append is called from a single goroutine per stream, in stream order.
// An error means the caller can no longer be reached and the stream should stop.
type Sink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(context.Context, Envelope) error

// Append implements Sink.
func (f SinkFunc) Append(ctx context.Context, envelope Envelope) error {
	return f(ctx, envelope)
}

// NoOpSink is a null implementation of Sink for tests or when events are disabled.
type NoOpSink struct{}

// Append implements Sink with no-op behavior.
func (NoOpSink) Append(context.Context, Envelope) error { return nil }
