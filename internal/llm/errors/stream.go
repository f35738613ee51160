package errors

import (
	"fmt"
)

// StreamError is the classified form of a run-terminating failure, carried to
// the caller as the terminal event of a result stream.
type StreamError struct {
	Type      ErrorType      `json:"kind"`
	Message   string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"-"`
	TaskIndex int            `json:"task_index"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

// Error returns formatted error string with type and code context.
func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

func (e *StreamError) Kind() ErrorType { return e.Type }
