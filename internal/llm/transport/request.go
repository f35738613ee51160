package transport

import (
	"context"
	"time"

	"github.com/ahrav/quizjudge/internal/domain"
)

// Request is one grading call for one task against one backend.
// The provider client picks the model tier from the task shape.
type Request struct {
	// RunID correlates log lines of one pipeline run.
	RunID string `json:"run_id"`

	// Task is the normalized task to grade.
	Task domain.Task `json:"task"`

	// Timeout bounds a single backend call; zero means the context decides.
	Timeout time.Duration `json:"timeout"`

	// Attempt is the 1-based attempt number, set by the retry middleware.
	Attempt int `json:"attempt"`
}

// Response is the normalized outcome of a grading call.
type Response struct {
	// Verdict is the parsed and validated judgment.
	Verdict domain.Verdict `json:"verdict"`

	// Provider and Model identify who produced the verdict.
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// Raw is the unparsed backend text.
	Raw string `json:"-"`

	// Corrected reports that the verdict came from a self-correction turn.
	Corrected bool `json:"corrected"`

	LatencyMs int64 `json:"latency_ms"`
}

type runIDKey struct{}

// ContextWithRunID returns a context carrying the run ID for log correlation.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run ID stored by ContextWithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
