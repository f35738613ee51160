// Package resilience provides observability for grading calls: structured
// per-call logs, pluggable metrics and in-memory counters that can be read
// while a run is in flight.
package resilience

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// Logging constants define limits and settings for observability.
const (
	// PreviewRunes is the number of task text runes logged when prompts are
	// not redacted.
	PreviewRunes = 80
)

// Metrics provides an interface for collecting observability data from
// grading calls. It supports counters and histograms with tag-based
// dimensionality.
type Metrics interface {
	// IncrementCounter increases a counter metric by a given value.
	IncrementCounter(name string, tags map[string]string, value float64)
	// RecordHistogram records a value in a histogram metric.
	RecordHistogram(name string, tags map[string]string, value float64)
}

// NoOpMetrics discards all metrics.
type NoOpMetrics struct{}

// NewNoOpMetrics returns a new no-op metrics collector.
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

// IncrementCounter is a no-op.
func (n *NoOpMetrics) IncrementCounter(_ string, _ map[string]string, _ float64) {}

// RecordHistogram is a no-op.
func (n *NoOpMetrics) RecordHistogram(_ string, _ map[string]string, _ float64) {}

// LoggingMiddleware logs the lifecycle of every grading call against one
// backend and keeps counters for it. Task text is logged as a short preview,
// or only by length when prompt redaction is on.
type LoggingMiddleware struct {
	provider      string
	logger        *slog.Logger
	metrics       Metrics
	redactPrompts bool

	requestsTotal   atomic.Int64
	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	corrected       atomic.Int64
	latencyTotalMs  atomic.Int64

	mu           sync.Mutex
	errorsByKind map[string]int64
}

// NewLoggingMiddleware creates the observability middleware for provider.
// A nil logger or metrics falls back to defaults.
func NewLoggingMiddleware(
	provider string,
	config configuration.ObservabilityConfig,
	logger *slog.Logger,
	metrics Metrics,
) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewNoOpMetrics()
	}
	return &LoggingMiddleware{
		provider:      provider,
		logger:        logger.With("component", "grading_call", "provider", provider),
		metrics:       metrics,
		redactPrompts: config.RedactPrompts,
		errorsByKind:  make(map[string]int64),
	}
}

// Middleware returns the transport.Middleware form.
func (m *LoggingMiddleware) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			requestID := uuid.New().String()
			tags := map[string]string{
				"provider": m.provider,
				"tier":     tier(req),
			}

			m.logRequest(req, requestID)
			m.requestsTotal.Add(1)
			m.metrics.IncrementCounter("grading.calls.total", tags, 1)

			start := time.Now()
			resp, err := next.Handle(ctx, req)
			duration := time.Since(start)

			m.latencyTotalMs.Add(duration.Milliseconds())
			m.metrics.RecordHistogram("grading.call.duration_ms", tags, float64(duration.Milliseconds()))

			if err != nil {
				m.handleError(req, err, requestID, duration, tags)
			} else if resp != nil {
				m.handleSuccess(req, resp, requestID, duration, tags)
			}
			return resp, err
		})
	}
}

func tier(req *transport.Request) string {
	if req.Task.HasImage() {
		return "image"
	}
	return "text"
}

func (m *LoggingMiddleware) logRequest(req *transport.Request, requestID string) {
	fields := []any{
		"request_id", requestID,
		"run_id", req.RunID,
		"task_index", req.Task.Index,
		"attempt", req.Attempt,
		"tier", tier(req),
		"timeout_seconds", req.Timeout.Seconds(),
	}
	if m.redactPrompts {
		fields = append(fields, "task_length", len(req.Task.Text))
	} else {
		fields = append(fields, "task_preview", req.Task.Preview(PreviewRunes))
	}
	if req.Task.HasImage() {
		fields = append(fields, "image_bytes", len(req.Task.Image), "image_mime", req.Task.ImageMIMEType)
	}

	m.logger.Debug("grading call started", fields...)
}

func (m *LoggingMiddleware) handleError(
	req *transport.Request,
	err error,
	requestID string,
	duration time.Duration,
	tags map[string]string,
) {
	kind := string(llmerrors.KindOf(err))

	m.requestsError.Add(1)
	m.mu.Lock()
	m.errorsByKind[kind]++
	m.mu.Unlock()

	errorTags := maps.Clone(tags)
	errorTags["error_kind"] = kind
	m.metrics.IncrementCounter("grading.calls.errors", errorTags, 1)

	m.logger.Warn("grading call failed",
		"request_id", requestID,
		"run_id", req.RunID,
		"task_index", req.Task.Index,
		"attempt", req.Attempt,
		"duration_ms", duration.Milliseconds(),
		"error_kind", kind,
		"error", err.Error(),
	)
}

func (m *LoggingMiddleware) handleSuccess(
	req *transport.Request,
	resp *transport.Response,
	requestID string,
	duration time.Duration,
	tags map[string]string,
) {
	m.requestsSuccess.Add(1)
	if resp.Corrected {
		m.corrected.Add(1)
	}
	m.metrics.IncrementCounter("grading.calls.success", tags, 1)

	fields := []any{
		"request_id", requestID,
		"run_id", req.RunID,
		"task_index", req.Task.Index,
		"attempt", req.Attempt,
		"model", resp.Model,
		"duration_ms", duration.Milliseconds(),
		"corrected", resp.Corrected,
		"result", resp.Verdict.Result,
	}
	if m.redactPrompts {
		fields = append(fields, "explanation_length", len(resp.Verdict.Explanation))
	}

	m.logger.Info("grading call completed", fields...)
}

// Stats is a snapshot of the middleware's counters.
type Stats struct {
	Provider         string           `json:"provider"`
	RequestsTotal    int64            `json:"requests_total"`
	RequestsSuccess  int64            `json:"requests_success"`
	RequestsError    int64            `json:"requests_error"`
	Corrected        int64            `json:"corrected"`
	ErrorsByKind     map[string]int64 `json:"errors_by_kind"`
	AverageLatencyMs float64          `json:"average_latency_ms"`
}

// Stats returns a copy of the current counters.
func (m *LoggingMiddleware) Stats() Stats {
	st := Stats{
		Provider:        m.provider,
		RequestsTotal:   m.requestsTotal.Load(),
		RequestsSuccess: m.requestsSuccess.Load(),
		RequestsError:   m.requestsError.Load(),
		Corrected:       m.corrected.Load(),
	}
	if done := st.RequestsSuccess + st.RequestsError; done > 0 {
		st.AverageLatencyMs = float64(m.latencyTotalMs.Load()) / float64(done)
	}

	m.mu.Lock()
	st.ErrorsByKind = maps.Clone(m.errorsByKind)
	m.mu.Unlock()
	return st
}
