// Package grading drives a run: it routes each task to a primary backend
// with a single fallback, and emits verdicts in task order whether tasks are
// graded one at a time or concurrently.
package grading

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ahrav/quizjudge/internal/domain"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// Route is one backend as seen by the orchestrator.
type Route struct {
	// Name identifies the backend in logs and errors.
	Name string

	// Handler is the fully wrapped backend pipeline (retry, admission,
	// observability around the client).
	Handler transport.Handler

	// Timeout bounds each backend call; zero leaves it to the client.
	Timeout time.Duration
}

// Orchestrator picks a primary and secondary backend per task and falls
// back once. It keeps no state across tasks.
type Orchestrator struct {
	Vision Route
	Text   Route
	Logger *slog.Logger
}

// NewOrchestrator creates an orchestrator over the vision-capable and the
// text-primary backend.
func NewOrchestrator(vision, text Route, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Vision: vision,
		Text:   text,
		Logger: logger.With("component", "orchestrator"),
	}
}

// Select returns the backend order for a task: the vision backend first when
// the task carries an image, the text backend first otherwise.
func (o *Orchestrator) Select(task domain.Task) (primary, secondary Route) {
	if task.HasImage() {
		return o.Vision, o.Text
	}
	return o.Text, o.Vision
}

// Grade grades one task. A primary failure other than cancellation is logged
// and the secondary is tried once, with its own retry budget. When both
// fail the result is a *llmerrors.TaskFatalError.
func (o *Orchestrator) Grade(ctx context.Context, task domain.Task) (*transport.Response, error) {
	primary, secondary := o.Select(task)

	resp, primaryErr := o.call(ctx, primary, task)
	if primaryErr == nil {
		return resp, nil
	}
	if isCancellation(ctx, primaryErr) {
		return nil, primaryErr
	}

	o.logger().Warn("primary backend failed, falling back",
		"run_id", transport.RunIDFromContext(ctx),
		"task_index", task.Index,
		"primary", primary.Name,
		"secondary", secondary.Name,
		"error", primaryErr,
		"kind", llmerrors.KindOf(primaryErr),
		"retryable", llmerrors.IsRetryableError(primaryErr))

	resp, secondaryErr := o.call(ctx, secondary, task)
	if secondaryErr == nil {
		o.logger().Info("task graded by fallback backend",
			"run_id", transport.RunIDFromContext(ctx),
			"task_index", task.Index,
			"provider", secondary.Name)
		return resp, nil
	}
	if isCancellation(ctx, secondaryErr) {
		return nil, secondaryErr
	}

	return nil, &llmerrors.TaskFatalError{
		TaskIndex:    task.Index,
		Primary:      primary.Name,
		Secondary:    secondary.Name,
		PrimaryErr:   primaryErr,
		SecondaryErr: secondaryErr,
	}
}

// GradeVerdict adapts Grade to a GradeFunc.
func (o *Orchestrator) GradeVerdict(ctx context.Context, task domain.Task) (domain.Verdict, error) {
	resp, err := o.Grade(ctx, task)
	if err != nil {
		return domain.Verdict{}, err
	}
	return resp.Verdict, nil
}

func (o *Orchestrator) call(ctx context.Context, route Route, task domain.Task) (*transport.Response, error) {
	if route.Handler == nil {
		return nil, &llmerrors.ProviderError{
			Provider: route.Name,
			Message:  "backend not configured",
			Type:     llmerrors.ErrorTypeProvider,
			Cause:    llmerrors.ErrProviderUnavailable,
		}
	}
	return route.Handler.Handle(ctx, &transport.Request{
		RunID:   transport.RunIDFromContext(ctx),
		Task:    task,
		Timeout: route.Timeout,
	})
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// isCancellation reports whether err is the caller going away rather than a
// backend failure.
func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}
