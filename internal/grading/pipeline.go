package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ahrav/quizjudge/internal/document"
	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/imaging"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
	"github.com/ahrav/quizjudge/pkg/events"
)

// eventSource names the pipeline in event envelopes.
const eventSource = "pipeline"

// Pipeline runs a document end to end: extraction, image normalization,
// grading with fallback, ordered emission.
type Pipeline struct {
	Extractor    *document.Extractor
	Normalizer   *imaging.Normalizer
	Orchestrator *Orchestrator
	Emitter      *Emitter

	// ImageFailurePolicy is configuration.ImageFailureIsolate or
	// configuration.ImageFailureAbort.
	ImageFailurePolicy string

	Logger *slog.Logger
	Now    func() time.Time
}

// RunFile extracts the tasks of an uploaded document and runs them.
// Extraction failures are reported to sink like any other terminal error.
func (p *Pipeline) RunFile(ctx context.Context, filename string, r io.Reader, sink events.Sink) (*domain.Run, error) {
	tasks, err := p.Extractor.ExtractFile(ctx, filename, r)
	if err != nil {
		p.logger().Warn("extraction failed", "filename", filename, "error", err)
		p.emitError(ctx, "", err, sink)
		return nil, err
	}
	return p.Run(ctx, tasks, sink)
}

// Run grades tasks and streams their verdicts to sink in task order. A
// terminal failure is appended to sink as an error event and returned; the
// returned run records the verdicts emitted so far either way.
func (p *Pipeline) Run(ctx context.Context, tasks []domain.Task, sink events.Sink) (*domain.Run, error) {
	run := domain.NewRun(tasks)
	logger := p.logger().With("run_id", run.ID)
	ctx = transport.ContextWithRunID(ctx, run.ID)

	logger.Info("run started", "tasks", len(tasks), "mode", p.Emitter.Mode)

	prepared, err := p.prepare(ctx, logger, tasks)
	if err != nil {
		return p.finish(ctx, logger, run, err, sink)
	}
	run.Tasks = prepared

	if err := run.Start(p.now()); err != nil {
		return run, err
	}

	err = p.Emitter.Emit(ctx, prepared, p.Orchestrator.GradeVerdict, recordingSink(run, sink))
	return p.finish(ctx, logger, run, err, sink)
}

// recordingSink records each verdict envelope into run before passing it on.
func recordingSink(run *domain.Run, sink events.Sink) events.Sink {
	return events.SinkFunc(func(ctx context.Context, env events.Envelope) error {
		var v domain.Verdict
		if err := json.Unmarshal(env.Payload, &v); err != nil {
			return fmt.Errorf("decode verdict %d: %w", env.Sequence, err)
		}
		if err := run.Record(v); err != nil {
			return err
		}
		return sink.Append(ctx, env)
	})
}

// prepare normalizes every task image before grading starts. Under the
// abort policy the first broken image ends the run; under isolate the
// image is dropped and the task is graded on its text.
func (p *Pipeline) prepare(ctx context.Context, logger *slog.Logger, tasks []domain.Task) ([]domain.Task, error) {
	prepared := make([]domain.Task, len(tasks))
	for i, task := range tasks {
		normalized, err := p.Normalizer.Normalize(ctx, task)
		switch {
		case err == nil:
			prepared[i] = normalized
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case p.ImageFailurePolicy == configuration.ImageFailureAbort:
			return nil, err
		default:
			logger.Warn("dropping unreadable task image", "task_index", task.Index, "error", err)
			prepared[i] = imaging.StripImage(task)
		}
	}
	return prepared, nil
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, run *domain.Run, err error, sink events.Sink) (*domain.Run, error) {
	if run.Status == domain.RunStatusPending {
		// Failed before grading started.
		_ = run.Start(p.now())
	}

	cancelled := err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled))
	if finishErr := run.Finish(p.now(), err, cancelled); finishErr != nil && err == nil {
		err = finishErr
	}

	switch {
	case err == nil:
		logger.Info("run completed", "verdicts", len(run.Verdicts), "duration", run.Duration())
	case cancelled:
		logger.Info("run cancelled", "verdicts", len(run.Verdicts), "error", err)
	default:
		logger.Error("run failed",
			"verdicts", len(run.Verdicts),
			"task_index", llmerrors.TaskIndexOf(err),
			"kind", llmerrors.KindOf(err),
			"error", err)
		p.emitError(ctx, run.ID, err, sink)
	}
	return run, err
}

// emitError appends the terminal error event. Delivery failures are only
// logged since the run has already failed.
func (p *Pipeline) emitError(ctx context.Context, runID string, err error, sink events.Sink) {
	env, mErr := events.New(events.TypeError, eventSource, runID, events.NoSequence, llmerrors.Classify(err))
	if mErr == nil {
		mErr = sink.Append(ctx, env)
	}
	if mErr != nil {
		p.logger().Warn("failed to deliver error event", "run_id", runID, "error", mErr)
	}
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
