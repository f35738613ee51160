package grading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	"github.com/ahrav/quizjudge/internal/llm/transport"
	"github.com/ahrav/quizjudge/pkg/events"
)

// Mode is the emission discipline of a run.
type Mode string

// Mode values.
const (
	// ModeSequential grades task i, emits it, then starts task i+1.
	ModeSequential Mode = configuration.ModeSequential

	// ModeConcurrent starts every task up front and emits in task order.
	ModeConcurrent Mode = configuration.ModeConcurrent
)

// GradeFunc grades a single task.
type GradeFunc func(ctx context.Context, task domain.Task) (domain.Verdict, error)

// EmitFunc delivers one verdict. It is called from a single goroutine in
// task order.
type EmitFunc func(ctx context.Context, task domain.Task, verdict domain.Verdict) error

// Emitter grades a task list and emits verdicts strictly in task order.
//
// The first failure in task order ends the stream: nothing is emitted after
// it, tasks after it are cancelled and no new task starts. Verdicts of the
// tasks before it are still emitted.
type Emitter struct {
	Mode Mode
	// MaxConcurrency bounds in-flight tasks in concurrent mode; zero means
	// unbounded.
	MaxConcurrency int
	// Source names the emitter in event envelopes; empty means "pipeline".
	Source string
	Logger *slog.Logger
}

// NewEmitter builds an emitter from pipeline configuration.
func NewEmitter(cfg configuration.PipelineConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	mode := Mode(cfg.Mode)
	if mode == "" {
		mode = ModeConcurrent
	}
	return &Emitter{
		Mode:           mode,
		MaxConcurrency: cfg.MaxConcurrency,
		Source:         eventSource,
		Logger:         logger.With("component", "emitter"),
	}
}

// Emit grades tasks and appends one verdict envelope per task to sink,
// stamped with the run ID carried by ctx. It returns nil when every task was
// emitted, ctx.Err() when the caller went away, or the terminal grading error.
func (e *Emitter) Emit(ctx context.Context, tasks []domain.Task, grade GradeFunc, sink events.Sink) error {
	source := e.Source
	if source == "" {
		source = eventSource
	}
	runID := transport.RunIDFromContext(ctx)
	return e.EmitFunc(ctx, tasks, grade, func(ctx context.Context, task domain.Task, v domain.Verdict) error {
		env, err := events.New(events.TypeVerdict, source, runID, task.Index, v)
		if err != nil {
			return err
		}
		return sink.Append(ctx, env)
	})
}

// EmitFunc is Emit with a callback in place of a sink.
func (e *Emitter) EmitFunc(ctx context.Context, tasks []domain.Task, grade GradeFunc, emit EmitFunc) error {
	if e.Mode == ModeSequential {
		return e.sequential(ctx, tasks, grade, emit)
	}
	return e.concurrent(ctx, tasks, grade, emit)
}

func (e *Emitter) sequential(ctx context.Context, tasks []domain.Task, grade GradeFunc, emit EmitFunc) error {
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		v, err := grade(ctx, task)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			e.logger().Error("task failed, ending stream", "task_index", task.Index, "error", err)
			return err
		}
		if err := emit(ctx, task, v); err != nil {
			return fmt.Errorf("emit task %d: %w", task.Index, err)
		}
	}
	return nil
}

// slot holds one task's outcome until it can be flushed in order.
type slot struct {
	done    chan struct{}
	verdict domain.Verdict
	err     error
}

func (e *Emitter) concurrent(ctx context.Context, tasks []domain.Task, grade GradeFunc, emit EmitFunc) error {
	runCtx, cancelRun := context.WithCancel(ctx)

	slots := make([]slot, len(tasks))
	cancels := make([]context.CancelFunc, len(tasks))
	for i := range slots {
		slots[i].done = make(chan struct{})
	}

	// failedAt is the lowest failed task index; tasks after it are cancelled
	// and never started.
	var mu sync.Mutex
	failedAt := len(tasks)
	abortAfter := func(i int) {
		mu.Lock()
		defer mu.Unlock()
		if i >= failedAt {
			return
		}
		failedAt = i
		for _, cancel := range cancels[i+1:] {
			if cancel != nil {
				cancel()
			}
		}
	}

	var g errgroup.Group
	if e.MaxConcurrency > 0 {
		g.SetLimit(e.MaxConcurrency)
	}

	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i, task := range tasks {
			mu.Lock()
			if i > failedAt || runCtx.Err() != nil {
				mu.Unlock()
				return
			}
			taskCtx, cancel := context.WithCancel(runCtx)
			cancels[i] = cancel
			mu.Unlock()

			g.Go(func() error {
				defer close(slots[i].done)
				defer cancel()
				if err := taskCtx.Err(); err != nil {
					slots[i].err = err
					return nil
				}
				slots[i].verdict, slots[i].err = grade(taskCtx, task)
				if slots[i].err != nil {
					abortAfter(i)
				}
				return nil
			})
		}
	}()

	defer func() {
		cancelRun()
		<-launched
		_ = g.Wait()
	}()

	for i, task := range tasks {
		select {
		case <-slots[i].done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := slots[i].err; err != nil {
			e.logger().Error("task failed, ending stream", "task_index", task.Index, "error", err)
			return err
		}
		if err := emit(ctx, task, slots[i].verdict); err != nil {
			return fmt.Errorf("emit task %d: %w", task.Index, err)
		}
	}
	return nil
}

func (e *Emitter) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
