package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle position of a grading run.
// Status transitions follow: pending -> running -> (completed|failed|cancelled).
type RunStatus string

// RunStatus enum values.
const (
	// RunStatusPending indicates tasks were extracted but grading has not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates verdicts are being produced.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every task received a verdict.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run was aborted by a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the caller went away before completion.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is the ordered task list derived from one uploaded document and the
// ordered verdicts produced for it. A Run lives for one request only.
type Run struct {
	ID          string    `json:"id"`
	Tasks       []Task    `json:"tasks"`
	Verdicts    []Verdict `json:"verdicts"`
	Status      RunStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewRun creates a pending run over the given tasks.
func NewRun(tasks []Task) *Run {
	return &Run{
		ID:       uuid.New().String(),
		Tasks:    tasks,
		Verdicts: make([]Verdict, 0, len(tasks)),
		Status:   RunStatusPending,
	}
}

// Start moves a pending run to running.
func (r *Run) Start(now time.Time) error {
	if r.Status != RunStatusPending {
		return fmt.Errorf("%w: cannot start run in status %s", ErrInvalidRun, r.Status)
	}
	r.Status = RunStatusRunning
	r.StartedAt = now
	return nil
}

// Record appends the verdict for the next task in order.
func (r *Run) Record(v Verdict) error {
	if r.Status != RunStatusRunning {
		return fmt.Errorf("%w: cannot record verdict in status %s", ErrInvalidRun, r.Status)
	}
	if len(r.Verdicts) >= len(r.Tasks) {
		return fmt.Errorf("%w: all %d tasks already have verdicts", ErrInvalidRun, len(r.Tasks))
	}
	r.Verdicts = append(r.Verdicts, v)
	return nil
}

// Finish closes the run. A nil err completes it, which requires a verdict for
// every task; a non-nil err marks it failed, or cancelled when cancelled is set.
func (r *Run) Finish(now time.Time, err error, cancelled bool) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run already %s", ErrInvalidRun, r.Status)
	}
	r.CompletedAt = now
	switch {
	case err == nil:
		if len(r.Verdicts) != len(r.Tasks) {
			r.Status = RunStatusFailed
			r.Error = fmt.Sprintf("incomplete run: %d verdicts for %d tasks", len(r.Verdicts), len(r.Tasks))
			return fmt.Errorf("%w: %s", ErrInvalidRun, r.Error)
		}
		r.Status = RunStatusCompleted
	case cancelled:
		r.Status = RunStatusCancelled
		r.Error = err.Error()
	default:
		r.Status = RunStatusFailed
		r.Error = err.Error()
	}
	return nil
}

// Duration returns the wall-clock length of a finished run.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
