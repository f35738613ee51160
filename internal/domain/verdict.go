package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Verdict-specific errors.
var (
	// ErrInvalidVerdict is returned when a verdict is missing its explanation.
	ErrInvalidVerdict = errors.New("invalid verdict")
)

// Verdict is one backend's graded judgment for a task.
// The JSON form is the wire format of the result stream.
type Verdict struct {
	// Result is true when the answer marked as correct in the task matches
	// the backend's own solution.
	Result bool `json:"result"`

	// Explanation is the backend's prose reasoning.
	Explanation string `json:"explanation" validate:"required"`
}

// Validate checks that the verdict carries a non-blank explanation.
func (v Verdict) Validate() error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidVerdict, err)
	}
	if strings.TrimSpace(v.Explanation) == "" {
		return fmt.Errorf("%w: explanation is blank", ErrInvalidVerdict)
	}
	return nil
}
