package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes grading pipeline failures.
// Backend-level types are kept fine-grained so callers can tell a quota problem
// from a malformed answer without inspecting error strings.
type ErrorType string

const (
	// ErrorTypeExtraction indicates the document has no parsable task structure.
	ErrorTypeExtraction ErrorType = "extraction"

	// ErrorTypeImagePreprocessing indicates a malformed embedded image.
	ErrorTypeImagePreprocessing ErrorType = "image_preprocessing"

	// ErrorTypeBackendCall indicates an unclassified backend call failure.
	ErrorTypeBackendCall ErrorType = "backend_call"

	// ErrorTypeTimeout indicates request timeout or deadline exceeded.
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeRateLimit indicates the backend rejected the call for rate reasons.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeNetwork indicates network connectivity issues.
	ErrorTypeNetwork ErrorType = "network"

	// ErrorTypeProvider indicates provider service unavailable.
	ErrorTypeProvider ErrorType = "provider_unavailable"

	// ErrorTypeAuth indicates authentication failed.
	ErrorTypeAuth ErrorType = "authentication"

	// ErrorTypePermission indicates insufficient permissions.
	ErrorTypePermission ErrorType = "permission_denied"

	// ErrorTypeQuota indicates account quota exceeded.
	ErrorTypeQuota ErrorType = "quota_exceeded"

	// ErrorTypeValidation indicates the backend rejected the request body.
	ErrorTypeValidation ErrorType = "validation_failed"

	// ErrorTypeContent indicates content blocked by safety filters.
	ErrorTypeContent ErrorType = "content_filtered"

	// ErrorTypeMalformedOutput indicates the backend answer lacks the required tags.
	ErrorTypeMalformedOutput ErrorType = "malformed_output"

	// ErrorTypeRetryExhausted indicates every retry attempt failed.
	ErrorTypeRetryExhausted ErrorType = "retry_exhausted"

	// ErrorTypeTaskFatal indicates both backends were exhausted for a task.
	ErrorTypeTaskFatal ErrorType = "task_fatal"

	// ErrorTypeCancelled indicates the caller went away.
	ErrorTypeCancelled ErrorType = "cancelled"

	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = "unknown"
)

// Common pipeline errors.
var (
	// ErrProviderUnavailable indicates the provider service is down or unreachable.
	ErrProviderUnavailable = errors.New("provider service unavailable")

	// ErrRateLimitExceeded indicates the backend reported a rate limit.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrUnknownProvider indicates an unknown or unsupported provider.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrInvalidResponse indicates the provider returned an unusable response.
	ErrInvalidResponse = errors.New("invalid provider response")

	// ErrEmptyResponse indicates the provider returned no candidate text.
	ErrEmptyResponse = errors.New("empty provider response")

	// ErrMaxRetriesExceeded indicates maximum retry attempts exceeded.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Kinded is implemented by every typed error in this package.
type Kinded interface {
	error
	Kind() ErrorType
}

// ExtractionError reports a document that cannot be decomposed into tasks.
type ExtractionError struct {
	Reason string `json:"reason"`
	Cause  error  `json:"-"`
}

func (e *ExtractionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("task extraction failed: %s: %v", e.Reason, e.Cause)
	}
	return "task extraction failed: " + e.Reason
}

func (e *ExtractionError) Unwrap() error   { return e.Cause }
func (e *ExtractionError) Kind() ErrorType { return ErrorTypeExtraction }

// ImagePreprocessingError reports an embedded image that could not be decoded
// or re-encoded.
type ImagePreprocessingError struct {
	TaskIndex int    `json:"task_index"`
	Reason    string `json:"reason"`
	Cause     error  `json:"-"`
}

func (e *ImagePreprocessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("task %d: image preprocessing failed: %s: %v", e.TaskIndex, e.Reason, e.Cause)
	}
	return fmt.Sprintf("task %d: image preprocessing failed: %s", e.TaskIndex, e.Reason)
}

func (e *ImagePreprocessingError) Unwrap() error   { return e.Cause }
func (e *ImagePreprocessingError) Kind() ErrorType { return ErrorTypeImagePreprocessing }

// ProviderError captures structured error responses from grading backends.
// Includes HTTP status codes, provider-specific error codes, and retry timing.
type ProviderError struct {
	Provider   string    `json:"provider"`    // Provider name
	StatusCode int       `json:"status_code"` // HTTP status code
	Message    string    `json:"message"`     // Error message
	Code       string    `json:"code"`        // Provider error code
	Type       ErrorType `json:"type"`        // Classified error type
	RetryAfter int       `json:"retry_after"` // Retry-After header value in seconds
	Cause      error     `json:"-"`
}

// Error returns formatted provider error with status code context.
func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Kind returns the classified type, or backend_call when unclassified.
func (e *ProviderError) Kind() ErrorType {
	if e.Type == "" || e.Type == ErrorTypeUnknown {
		return ErrorTypeBackendCall
	}
	return e.Type
}

// IsRetryable determines if the provider error is transient.
func (e *ProviderError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeProvider,
		ErrorTypeBackendCall, ErrorTypeUnknown, "":
		return true
	default:
		return false
	}
}

// GetRetryAfter returns the backend's retry hint.
func (e *ProviderError) GetRetryAfter() time.Duration {
	if e.RetryAfter > 0 {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}

// MalformedOutputError reports backend output that failed tag or schema
// validation. Output holds the raw text so a self-correction turn can quote it.
type MalformedOutputError struct {
	Provider string `json:"provider"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
	Output   string `json:"-"`
	// Corrected is set when the failure survived a self-correction turn.
	Corrected bool `json:"corrected"`
}

func (e *MalformedOutputError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString("malformed output")
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Corrected {
		b.WriteString(" after self-correction")
	}
	return b.String()
}

func (e *MalformedOutputError) Kind() ErrorType { return ErrorTypeMalformedOutput }

// RetryExhaustedError is returned when every attempt of a retried call failed.
// It unwraps to the last attempt's error.
type RetryExhaustedError struct {
	Provider string `json:"provider,omitempty"`
	Attempts int    `json:"attempts"`
	Last     error  `json:"-"`
}

func (e *RetryExhaustedError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %d attempts failed: %v", e.Provider, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%d attempts failed: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() []error { return []error{e.Last, ErrMaxRetriesExceeded} }
func (e *RetryExhaustedError) Kind() ErrorType { return ErrorTypeRetryExhausted }

// TaskFatalError reports that both the primary and the secondary backend were
// exhausted for one task. It aborts the whole run.
type TaskFatalError struct {
	TaskIndex    int    `json:"task_index"`
	Primary      string `json:"primary"`
	Secondary    string `json:"secondary"`
	PrimaryErr   error  `json:"-"`
	SecondaryErr error  `json:"-"`
}

func (e *TaskFatalError) Error() string {
	return fmt.Sprintf("task %d: all backends failed: %s; %s",
		e.TaskIndex, backendFailure(e.Primary, e.PrimaryErr), backendFailure(e.Secondary, e.SecondaryErr))
}

// backendFailure names the backend unless err already starts with it.
func backendFailure(name string, err error) string {
	if err == nil {
		return name + ": <nil>"
	}
	msg := err.Error()
	if name == "" || strings.HasPrefix(msg, name+":") {
		return msg
	}
	return name + ": " + msg
}

func (e *TaskFatalError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.PrimaryErr != nil {
		errs = append(errs, e.PrimaryErr)
	}
	if e.SecondaryErr != nil {
		errs = append(errs, e.SecondaryErr)
	}
	return errs
}

func (e *TaskFatalError) Kind() ErrorType { return ErrorTypeTaskFatal }

// KindOf returns the kind of the outermost typed error in err's chain.
// Context errors map to cancelled/timeout; anything else is unknown.
func KindOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrorTypeRateLimit
	case errors.Is(err, ErrProviderUnavailable):
		return ErrorTypeProvider
	}
	return ErrorTypeUnknown
}

// IsRetryableError reports whether err is worth another backend attempt.
// Run-level failures and cancellation are never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	switch KindOf(err) {
	case ErrorTypeExtraction, ErrorTypeImagePreprocessing, ErrorTypeTaskFatal,
		ErrorTypeRetryExhausted, ErrorTypeCancelled:
		return false
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.IsRetryable()
	}
	return true
}

// TaskIndexOf extracts the task index carried by a run-level error, or -1.
func TaskIndexOf(err error) int {
	var fatal *TaskFatalError
	if errors.As(err, &fatal) {
		return fatal.TaskIndex
	}
	var img *ImagePreprocessingError
	if errors.As(err, &img) {
		return img.TaskIndex
	}
	return -1
}

// GetRetryAfter extracts the backend's retry hint from err, or zero.
func GetRetryAfter(err error) time.Duration {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.GetRetryAfter()
	}
	return 0
}
