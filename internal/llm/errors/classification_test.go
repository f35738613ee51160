package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   ErrorType
	}{
		{"code_rate_limit", http.StatusBadRequest, "rate_limit_exceeded", ErrorTypeRateLimit},
		{"code_quota_over_429", http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", ErrorTypeQuota},
		{"code_timeout", 0, "deadline_exceeded", ErrorTypeTimeout},
		{"code_auth", http.StatusOK, "invalid_auth", ErrorTypeAuth},
		{"code_permission", 0, "PERMISSION_DENIED", ErrorTypePermission},
		{"code_safety", 0, "SAFETY", ErrorTypeContent},
		{"status_429", http.StatusTooManyRequests, "", ErrorTypeRateLimit},
		{"status_401", http.StatusUnauthorized, "", ErrorTypeAuth},
		{"status_403", http.StatusForbidden, "", ErrorTypePermission},
		{"status_408", http.StatusRequestTimeout, "", ErrorTypeTimeout},
		{"status_504", http.StatusGatewayTimeout, "", ErrorTypeTimeout},
		{"status_400", http.StatusBadRequest, "", ErrorTypeValidation},
		{"status_503", http.StatusServiceUnavailable, "", ErrorTypeProvider},
		{"status_599", 599, "", ErrorTypeProvider},
		{"status_418", http.StatusTeapot, "", ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.code))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Run("nil_error", func(t *testing.T) {
		assert.Nil(t, Classify(nil))
	})

	t.Run("task_fatal_carries_index", func(t *testing.T) {
		fatal := &TaskFatalError{
			TaskIndex:    2,
			Primary:      "groq",
			Secondary:    "gemini",
			PrimaryErr:   &RetryExhaustedError{Attempts: 4, Last: errors.New("boom")},
			SecondaryErr: &ProviderError{Provider: "gemini", StatusCode: 503, Type: ErrorTypeProvider},
		}

		se := Classify(fmt.Errorf("grading: %w", fatal))
		require.NotNil(t, se)
		assert.Equal(t, ErrorTypeTaskFatal, se.Type)
		assert.Equal(t, 2, se.TaskIndex)
		assert.False(t, se.Retryable)
		assert.Equal(t, 4, se.Details["attempts"])
		assert.ErrorIs(t, se, fatal)
	})

	t.Run("provider_error_details", func(t *testing.T) {
		provErr := &ProviderError{
			Provider:   "groq",
			StatusCode: http.StatusTooManyRequests,
			Message:    "slow down",
			Code:       "rate_limit_exceeded",
			Type:       ErrorTypeRateLimit,
		}

		se := Classify(provErr)
		assert.Equal(t, ErrorTypeRateLimit, se.Type)
		assert.Equal(t, "rate_limit_exceeded", se.Code)
		assert.True(t, se.Retryable)
		assert.Equal(t, "groq", se.Details["provider"])
		assert.Equal(t, -1, se.TaskIndex)
	})

	t.Run("untyped_message_patterns", func(t *testing.T) {
		tests := []struct {
			msg  string
			want ErrorType
			code string
		}{
			{"dial tcp: connection refused", ErrorTypeNetwork, "NETWORK_ERROR"},
			{"monthly quota reached", ErrorTypeQuota, "QUOTA_EXCEEDED"},
			{"something odd", ErrorTypeUnknown, "UNKNOWN"},
		}
		for _, tt := range tests {
			se := Classify(errors.New(tt.msg))
			assert.Equal(t, tt.want, se.Type, tt.msg)
			assert.Equal(t, tt.code, se.Code, tt.msg)
		}
	})

	t.Run("context_cancellation", func(t *testing.T) {
		se := Classify(fmt.Errorf("emit: %w", context.Canceled))
		assert.Equal(t, ErrorTypeCancelled, se.Type)
		assert.False(t, se.Retryable)
	})

	t.Run("already_classified_passthrough", func(t *testing.T) {
		orig := &StreamError{Type: ErrorTypeExtraction, Message: "empty"}
		assert.Same(t, orig, Classify(fmt.Errorf("wrap: %w", orig)))
	})
}
