package errors

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ServerErrorStatusThreshold defines the HTTP status code threshold for server errors.
const ServerErrorStatusThreshold = 500

// ClassifyStatus determines ErrorType from an HTTP status and a provider error
// code. Provider codes are checked first because several backends report
// quota exhaustion as a plain 429.
func ClassifyStatus(statusCode int, errorCode string) ErrorType {
	lowerCode := strings.ToLower(errorCode)
	switch {
	case strings.Contains(lowerCode, "quota") || strings.Contains(lowerCode, "resource_exhausted"):
		return ErrorTypeQuota
	case strings.Contains(lowerCode, "rate") || strings.Contains(lowerCode, "limit"):
		return ErrorTypeRateLimit
	case strings.Contains(lowerCode, "timeout") || strings.Contains(lowerCode, "deadline"):
		return ErrorTypeTimeout
	case strings.Contains(lowerCode, "auth") || strings.Contains(lowerCode, "unauthenticated"):
		return ErrorTypeAuth
	case strings.Contains(lowerCode, "permission") || strings.Contains(lowerCode, "forbidden"):
		return ErrorTypePermission
	case strings.Contains(lowerCode, "safety") || strings.Contains(lowerCode, "content_filter"):
		return ErrorTypeContent
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case http.StatusUnauthorized:
		return ErrorTypeAuth
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return ErrorTypeValidation
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return ErrorTypeProvider
	default:
		if statusCode >= ServerErrorStatusThreshold {
			return ErrorTypeProvider
		}
		return ErrorTypeUnknown
	}
}

// Classify turns any pipeline error into a StreamError suitable for the
// terminal event of a result stream. Typed errors are preferred; untyped
// errors fall back to message patterns.
func Classify(err error) *StreamError {
	if err == nil {
		return nil
	}

	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr
	}

	se := &StreamError{
		Type:      KindOf(err),
		Message:   err.Error(),
		Retryable: IsRetryableError(err),
		TaskIndex: TaskIndexOf(err),
		Cause:     err,
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		se.Code = provErr.Code
		se.Details = map[string]any{
			"provider":    provErr.Provider,
			"status_code": provErr.StatusCode,
		}
	}

	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		if se.Details == nil {
			se.Details = map[string]any{}
		}
		se.Details["attempts"] = exhausted.Attempts
	}

	if se.Type == ErrorTypeUnknown {
		se.Type, se.Code = classifyMessage(err)
	}
	return se
}

// classifyMessage handles untyped errors by message pattern.
func classifyMessage(err error) (ErrorType, string) {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled, "CANCELLED"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"):
		return ErrorTypeRateLimit, "RATE_LIMIT"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorTypeTimeout, "TIMEOUT"
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication"):
		return ErrorTypeAuth, "AUTH_FAILED"
	case strings.Contains(msg, "forbidden") || strings.Contains(msg, "permission"):
		return ErrorTypePermission, "PERMISSION_DENIED"
	case strings.Contains(msg, "quota"):
		return ErrorTypeQuota, "QUOTA_EXCEEDED"
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection"):
		return ErrorTypeNetwork, "NETWORK_ERROR"
	default:
		return ErrorTypeUnknown, "UNKNOWN"
	}
}
