package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
)

// grpcHTTPStatus maps gRPC codes returned by the Gemini SDK onto the HTTP
// statuses ClassifyStatus understands.
var grpcHTTPStatus = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Unauthenticated:    http.StatusUnauthorized,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.NotFound:           http.StatusNotFound,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unknown:            http.StatusInternalServerError,
}

// classifyGeminiError converts an SDK error into a ProviderError.
// Context errors pass through untouched so cancellation stays recognizable.
func classifyGeminiError(err error) error {
	if err == nil {
		return nil
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return &llmerrors.ProviderError{
			Provider: ProviderGemini,
			Message:  blocked.Error(),
			Code:     "SAFETY",
			Type:     llmerrors.ErrorTypeContent,
			Cause:    err,
		}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		code := ""
		if len(apiErr.Errors) > 0 {
			code = apiErr.Errors[0].Reason
		}
		return &llmerrors.ProviderError{
			Provider:   ProviderGemini,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Code:       code,
			Type:       llmerrors.ClassifyStatus(apiErr.Code, code),
			RetryAfter: retryAfterSeconds(apiErr.Header),
			Cause:      err,
		}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		if st.Code() == codes.Canceled {
			return err
		}
		httpStatus := grpcHTTPStatus[st.Code()]
		return &llmerrors.ProviderError{
			Provider:   ProviderGemini,
			StatusCode: httpStatus,
			Message:    st.Message(),
			Code:       st.Code().String(),
			Type:       llmerrors.ClassifyStatus(httpStatus, ""),
			Cause:      err,
		}
	}

	return err
}

// parseOpenAICompatibleError converts an OpenAI-style error body into a
// ProviderError. Groq speaks this format.
func parseOpenAICompatibleError(provider string, statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}

	retryAfter := retryAfterSeconds(header)

	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		code := errResp.Error.Type
		if errResp.Error.Code != nil {
			code = fmt.Sprint(errResp.Error.Code)
		}
		return &llmerrors.ProviderError{
			Provider:   provider,
			StatusCode: statusCode,
			Message:    errResp.Error.Message,
			Code:       code,
			Type:       llmerrors.ClassifyStatus(statusCode, code),
			RetryAfter: retryAfter,
		}
	}

	return &llmerrors.ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Message:    strings.TrimSpace(string(body)),
		Type:       llmerrors.ClassifyStatus(statusCode, ""),
		RetryAfter: retryAfter,
	}
}

func retryAfterSeconds(header http.Header) int {
	if header == nil {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0
	}
	return secs
}
