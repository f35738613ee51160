package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

func TestNewGroqAdapter(t *testing.T) {
	tests := []struct {
		name             string
		config           configuration.ProviderConfig
		expectedEndpoint string
	}{
		{
			name:             "default_endpoint_when_empty",
			config:           configuration.ProviderConfig{APIKey: "test-key"},
			expectedEndpoint: "https://api.groq.com/openai/v1",
		},
		{
			name:             "custom_endpoint_preserved",
			config:           configuration.ProviderConfig{APIKey: "test-key", Endpoint: "http://localhost:9999/v1"},
			expectedEndpoint: "http://localhost:9999/v1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := NewGroqAdapter(tt.config, "")
			assert.Equal(t, ProviderGroq, adapter.Name())
			assert.Equal(t, tt.expectedEndpoint, adapter.config.Endpoint)
			assert.Equal(t, configuration.DefaultGroqTextModel, adapter.config.TextModel)
		})
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestGroqAdapter_Build(t *testing.T) {
	adapter := NewGroqAdapter(configuration.ProviderConfig{
		APIKey:      "test-key",
		Endpoint:    "https://api.groq.com/openai/v1",
		ImageModel:  "vision-model",
		TextModel:   "text-model",
		Temperature: 0.8,
		Headers:     map[string]string{"X-Custom-Header": "custom-value"},
	}, "PROMPT")

	t.Run("text_task", func(t *testing.T) {
		httpReq, err := adapter.Build(context.Background(), &transport.Request{
			RunID:   "run-1",
			Attempt: 2,
			Task:    domain.Task{Index: 3, Text: "<ol><li>q</li></ol>"},
		})
		require.NoError(t, err)

		assert.Equal(t, http.MethodPost, httpReq.Method)
		assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", httpReq.URL.String())
		assert.Equal(t, "Bearer test-key", httpReq.Header.Get("Authorization"))
		assert.Equal(t, "application/json", httpReq.Header.Get("Content-Type"))
		assert.Equal(t, "custom-value", httpReq.Header.Get("X-Custom-Header"))
		assert.Equal(t, "run-1-3-2", httpReq.Header.Get("X-Request-Id"))

		body := decodeBody(t, httpReq)
		assert.Equal(t, "text-model", body["model"])
		assert.InDelta(t, 0.8, body["temperature"], 1e-9)

		messages := body["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, map[string]any{"role": "system", "content": "PROMPT"}, messages[0])
		assert.Equal(t, map[string]any{"role": "user", "content": "<ol><li>q</li></ol>"}, messages[1])
	})

	t.Run("image_task", func(t *testing.T) {
		httpReq, err := adapter.Build(context.Background(), &transport.Request{
			Task: domain.Task{Text: "q", Image: []byte("img"), ImageMIMEType: "image/jpeg"},
		})
		require.NoError(t, err)
		assert.Empty(t, httpReq.Header.Get("X-Request-Id"))

		body := decodeBody(t, httpReq)
		assert.Equal(t, "vision-model", body["model"])

		messages := body["messages"].([]any)
		require.Len(t, messages, 1)
		msg := messages[0].(map[string]any)
		assert.Equal(t, "user", msg["role"])

		content := msg["content"].([]any)
		require.Len(t, content, 3)
		assert.Equal(t, map[string]any{"type": "text", "text": "PROMPT"}, content[0])
		assert.Equal(t, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": "data:image/jpeg;base64,aW1n"},
		}, content[1])
		assert.Equal(t, map[string]any{"type": "text", "text": "q"}, content[2])
	})
}

func newResponse(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestGroqAdapter_Parse(t *testing.T) {
	adapter := NewGroqAdapter(configuration.ProviderConfig{}, "")

	tests := []struct {
		name       string
		status     int
		body       string
		headers    map[string]string
		wantRaw    string
		wantType   llmerrors.ErrorType
		wantRetry  int
		wantStatus int
	}{
		{
			name:    "successful_response",
			status:  http.StatusOK,
			body:    `{"model":"llama","choices":[{"message":{"role":"assistant","content":"<result>true</result>"},"finish_reason":"stop"}]}`,
			wantRaw: "<result>true</result>",
		},
		{
			name:       "rate_limited_with_retry_after",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"Rate limit reached","type":"tokens","code":"rate_limit_exceeded"}}`,
			headers:    map[string]string{"Retry-After": "7"},
			wantType:   llmerrors.ErrorTypeRateLimit,
			wantRetry:  7,
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "invalid_api_key",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"Invalid API Key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantType:   llmerrors.ErrorTypeAuth,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "server_error_plain_body",
			status:     http.StatusBadGateway,
			body:       "upstream down",
			wantType:   llmerrors.ErrorTypeProvider,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "no_choices",
			status:     http.StatusOK,
			body:       `{"choices":[]}`,
			wantType:   llmerrors.ErrorTypeBackendCall,
			wantStatus: http.StatusOK,
		},
		{
			name:       "content_filtered",
			status:     http.StatusOK,
			body:       `{"choices":[{"message":{"content":"..."},"finish_reason":"content_filter"}]}`,
			wantType:   llmerrors.ErrorTypeContent,
			wantStatus: http.StatusOK,
		},
		{
			name:       "invalid_json",
			status:     http.StatusOK,
			body:       `{`,
			wantType:   llmerrors.ErrorTypeBackendCall,
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := adapter.Parse(newResponse(tt.status, tt.body, tt.headers))
			if tt.wantType == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantRaw, resp.Raw)
				assert.Equal(t, ProviderGroq, resp.Provider)
				return
			}

			var provErr *llmerrors.ProviderError
			require.True(t, errors.As(err, &provErr), "got %v", err)
			assert.Equal(t, tt.wantType, provErr.Type)
			assert.Equal(t, tt.wantStatus, provErr.StatusCode)
			assert.Equal(t, tt.wantRetry, provErr.RetryAfter)
		})
	}
}

func TestGroqHandler_EndToEnd(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama-3.3-70b-versatile","choices":[{"message":{"content":"<explanation>Відповідь В хибна.</explanation><result>FALSE</result>"}}]}`)
	}))
	defer srv.Close()

	h := NewGroqHandler(srv.Client(), configuration.ProviderConfig{
		Endpoint: srv.URL + "/v1",
		APIKey:   "k",
		Timeout:  5 * time.Second,
	}, "")

	resp, err := h.Handle(context.Background(), &transport.Request{Task: domain.Task{Text: "q"}})
	require.NoError(t, err)
	assert.Equal(t, domain.Verdict{Result: false, Explanation: "Відповідь В хибна."}, resp.Verdict)
	assert.Equal(t, "llama-3.3-70b-versatile", resp.Model)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGroqHandler_MalformedOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"the answer is true"}}]}`)
	}))
	defer srv.Close()

	h := NewGroqHandler(srv.Client(), configuration.ProviderConfig{Endpoint: srv.URL}, "")
	_, err := h.Handle(context.Background(), &transport.Request{Task: domain.Task{Text: "q"}})
	assert.Equal(t, llmerrors.ErrorTypeMalformedOutput, llmerrors.KindOf(err))
}

func TestGroqHandler_AppliesConfiguredTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := NewGroqHandler(srv.Client(), configuration.ProviderConfig{
		Endpoint: srv.URL,
		Timeout:  50 * time.Millisecond,
	}, "")

	_, err := h.Handle(context.Background(), &transport.Request{Task: domain.Task{Text: "q"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
