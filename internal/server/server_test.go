package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/quizjudge/internal/document"
	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/grading"
	"github.com/ahrav/quizjudge/internal/imaging"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
	"github.com/ahrav/quizjudge/internal/server"
	"github.com/ahrav/quizjudge/pkg/events"
)

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("other", "value"))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func newServer(runner server.Runner) http.Handler {
	cfg := configuration.DefaultConfig().Server
	cfg.MaxUploadBytes = 1 << 16
	return server.New(cfg, runner, nil).Routes()
}

// scriptedRunner emits two verdicts and then fails on the third task.
func scriptedRunner(t *testing.T) server.RunnerFunc {
	return func(ctx context.Context, filename string, r io.Reader, sink events.Sink) (*domain.Run, error) {
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "quiz.docx", filename)
		assert.Equal(t, "payload", string(data))

		for i := range 2 {
			env, err := events.New(events.TypeVerdict, "test", "run-1", i,
				domain.Verdict{Result: i == 0, Explanation: "e"})
			require.NoError(t, err)
			require.NoError(t, sink.Append(ctx, env))
		}

		fatal := &llmerrors.TaskFatalError{TaskIndex: 2, Primary: "groq", Secondary: "gemini"}
		env, err := events.New(events.TypeError, "test", "run-1", events.NoSequence, llmerrors.Classify(fatal))
		require.NoError(t, err)
		require.NoError(t, sink.Append(ctx, env))
		return &domain.Run{ID: "run-1", Status: domain.RunStatusFailed}, fatal
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestReview_StreamsEvents(t *testing.T) {
	body, contentType := multipartBody(t, "file", "quiz.docx", "payload")
	req := httptest.NewRequest(http.MethodPost, "/api/reviews", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	newServer(scriptedRunner(t)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "none", rec.Header().Get("Content-Encoding"))

	frames := strings.Split(strings.TrimSuffix(rec.Body.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 3)
	assert.Equal(t, "id: 0\ndata: {\"result\":true,\"explanation\":\"e\"}", frames[0])
	assert.Equal(t, "id: 1\ndata: {\"result\":false,\"explanation\":\"e\"}", frames[1])

	require.True(t, strings.HasPrefix(frames[2], "event: error\ndata: "))
	var fail map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frames[2], "event: error\ndata: ")), &fail))
	assert.Equal(t, "task_fatal", fail["kind"])
	assert.EqualValues(t, 2, fail["task_index"])
	assert.NotEmpty(t, fail["error"])
}

func TestReview_BadUploads(t *testing.T) {
	runner := server.RunnerFunc(func(context.Context, string, io.Reader, events.Sink) (*domain.Run, error) {
		t.Fatal("runner must not be called")
		return nil, nil
	})

	tests := []struct {
		name       string
		build      func() (io.Reader, string)
		wantStatus int
		wantBody   string
	}{
		{
			name: "missing_file_field",
			build: func() (io.Reader, string) {
				return multipartBody(t, "", "", "")
			},
			wantStatus: http.StatusBadRequest,
			wantBody:   "file is not found",
		},
		{
			name: "wrong_field_name",
			build: func() (io.Reader, string) {
				return multipartBody(t, "document", "quiz.docx", "x")
			},
			wantStatus: http.StatusBadRequest,
			wantBody:   "file is not found",
		},
		{
			name: "not_multipart",
			build: func() (io.Reader, string) {
				return strings.NewReader("{}"), "application/json"
			},
			wantStatus: http.StatusBadRequest,
			wantBody:   "file is not found",
		},
		{
			name: "too_large",
			build: func() (io.Reader, string) {
				return multipartBody(t, "file", "quiz.docx", strings.Repeat("x", 1<<17))
			},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantBody:   "file is too large",
		},
	}

	for _, path := range []string{"/api/reviews", "/api/reviews/batch"} {
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				body, contentType := tt.build()
				req := httptest.NewRequest(http.MethodPost, path, body)
				req.Header.Set("Content-Type", contentType)
				rec := httptest.NewRecorder()

				newServer(runner).ServeHTTP(rec, req)
				assert.Equal(t, tt.wantStatus, rec.Code)
				assert.Equal(t, tt.wantBody, strings.TrimSpace(rec.Body.String()))
			})
		}
	}
}

func TestBatchReview(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		runner := server.RunnerFunc(func(ctx context.Context, _ string, _ io.Reader, sink events.Sink) (*domain.Run, error) {
			for i := range 3 {
				env, err := events.New(events.TypeVerdict, "test", "r", i, domain.Verdict{Result: true, Explanation: "ok"})
				require.NoError(t, err)
				require.NoError(t, sink.Append(ctx, env))
			}
			return &domain.Run{ID: "r", Status: domain.RunStatusCompleted}, nil
		})

		body, contentType := multipartBody(t, "file", "quiz.docx", "x")
		req := httptest.NewRequest(http.MethodPost, "/api/reviews/batch", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		newServer(runner).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var verdicts []domain.Verdict
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdicts))
		assert.Len(t, verdicts, 3)
	})

	t.Run("failure", func(t *testing.T) {
		body, contentType := multipartBody(t, "file", "quiz.docx", "payload")
		req := httptest.NewRequest(http.MethodPost, "/api/reviews/batch", body)
		req.Header.Set("Content-Type", contentType)
		rec := httptest.NewRecorder()
		newServer(scriptedRunner(t)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadGateway, rec.Code)
		var fail map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fail))
		assert.Equal(t, "task_fatal", fail["kind"])
	})
}

// TestReview_EndToEnd drives a real pipeline with stub backends.
func TestReview_EndToEnd(t *testing.T) {
	text := transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Verdict: domain.Verdict{
			Result:      strings.Contains(req.Task.Text, "<strong>"),
			Explanation: "перевірено",
		}}, nil
	})
	pipeline := &grading.Pipeline{
		Extractor:  document.NewExtractor(1 << 16),
		Normalizer: imaging.NewNormalizer(configuration.ImageConfig{MaxWidth: 320, Quality: 80}),
		Orchestrator: grading.NewOrchestrator(
			grading.Route{Name: "gemini", Handler: text},
			grading.Route{Name: "groq", Handler: text},
			nil),
		Emitter:            &grading.Emitter{Mode: grading.ModeConcurrent},
		ImageFailurePolicy: configuration.ImageFailureIsolate,
	}

	markup := "<p>Тест</p><ol><li>A <strong>B</strong></li></ol><ol><li>C</li></ol>"
	body, contentType := multipartBody(t, "file", "quiz.html", markup)
	req := httptest.NewRequest(http.MethodPost, "/api/reviews", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	newServer(pipeline).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		"id: 0\ndata: {\"result\":true,\"explanation\":\"перевірено\"}\n\n"+
			"id: 1\ndata: {\"result\":false,\"explanation\":\"перевірено\"}\n\n",
		rec.Body.String())
}
