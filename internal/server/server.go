// Package server exposes grading runs over HTTP. Verdicts stream to the
// caller as server-sent events while the run is in progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/pkg/events"
)

// uploadField is the multipart field carrying the document.
const uploadField = "file"

// statusClientClosedRequest is the nginx convention for a caller that went away.
const statusClientClosedRequest = 499

// multipartMemory is the part of an upload kept in memory before spilling to disk.
const multipartMemory = 8 << 20

// Runner executes one grading run for an uploaded document.
type Runner interface {
	RunFile(ctx context.Context, filename string, r io.Reader, sink events.Sink) (*domain.Run, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, filename string, r io.Reader, sink events.Sink) (*domain.Run, error)

// RunFile implements Runner.
func (f RunnerFunc) RunFile(ctx context.Context, filename string, r io.Reader, sink events.Sink) (*domain.Run, error) {
	return f(ctx, filename, r, sink)
}

// Server is the grading HTTP server.
type Server struct {
	httpServer *http.Server
	runner     Runner
	cfg        configuration.ServerConfig
	logger     *slog.Logger
}

// New creates a server for runner.
func New(cfg configuration.ServerConfig, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/api/reviews", s.handleReview)
	r.Post("/api/reviews/batch", s.handleBatchReview)
	return r
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = configuration.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

// handleReview streams one verdict event per task, in task order, and at
// most one terminal error event.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := s.upload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	h := w.Header()
	h.Set("Connection", "keep-alive")
	h.Set("Content-Encoding", "none")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	start := time.Now()
	run, err := s.runner.RunFile(r.Context(), filename, file, events.NewSSESink(w))
	s.logRun(r, filename, run, err, time.Since(start))
}

// handleBatchReview grades the whole document and answers with the JSON
// array of verdicts.
func (s *Server) handleBatchReview(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := s.upload(w, r)
	if !ok {
		return
	}
	defer file.Close()

	collector := events.NewCollector()
	start := time.Now()
	run, err := s.runner.RunFile(r.Context(), filename, file, collector)
	s.logRun(r, filename, run, err, time.Since(start))

	if err != nil {
		writeJSON(w, statusFor(err), llmerrors.Classify(err))
		return
	}

	verdicts := collector.Payloads(events.TypeVerdict)
	writeJSON(w, http.StatusOK, verdicts)
}

// upload extracts the document from the multipart form. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, bool) {
	if s.cfg.MaxUploadBytes > 0 {
		if r.ContentLength > s.cfg.MaxUploadBytes {
			http.Error(w, "file is too large", http.StatusRequestEntityTooLarge)
			return nil, "", false
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "file is too large", http.StatusRequestEntityTooLarge)
			return nil, "", false
		}
		http.Error(w, "file is not found", http.StatusBadRequest)
		return nil, "", false
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		http.Error(w, "file is not found", http.StatusBadRequest)
		return nil, "", false
	}
	return file, header.Filename, true
}

func (s *Server) logRun(r *http.Request, filename string, run *domain.Run, err error, elapsed time.Duration) {
	attrs := []any{
		"request_id", middleware.GetReqID(r.Context()),
		"filename", filename,
		"duration", elapsed,
	}
	if run != nil {
		attrs = append(attrs, "run_id", run.ID, "status", run.Status, "verdicts", len(run.Verdicts))
	}
	if err != nil {
		s.logger.Warn("review ended with error", append(attrs, "error", err, "kind", llmerrors.KindOf(err))...)
		return
	}
	s.logger.Info("review completed", attrs...)
}

// statusFor maps a terminal run error to an HTTP status for batch responses.
func statusFor(err error) int {
	switch llmerrors.KindOf(err) {
	case llmerrors.ErrorTypeExtraction, llmerrors.ErrorTypeImagePreprocessing:
		return http.StatusUnprocessableEntity
	case llmerrors.ErrorTypeCancelled:
		return statusClientClosedRequest
	case llmerrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
