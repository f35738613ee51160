package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ahrav/quizjudge/internal/domain"
)

// Adapter abstracts the HTTP shape of one backend.
type Adapter interface {
	// Build constructs the backend HTTP request for a task.
	Build(ctx context.Context, req *Request) (*http.Request, error)

	// Parse extracts the raw answer text from the backend response.
	// Non-2xx responses must be returned as errors.
	Parse(httpResp *http.Response) (*Response, error)

	// Name returns the canonical provider identifier.
	Name() string
}

// OutputParser turns raw backend text into a validated verdict.
type OutputParser func(provider, raw string) (domain.Verdict, error)

// Handler grades one task through a composable middleware pipeline.
// Core abstraction enabling admission control, retries, and observability
// to wrap provider clients uniformly.
type Handler interface {
	Handle(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, *Request) (*Response, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Middleware transforms Handler into enhanced Handler for composable behavior.
type Middleware func(Handler) Handler

// Chain builds a middleware pipeline around a core handler.
// Middleware executes in the order provided with first middleware outermost.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// NewHTTPHandler creates a core handler that grades tasks over plain HTTP
// using the given adapter and output parser.
func NewHTTPHandler(client *http.Client, adapter Adapter, parse OutputParser) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpHandler{
		client:  client,
		adapter: adapter,
		parse:   parse,
	}
}

type httpHandler struct {
	client  *http.Client
	adapter Adapter
	parse   OutputParser
}

// Handle implements Handler by making one HTTP request to the backend.
func (h *httpHandler) Handle(ctx context.Context, req *Request) (*Response, error) {
	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := h.adapter.Build(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	start := time.Now()
	httpResp, err := h.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", h.adapter.Name(), err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	resp, err := h.adapter.Parse(httpResp)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = latency.Milliseconds()

	verdict, err := h.parse(h.adapter.Name(), resp.Raw)
	if err != nil {
		return nil, err
	}
	resp.Verdict = verdict
	return resp, nil
}
