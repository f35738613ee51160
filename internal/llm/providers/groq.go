package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// GroqAdapter implements transport.Adapter for Groq's OpenAI-compatible
// chat/completions API. It is the preferred backend for text-only tasks.
type GroqAdapter struct {
	config configuration.ProviderConfig
	prompt string
}

// NewGroqAdapter creates a Groq adapter. If no endpoint is configured it
// defaults to Groq's production API.
func NewGroqAdapter(cfg configuration.ProviderConfig, prompt string) *GroqAdapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = configuration.DefaultGroqEndpoint
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = configuration.DefaultGroqImageModel
	}
	if cfg.TextModel == "" {
		cfg.TextModel = configuration.DefaultGroqTextModel
	}
	if prompt == "" {
		prompt = Prompt(configuration.DefaultLanguage)
	}
	return &GroqAdapter{config: cfg, prompt: prompt}
}

// Name returns the provider name.
func (a *GroqAdapter) Name() string {
	return ProviderGroq
}

// Build constructs the chat/completions request. Tasks with an image are sent
// as a single user turn with content parts; text tasks put the prompt in the
// system turn.
func (a *GroqAdapter) Build(ctx context.Context, req *transport.Request) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/chat/completions", a.config.Endpoint)

	var messages []map[string]any
	if req.Task.HasImage() {
		dataURI := fmt.Sprintf("data:%s;base64,%s",
			req.Task.ImageMIMEType, base64.StdEncoding.EncodeToString(req.Task.Image))
		messages = []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": a.prompt},
				{"type": "image_url", "image_url": map[string]any{"url": dataURI}},
				{"type": "text", "text": req.Task.Text},
			},
		}}
	} else {
		messages = []map[string]any{
			{"role": "system", "content": a.prompt},
			{"role": "user", "content": req.Task.Text},
		}
	}

	body := map[string]any{
		"model":       ModelFor(a.config, req.Task),
		"messages":    messages,
		"temperature": a.config.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	if req.RunID != "" {
		httpReq.Header.Set("X-Request-Id", fmt.Sprintf("%s-%d-%d", req.RunID, req.Task.Index, req.Attempt))
	}

	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// Parse extracts the first choice's message content.
func (a *GroqAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &llmerrors.ProviderError{
			Provider: ProviderGroq,
			Message:  "failed to read response",
			Type:     llmerrors.ErrorTypeNetwork,
			Cause:    err,
		}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, parseOpenAICompatibleError(ProviderGroq, httpResp.StatusCode, httpResp.Header, body)
	}

	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &llmerrors.ProviderError{
			Provider:   ProviderGroq,
			StatusCode: httpResp.StatusCode,
			Message:    "failed to parse response",
			Type:       llmerrors.ErrorTypeBackendCall,
			Cause:      fmt.Errorf("%w: %w", llmerrors.ErrInvalidResponse, err),
		}
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &llmerrors.ProviderError{
			Provider:   ProviderGroq,
			StatusCode: httpResp.StatusCode,
			Message:    "response has no choices",
			Type:       llmerrors.ErrorTypeBackendCall,
			Cause:      llmerrors.ErrEmptyResponse,
		}
	}

	if resp.Choices[0].FinishReason == "content_filter" {
		return nil, &llmerrors.ProviderError{
			Provider:   ProviderGroq,
			StatusCode: httpResp.StatusCode,
			Message:    "response blocked by content filter",
			Code:       "content_filter",
			Type:       llmerrors.ErrorTypeContent,
		}
	}

	return &transport.Response{
		Provider: ProviderGroq,
		Model:    resp.Model,
		Raw:      resp.Choices[0].Message.Content,
	}, nil
}

// NewGroqHandler returns the core Groq handler. Calls inherit the configured
// timeout unless the request carries its own.
func NewGroqHandler(client *http.Client, cfg configuration.ProviderConfig, prompt string) transport.Handler {
	core := transport.NewHTTPHandler(client, NewGroqAdapter(cfg, prompt), ParseVerdict)
	if cfg.Timeout <= 0 {
		return core
	}
	return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		if req.Timeout == 0 {
			r := *req
			r.Timeout = cfg.Timeout
			req = &r
		}
		return core.Handle(ctx, req)
	})
}
