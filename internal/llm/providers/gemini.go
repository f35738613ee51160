package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// ContentGenerator issues one generateContent call and returns the candidate
// text. It isolates GeminiClient from the SDK's gRPC transport.
type ContentGenerator interface {
	Generate(ctx context.Context, model string, temperature float32, parts []genai.Part) (string, error)
}

// SDKGenerator is the ContentGenerator backed by the official Gemini SDK.
type SDKGenerator struct {
	client *genai.Client
}

// NewSDKGenerator dials the Gemini API with the configured key.
func NewSDKGenerator(ctx context.Context, cfg configuration.ProviderConfig) (*SDKGenerator, error) {
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &SDKGenerator{client: client}, nil
}

// Generate implements ContentGenerator.
func (g *SDKGenerator) Generate(ctx context.Context, model string, temperature float32, parts []genai.Part) (string, error) {
	m := g.client.GenerativeModel(model)
	m.SetTemperature(temperature)

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	var b strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	if b.Len() == 0 {
		return "", &llmerrors.ProviderError{
			Provider: ProviderGemini,
			Message:  "response has no candidate text",
			Type:     llmerrors.ErrorTypeBackendCall,
			Cause:    llmerrors.ErrEmptyResponse,
		}
	}
	return b.String(), nil
}

// Close releases the SDK connection.
func (g *SDKGenerator) Close() error {
	return g.client.Close()
}

// GeminiClient grades tasks with Gemini and is the preferred backend for tasks
// that carry an image. A malformed answer gets exactly one corrective turn.
type GeminiClient struct {
	cfg            configuration.ProviderConfig
	gen            ContentGenerator
	prompt         string
	selfCorrection bool
	logger         *slog.Logger
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithSelfCorrection toggles the corrective turn.
func WithSelfCorrection(enabled bool) GeminiOption {
	return func(c *GeminiClient) { c.selfCorrection = enabled }
}

// WithPrompt replaces the grading prompt.
func WithPrompt(prompt string) GeminiOption {
	return func(c *GeminiClient) { c.prompt = prompt }
}

// WithGeminiLogger sets the client's logger.
func WithGeminiLogger(logger *slog.Logger) GeminiOption {
	return func(c *GeminiClient) {
		if logger != nil {
			c.logger = logger.With("component", "provider", "provider", ProviderGemini)
		}
	}
}

// NewGeminiClient creates a client over gen.
func NewGeminiClient(cfg configuration.ProviderConfig, gen ContentGenerator, opts ...GeminiOption) *GeminiClient {
	if cfg.ImageModel == "" {
		cfg.ImageModel = configuration.DefaultGeminiImageModel
	}
	if cfg.TextModel == "" {
		cfg.TextModel = configuration.DefaultGeminiTextModel
	}
	c := &GeminiClient{
		cfg:            cfg,
		gen:            gen,
		prompt:         Prompt(configuration.DefaultLanguage),
		selfCorrection: true,
		logger:         slog.Default().With("component", "provider", "provider", ProviderGemini),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *GeminiClient) Name() string { return ProviderGemini }

// Handle implements transport.Handler.
func (c *GeminiClient) Handle(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	model := ModelFor(c.cfg, req.Task)
	parts := []genai.Part{genai.Text(c.prompt)}
	if req.Task.HasImage() {
		parts = append(parts, genai.Blob{MIMEType: req.Task.ImageMIMEType, Data: req.Task.Image})
	}
	parts = append(parts, genai.Text(req.Task.Text))

	start := time.Now()
	for turn := 0; ; turn++ {
		raw, err := c.gen.Generate(ctx, model, float32(c.cfg.Temperature), parts)
		if err != nil {
			return nil, err
		}

		verdict, err := ParseVerdict(ProviderGemini, raw)
		if err == nil {
			return &transport.Response{
				Verdict:   verdict,
				Provider:  ProviderGemini,
				Model:     model,
				Raw:       raw,
				Corrected: turn > 0,
				LatencyMs: time.Since(start).Milliseconds(),
			}, nil
		}

		if turn > 0 || !c.selfCorrection {
			var malformed *llmerrors.MalformedOutputError
			if errors.As(err, &malformed) {
				malformed.Corrected = turn > 0
			}
			return nil, err
		}

		c.logger.Debug("malformed output, requesting correction",
			"task_index", req.Task.Index, "attempt", req.Attempt, "model", model, "error", err)
		parts = append(parts, genai.Text(raw), genai.Text(CorrectionPrompt(err)))
	}
}
