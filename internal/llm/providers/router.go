// Package providers implements the grading backends: Gemini for tasks that
// carry an image and Groq for text-only tasks. Each backend is exposed as a
// core transport.Handler that turns one task into one parsed verdict.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// Supported grading backend identifiers.
// These must match the provider names used in configuration.
const (
	ProviderGemini = configuration.ProviderGemini
	ProviderGroq   = configuration.ProviderGroq
)

// Router hands out the core handler for a configured backend.
type Router interface {
	// Pick returns the handler for provider.
	Pick(provider string) (transport.Handler, error)

	// Close releases backend connections.
	Close() error
}

// RouterOptions carries the collaborators NewRouter cannot build from config.
type RouterOptions struct {
	// HTTPClient is used by HTTP adapters; nil means http.DefaultClient.
	HTTPClient *http.Client

	// Generator overrides the Gemini SDK connection, mainly for tests.
	Generator ContentGenerator

	Logger *slog.Logger
}

// ModelFor picks the model tier from the task shape: the heavier image model
// when the task carries an image, the lighter text model otherwise.
func ModelFor(cfg configuration.ProviderConfig, task domain.Task) string {
	if task.HasImage() {
		return cfg.ImageModel
	}
	return cfg.TextModel
}

// NewRouter creates handlers for every configured backend.
func NewRouter(ctx context.Context, cfg *configuration.Config, opts RouterOptions) (Router, error) {
	prompt := Prompt(cfg.Pipeline.Language)
	r := &router{handlers: make(map[string]transport.Handler)}

	for name, pc := range cfg.Providers {
		switch name {
		case ProviderGemini:
			gen := opts.Generator
			if gen == nil {
				sdk, err := NewSDKGenerator(ctx, pc)
				if err != nil {
					_ = r.Close()
					return nil, err
				}
				r.closers = append(r.closers, sdk.Close)
				gen = sdk
			}
			r.handlers[name] = NewGeminiClient(pc, gen,
				WithPrompt(prompt),
				WithSelfCorrection(cfg.Pipeline.SelfCorrection),
				WithGeminiLogger(opts.Logger),
			)
		case ProviderGroq:
			r.handlers[name] = NewGroqHandler(opts.HTTPClient, pc, prompt)
		default:
			_ = r.Close()
			return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, name)
		}
	}

	return r, nil
}

type router struct {
	handlers map[string]transport.Handler
	closers  []func() error
}

// Pick selects the handler for the given provider name.
func (r *router) Pick(provider string) (transport.Handler, error) {
	h, ok := r.handlers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", llmerrors.ErrUnknownProvider, provider)
	}
	return h, nil
}

func (r *router) Close() error {
	var firstErr error
	for _, c := range r.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
