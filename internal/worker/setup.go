// Package worker assembles a ready grading pipeline from configuration.
// This package contains the startup wiring shared by the server and the CLI,
// keeping the grading packages free of construction logic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/quizjudge/internal/document"
	"github.com/ahrav/quizjudge/internal/grading"
	"github.com/ahrav/quizjudge/internal/imaging"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	"github.com/ahrav/quizjudge/internal/llm/providers"
	"github.com/ahrav/quizjudge/internal/llm/ratelimit"
	"github.com/ahrav/quizjudge/internal/llm/resilience"
	"github.com/ahrav/quizjudge/internal/llm/retry"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

// Options carries collaborators that cannot be built from configuration.
type Options struct {
	// HTTPClient overrides the client used by raw-HTTP backends.
	HTTPClient *http.Client

	// Generator overrides the Gemini SDK connection.
	Generator providers.ContentGenerator

	// Redis overrides the client used by global admission windows.
	// The caller keeps ownership of an injected client.
	Redis *redis.Client

	Metrics resilience.Metrics
	Logger  *slog.Logger
}

// Components is the assembled grading stack. Limiters and Observers are
// keyed by backend name and exposed for stats reporting.
type Components struct {
	Pipeline  *grading.Pipeline
	Retry     *retry.Policy
	Limiters  map[string]*ratelimit.Limiter
	Observers map[string]*resilience.LoggingMiddleware

	router    providers.Router
	redis     *redis.Client
	ownsRedis bool
}

// Close releases backend connections and the Redis client when owned.
func (c *Components) Close() error {
	var errs []error
	if c.router != nil {
		errs = append(errs, c.router.Close())
	}
	if c.redis != nil && c.ownsRedis {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger for the configured format and level.
func NewLogger(cfg configuration.ObservabilityConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewHTTPClient returns the pooled client shared by raw-HTTP backends.
// Per-call deadlines come from provider timeouts, not the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          configuration.DefaultMaxIdleConns,
			IdleConnTimeout:       configuration.DefaultIdleTimeoutSeconds * time.Second,
			TLSHandshakeTimeout:   configuration.DefaultTLSTimeoutSeconds * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Build creates the grading pipeline for cfg. Each backend is wrapped as
// retry, then admission, then logging, so every retry attempt is admitted
// and logged on its own.
func Build(ctx context.Context, cfg *configuration.Config, opts Options) (*Components, error) {
	if cfg == nil {
		cfg = configuration.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = cfg.HTTPClient
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}

	router, err := providers.NewRouter(ctx, cfg, providers.RouterOptions{
		HTTPClient: httpClient,
		Generator:  opts.Generator,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize grading backends: %w", err)
	}

	c := &Components{
		Limiters:  make(map[string]*ratelimit.Limiter),
		Observers: make(map[string]*resilience.LoggingMiddleware),
		router:    router,
	}

	c.Retry, err = retry.NewPolicy(cfg.Retry)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Retry.Logger = logger.With("component", "retry")

	if cfg.RateLimit.Global.Enabled {
		c.redis = opts.Redis
		if c.redis == nil {
			c.redis = ratelimit.NewRedisClient(cfg.RateLimit.Global)
			c.ownsRedis = true
		}
	}

	routes := make(map[string]grading.Route, 2)
	for _, name := range []string{configuration.ProviderGemini, configuration.ProviderGroq} {
		route, err := c.buildRoute(ctx, cfg, name, opts.Metrics, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		routes[name] = route
	}

	c.Pipeline = &grading.Pipeline{
		Extractor:          document.NewExtractor(cfg.Server.MaxUploadBytes),
		Normalizer:         imaging.NewNormalizer(cfg.Image),
		Orchestrator:       grading.NewOrchestrator(routes[configuration.ProviderGemini], routes[configuration.ProviderGroq], logger),
		Emitter:            grading.NewEmitter(cfg.Pipeline, logger),
		ImageFailurePolicy: cfg.Pipeline.ImageFailurePolicy,
		Logger:             logger,
	}

	logger.Info("grading pipeline ready",
		"mode", cfg.Pipeline.Mode,
		"max_concurrency", cfg.Pipeline.MaxConcurrency,
		"global_rate_limit", cfg.RateLimit.Global.Enabled,
		"image_failure_policy", cfg.Pipeline.ImageFailurePolicy)
	return c, nil
}

func (c *Components) buildRoute(
	ctx context.Context,
	cfg *configuration.Config,
	name string,
	metrics resilience.Metrics,
	logger *slog.Logger,
) (grading.Route, error) {
	core, err := c.router.Pick(name)
	if err != nil {
		return grading.Route{}, err
	}

	limOpts := []ratelimit.Option{ratelimit.WithLogger(logger.With("component", "ratelimit", "provider", name))}
	if c.redis != nil {
		window, err := ratelimit.GlobalWindowFromConfig(ctx, c.redis, cfg.RateLimit.Global, name, logger)
		if err != nil {
			return grading.Route{}, fmt.Errorf("global admission window for %s: %w", name, err)
		}
		limOpts = append(limOpts, ratelimit.WithGlobalWindow(window))
	}
	limiter, err := ratelimit.New(name, cfg.RateLimit.Delay(name), limOpts...)
	if err != nil {
		return grading.Route{}, err
	}
	c.Limiters[name] = limiter

	observer := resilience.NewLoggingMiddleware(name, cfg.Observability, logger, metrics)
	c.Observers[name] = observer

	return grading.Route{
		Name: name,
		Handler: transport.Chain(core,
			c.Retry.Middleware(name),
			limiter.Middleware(),
			observer.Middleware(),
		),
		Timeout: cfg.Providers[name].Timeout,
	}, nil
}
