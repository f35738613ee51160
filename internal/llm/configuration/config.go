package configuration

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

// Provider identifiers used as keys in Config.Providers and RateLimit.Delays.
const (
	ProviderGemini = "gemini" // vision-capable backend
	ProviderGroq   = "groq"   // text-primary backend
)

// Emission disciplines for the result stream.
const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"
)

// Image failure policies.
const (
	ImageFailureIsolate = "isolate"
	ImageFailureAbort   = "abort"
)

// Retry backoff shapes.
const (
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the complete configuration of the grading service.
// Includes backend settings, resilience parameters, image handling,
// stream emission and observability options.
type Config struct {
	Server ServerConfig `json:"server" mapstructure:"server"`

	// HTTPClient is shared by raw-HTTP backends; nil means a client is built
	// from provider timeouts.
	HTTPClient *http.Client `json:"-" mapstructure:"-"`

	// Provider configurations keyed by ProviderGemini / ProviderGroq.
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers" validate:"dive"`

	Retry         RetryConfig         `json:"retry" mapstructure:"retry"`
	RateLimit     RateLimitConfig     `json:"rate_limit" mapstructure:"rate_limit"`
	Image         ImageConfig         `json:"image" mapstructure:"image"`
	Pipeline      PipelineConfig      `json:"pipeline" mapstructure:"pipeline"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
}

// ServerConfig controls the streaming HTTP endpoint.
type ServerConfig struct {
	Addr              string        `json:"addr" mapstructure:"addr" validate:"required"`
	MaxUploadBytes    int64         `json:"max_upload_bytes" mapstructure:"max_upload_bytes" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// ProviderConfig holds backend-specific configuration and authentication.
type ProviderConfig struct {
	Endpoint    string            `json:"endpoint" mapstructure:"endpoint"`
	APIKey      string            `json:"-" mapstructure:"api_key"` // Sensitive, not serialized
	APIKeyEnv   string            `json:"api_key_env" mapstructure:"api_key_env"`
	ImageModel  string            `json:"image_model" mapstructure:"image_model" validate:"required"`
	TextModel   string            `json:"text_model" mapstructure:"text_model" validate:"required"`
	Temperature float64           `json:"temperature" mapstructure:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration     `json:"timeout" mapstructure:"timeout"`
	Headers     map[string]string `json:"headers" mapstructure:"headers"`
}

// RetryConfig controls the bounded retry loop around each backend.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Backoff      string        `json:"backoff" mapstructure:"backoff" validate:"oneof=linear exponential"`
	BaseInterval time.Duration `json:"base_interval" mapstructure:"base_interval"`
	MaxInterval  time.Duration `json:"max_interval" mapstructure:"max_interval"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	UseJitter    bool          `json:"use_jitter" mapstructure:"use_jitter"`
}

// RateLimitConfig controls per-backend admission spacing and the optional
// Redis-backed global admission window shared across replicas.
type RateLimitConfig struct {
	// Delays is the minimum spacing between call starts per backend.
	Delays map[string]time.Duration `json:"delays" mapstructure:"delays"`

	Global GlobalRateLimitConfig `json:"global" mapstructure:"global"`
}

// GlobalRateLimitConfig for Redis-based fixed window admission.
type GlobalRateLimitConfig struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	RedisAddr         string        `json:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword     string        `json:"-" mapstructure:"redis_password"` // Sensitive
	RedisDB           int           `json:"redis_db" mapstructure:"redis_db"`
	RequestsPerWindow int           `json:"requests_per_window" mapstructure:"requests_per_window"`
	Window            time.Duration `json:"window" mapstructure:"window"`
	ConnectTimeout    time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	KeyPrefix         string        `json:"key_prefix" mapstructure:"key_prefix"`
}

// ImageConfig controls inline image downsizing.
type ImageConfig struct {
	MaxWidth int `json:"max_width" mapstructure:"max_width" validate:"gt=0"`
	Quality  int `json:"quality" mapstructure:"quality" validate:"gte=1,lte=100"`
}

// PipelineConfig controls how a run is driven and emitted.
type PipelineConfig struct {
	Mode               string `json:"mode" mapstructure:"mode" validate:"oneof=sequential concurrent"`
	MaxConcurrency     int    `json:"max_concurrency" mapstructure:"max_concurrency" validate:"gte=0"`
	ImageFailurePolicy string `json:"image_failure_policy" mapstructure:"image_failure_policy" validate:"oneof=isolate abort"`
	SelfCorrection     bool   `json:"self_correction" mapstructure:"self_correction"`
	// Language is the language the backends are asked to explain in.
	Language string `json:"language" mapstructure:"language" validate:"required"`
}

// ObservabilityConfig controls structured logging and prompt redaction.
type ObservabilityConfig struct {
	LogLevel      string `json:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string `json:"log_format" mapstructure:"log_format" validate:"oneof=json text"`
	RedactPrompts bool   `json:"redact_prompts" mapstructure:"redact_prompts"`
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for _, name := range []string{ProviderGemini, ProviderGroq} {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("%w: provider %q is not configured", ErrInvalidConfig, name)
		}
	}

	for name, d := range c.RateLimit.Delays {
		if d < 0 {
			return fmt.Errorf("%w: rate_limit.delays.%s must not be negative", ErrInvalidConfig, name)
		}
	}

	if c.Retry.BaseInterval < 0 {
		return fmt.Errorf("%w: retry.base_interval must not be negative", ErrInvalidConfig)
	}
	if c.Retry.Backoff == BackoffExponential && c.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: retry.multiplier must be >= 1 for exponential backoff", ErrInvalidConfig)
	}

	if g := c.RateLimit.Global; g.Enabled {
		if g.RedisAddr == "" {
			return fmt.Errorf("%w: rate_limit.global.redis_addr is required when enabled", ErrInvalidConfig)
		}
		if g.RequestsPerWindow <= 0 || g.Window <= 0 {
			return fmt.Errorf("%w: rate_limit.global needs a positive requests_per_window and window", ErrInvalidConfig)
		}
	}
	return nil
}

// Delay returns the admission delay configured for a backend.
func (c *RateLimitConfig) Delay(provider string) time.Duration {
	return c.Delays[provider]
}
