package configuration

import (
	"time"
)

// Server constants.
const (
	DefaultAddr              = ":8000"
	DefaultMaxUploadBytes    = 20 << 20
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 15 * time.Second
)

// Provider constants.
const (
	DefaultGeminiImageModel = "gemini-2.0-flash"
	DefaultGeminiTextModel  = "gemini-2.0-flash-lite"
	DefaultGroqEndpoint     = "https://api.groq.com/openai/v1"
	DefaultGroqImageModel   = "llama-3.2-90b-vision-preview"
	DefaultGroqTextModel    = "llama-3.3-70b-versatile"
	DefaultTemperature      = 0.8
	DefaultProviderTimeout  = 60 * time.Second
)

// HTTP transport constants.
const (
	DefaultMaxIdleConns       = 100
	DefaultIdleTimeoutSeconds = 90
	DefaultTLSTimeoutSeconds  = 10
)

// Retry constants.
const (
	DefaultMaxRetries        = 3
	DefaultBaseInterval      = 5 * time.Second
	DefaultMaxInterval       = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Rate limiting constants.
const (
	DefaultAdmissionDelay    = 1 * time.Second
	DefaultRequestsPerWindow = 30
	DefaultWindow            = time.Minute
	DefaultConnectTimeout    = 5 * time.Second
	DefaultRedisAddr         = "localhost:6379"
	DefaultGlobalKeyPrefix   = "quizjudge:admission"
)

// Image constants.
const (
	DefaultMaxWidth = 320
	DefaultQuality  = 80
)

// Pipeline constants.
const (
	DefaultMaxConcurrency = 0 // unbounded; admission is paced by the limiters
	DefaultLanguage       = "Ukrainian"
)

// DefaultConfig returns a configuration that mirrors the production setup:
// linear 5s backoff with three retries, one second of spacing per backend,
// 320px images, and concurrent emission.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              DefaultAddr,
			MaxUploadBytes:    DefaultMaxUploadBytes,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		Providers: map[string]ProviderConfig{
			ProviderGemini: {
				APIKeyEnv:   "GEMINI_API_KEY",
				ImageModel:  DefaultGeminiImageModel,
				TextModel:   DefaultGeminiTextModel,
				Temperature: DefaultTemperature,
				Timeout:     DefaultProviderTimeout,
			},
			ProviderGroq: {
				Endpoint:    DefaultGroqEndpoint,
				APIKeyEnv:   "GROQ_API_KEY",
				ImageModel:  DefaultGroqImageModel,
				TextModel:   DefaultGroqTextModel,
				Temperature: DefaultTemperature,
				Timeout:     DefaultProviderTimeout,
			},
		},
		Retry: RetryConfig{
			MaxRetries:   DefaultMaxRetries,
			Backoff:      BackoffLinear,
			BaseInterval: DefaultBaseInterval,
			MaxInterval:  DefaultMaxInterval,
			Multiplier:   DefaultBackoffMultiplier,
		},
		RateLimit: RateLimitConfig{
			Delays: map[string]time.Duration{
				ProviderGemini: DefaultAdmissionDelay,
				ProviderGroq:   DefaultAdmissionDelay,
			},
			Global: GlobalRateLimitConfig{
				RedisAddr:         DefaultRedisAddr,
				RequestsPerWindow: DefaultRequestsPerWindow,
				Window:            DefaultWindow,
				ConnectTimeout:    DefaultConnectTimeout,
				KeyPrefix:         DefaultGlobalKeyPrefix,
			},
		},
		Image: ImageConfig{
			MaxWidth: DefaultMaxWidth,
			Quality:  DefaultQuality,
		},
		Pipeline: PipelineConfig{
			Mode:               ModeConcurrent,
			MaxConcurrency:     DefaultMaxConcurrency,
			ImageFailurePolicy: ImageFailureIsolate,
			SelfCorrection:     true,
			Language:           DefaultLanguage,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			LogFormat:     "json",
			RedactPrompts: true,
		},
	}
}
