package configuration

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g.
// QUIZJUDGE_RETRY_MAX_RETRIES for retry.max_retries.
const EnvPrefix = "QUIZJUDGE"

// SetDefaults registers every default value with v so that environment
// overrides resolve for nested keys even without a config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	for name, p := range d.Providers {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"endpoint", p.Endpoint)
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"api_key_env", p.APIKeyEnv)
		v.SetDefault(prefix+"image_model", p.ImageModel)
		v.SetDefault(prefix+"text_model", p.TextModel)
		v.SetDefault(prefix+"temperature", p.Temperature)
		v.SetDefault(prefix+"timeout", p.Timeout)
	}

	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.backoff", d.Retry.Backoff)
	v.SetDefault("retry.base_interval", d.Retry.BaseInterval)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.use_jitter", d.Retry.UseJitter)

	for name, delay := range d.RateLimit.Delays {
		v.SetDefault("rate_limit.delays."+name, delay)
	}
	v.SetDefault("rate_limit.global.enabled", d.RateLimit.Global.Enabled)
	v.SetDefault("rate_limit.global.redis_addr", d.RateLimit.Global.RedisAddr)
	v.SetDefault("rate_limit.global.redis_password", "")
	v.SetDefault("rate_limit.global.redis_db", d.RateLimit.Global.RedisDB)
	v.SetDefault("rate_limit.global.requests_per_window", d.RateLimit.Global.RequestsPerWindow)
	v.SetDefault("rate_limit.global.window", d.RateLimit.Global.Window)
	v.SetDefault("rate_limit.global.connect_timeout", d.RateLimit.Global.ConnectTimeout)
	v.SetDefault("rate_limit.global.key_prefix", d.RateLimit.Global.KeyPrefix)

	v.SetDefault("image.max_width", d.Image.MaxWidth)
	v.SetDefault("image.quality", d.Image.Quality)

	v.SetDefault("pipeline.mode", d.Pipeline.Mode)
	v.SetDefault("pipeline.max_concurrency", d.Pipeline.MaxConcurrency)
	v.SetDefault("pipeline.image_failure_policy", d.Pipeline.ImageFailurePolicy)
	v.SetDefault("pipeline.self_correction", d.Pipeline.SelfCorrection)
	v.SetDefault("pipeline.language", d.Pipeline.Language)

	v.SetDefault("observability.log_level", d.Observability.LogLevel)
	v.SetDefault("observability.log_format", d.Observability.LogFormat)
	v.SetDefault("observability.redact_prompts", d.Observability.RedactPrompts)
}

// Load reads configuration from defaults, an optional file, and the
// environment, in increasing precedence, then resolves API keys and
// validates the result. A nil v uses a fresh viper instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("quizjudge")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/quizjudge")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ResolveAPIKeys(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAPIKeys fills empty provider API keys from each provider's
// well-known environment variable (GEMINI_API_KEY, GROQ_API_KEY).
func (c *Config) ResolveAPIKeys(getenv func(string) string) {
	for name, p := range c.Providers {
		if p.APIKey != "" || p.APIKeyEnv == "" {
			continue
		}
		p.APIKey = getenv(p.APIKeyEnv)
		c.Providers[name] = p
	}
}
