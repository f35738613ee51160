package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
)

// Redis configuration constants.
const (
	// RedisReadTimeout bounds a single Redis read.
	RedisReadTimeout = 5 * time.Second

	// RedisWriteTimeout matches the read timeout.
	RedisWriteTimeout = 5 * time.Second

	// RedisPoolSize sets the maximum number of connections in the Redis pool.
	RedisPoolSize = 10

	// MinWindowWait keeps a denied caller from spinning on a nearly expired key.
	MinWindowWait = 10 * time.Millisecond
)

var errInvalidWindow = errors.New("global window requires a positive limit and window")

// fixedWindowScript counts admissions in a fixed window keyed by KEYS[1].
// Returns {1, remaining} when admitted and {0, pttl} when the window is full.
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'PX', window)
		return {1, limit - 1}
	end

	local count = tonumber(current)
	if count < limit then
		local newCount = redis.call('INCR', key)
		if redis.call('PTTL', key) == -1 then
			redis.call('PEXPIRE', key, window)
		end
		return {1, limit - newCount}
	end

	return {0, redis.call('PTTL', key)}
`)

// GlobalWindow caps admissions per fixed window across every process sharing
// the same Redis key.
type GlobalWindow struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
	logger *slog.Logger

	degraded atomic.Bool
}

// NewRedisClient builds the client used by global windows.
func NewRedisClient(cfg configuration.GlobalRateLimitConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.ConnectTimeout,
		ReadTimeout:  RedisReadTimeout,
		WriteTimeout: RedisWriteTimeout,
		PoolSize:     RedisPoolSize,
	})
}

// NewGlobalWindow creates a window over key allowing limit admissions per window.
func NewGlobalWindow(client *redis.Client, key string, limit int, window time.Duration, logger *slog.Logger) (*GlobalWindow, error) {
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("%w: limit=%d window=%v", errInvalidWindow, limit, window)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalWindow{
		client: client,
		key:    key,
		limit:  int64(limit),
		window: window,
		logger: logger.With("component", "ratelimit", "global_key", key),
	}, nil
}

// GlobalWindowFromConfig creates the window for one backend and probes Redis.
// An unreachable Redis yields a window that starts out degraded.
func GlobalWindowFromConfig(
	ctx context.Context,
	client *redis.Client,
	cfg configuration.GlobalRateLimitConfig,
	provider string,
	logger *slog.Logger,
) (*GlobalWindow, error) {
	w, err := NewGlobalWindow(client, cfg.KeyPrefix+":"+provider, cfg.RequestsPerWindow, cfg.Window, logger)
	if err != nil {
		return nil, err
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		w.degrade("redis unreachable at startup", err)
	}
	return w, nil
}

// Degraded reports whether the window has fallen back to local-only spacing.
func (w *GlobalWindow) Degraded() bool { return w.degraded.Load() }

// Admit blocks until the current window has room or ctx is done.
// Redis errors never fail the caller: the window degrades and admits.
func (w *GlobalWindow) Admit(ctx context.Context) error {
	for {
		if w.degraded.Load() {
			return nil
		}

		wait, err := w.tryAdmit(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			w.degrade("redis error", err)
			return nil
		}
		if wait == 0 {
			return nil
		}

		w.logger.Debug("global window full", "wait", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tryAdmit returns zero when admitted, or how long to wait before retrying.
func (w *GlobalWindow) tryAdmit(ctx context.Context) (time.Duration, error) {
	result, err := fixedWindowScript.Run(ctx, w.client, []string{w.key},
		w.window.Milliseconds(), w.limit).Result()
	if err != nil {
		return 0, fmt.Errorf("global admission check failed: %w", err)
	}

	res, ok := result.([]any)
	if !ok || len(res) < 2 {
		return 0, fmt.Errorf("invalid redis response %v", result)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return 0, fmt.Errorf("invalid redis allowed value %v", res[0])
	}
	if allowed == 1 {
		return 0, nil
	}

	ttlMs, ok := res[1].(int64)
	if !ok || ttlMs <= 0 {
		return w.window, nil
	}
	wait := time.Duration(ttlMs) * time.Millisecond
	return min(max(wait, MinWindowWait), w.window), nil
}

func (w *GlobalWindow) degrade(reason string, err error) {
	if w.degraded.CompareAndSwap(false, true) {
		w.logger.Warn("switching to degraded mode, local spacing only", "reason", reason, "error", err)
	}
}
