// Package ratelimit spaces backend call admissions.
//
// Each backend owns one Limiter. Successive admissions through the same
// Limiter start at least the configured delay apart; concurrent callers queue
// on the underlying token bucket and are released one by one. Released calls
// run concurrently, so the limiter bounds start times and not concurrency.
//
// A GlobalWindow can be layered on top to cap admissions across replicas with
// a Redis fixed window. Redis failures degrade to local spacing only.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ahrav/quizjudge/internal/llm/transport"
)

var errNegativeDelay = errors.New("admission delay cannot be negative")

// Limiter enforces a minimum spacing between call starts for one backend.
type Limiter struct {
	name    string
	delay   time.Duration
	limiter *rate.Limiter
	global  *GlobalWindow
	logger  *slog.Logger
	stats   limiterStats
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithGlobalWindow layers cross-replica admission on top of local spacing.
func WithGlobalWindow(w *GlobalWindow) Option {
	return func(l *Limiter) { l.global = w }
}

// WithLogger sets the limiter's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a limiter named after the backend it guards.
// A zero delay disables local spacing.
func New(name string, delay time.Duration, opts ...Option) (*Limiter, error) {
	if delay < 0 {
		return nil, fmt.Errorf("%w: %s got %v", errNegativeDelay, name, delay)
	}

	l := &Limiter{
		name:   name,
		delay:  delay,
		logger: slog.Default().With("component", "ratelimit", "provider", name),
	}
	if delay > 0 {
		// Burst of one: an idle limiter admits exactly one call immediately.
		l.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the backend name the limiter guards.
func (l *Limiter) Name() string { return l.name }

// Delay returns the configured minimum spacing.
func (l *Limiter) Delay() time.Duration { return l.delay }

// Wait blocks until the caller may start its call or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.stats.rejected.Add(1)
			return fmt.Errorf("%s admission: %w", l.name, err)
		}
	}

	if l.global != nil {
		if err := l.global.Admit(ctx); err != nil {
			l.stats.rejected.Add(1)
			return fmt.Errorf("%s admission: %w", l.name, err)
		}
	}

	waited := time.Since(start)
	l.stats.record(waited)
	if waited > 0 {
		l.logger.Debug("admission granted", "waited", waited)
	}
	return nil
}

// Middleware admits every call through the limiter before it reaches next.
func (l *Limiter) Middleware() transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if err := l.Wait(ctx); err != nil {
				return nil, err
			}
			return next.Handle(ctx, req)
		})
	}
}
