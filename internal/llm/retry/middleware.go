// Package retry wraps fallible backend calls in a bounded retry loop.
// Retries are unconditional on error kind; only context cancellation ends
// the loop early. Every failed attempt is logged with its task context.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

var (
	errMaxRetriesInvalid = errors.New("max retries must be >= 0")

	errContextCancelledBeforeRetry = errors.New("context cancelled before retry")
	errContextCancelledDuringRetry = errors.New("context cancelled during retry")
)

// Policy is a bounded retry policy: at most MaxRetries+1 calls, waiting
// Backoff(n) before the n-th retry. A backend Retry-After hint longer than
// the backoff replaces it, capped at MaxInterval when that is set.
type Policy struct {
	MaxRetries  int
	Backoff     BackoffFunc
	MaxInterval time.Duration
	Logger      *slog.Logger

	stats *retryStats
}

// NewPolicy builds a policy from configuration.
func NewPolicy(cfg configuration.RetryConfig) (*Policy, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w, got %d", errMaxRetriesInvalid, cfg.MaxRetries)
	}
	return &Policy{
		MaxRetries:  cfg.MaxRetries,
		Backoff:     FromConfig(cfg),
		MaxInterval: cfg.MaxInterval,
		Logger:      slog.Default().With("component", "retry"),
		stats:       &retryStats{},
	}, nil
}

// Operation is one attempt of a retried call. attempt is 1-based.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds, the attempts are exhausted, or ctx is done.
// attrs are appended to every failure log line so the caller's arguments
// (task index, provider) are visible. Exhaustion returns a
// *llmerrors.RetryExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p *Policy, op Operation[T], attrs ...any) (T, error) {
	var zero T

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", errContextCancelledBeforeRetry, ctx.Err())
	default:
	}

	logger := p.logger()
	maxAttempts := p.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		v, err := op(ctx, attempt)
		p.statsOrNop().totalAttempts.Add(1)

		if err == nil {
			if attempt > 1 {
				p.statsOrNop().successfulRetries.Add(1)
				logger.Info("call succeeded after retry", append([]any{"attempt", attempt}, attrs...)...)
			} else {
				p.statsOrNop().successfulFirstAttempts.Add(1)
			}
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, errors.Join(ctx.Err(), err))
		}

		if attempt == maxAttempts {
			logger.Warn("attempt failed, retries exhausted",
				append([]any{"attempt", attempt, "max_attempts", maxAttempts, "error", err, "kind", llmerrors.KindOf(err)}, attrs...)...)
			break
		}

		backoff, retryAfter := p.wait(attempt, err)
		p.statsOrNop().recordBackoff(backoff)

		logger.Warn("attempt failed, retrying",
			append([]any{"attempt", attempt, "max_attempts", maxAttempts, "backoff", backoff, "retry_after", retryAfter,
				"error", err, "kind", llmerrors.KindOf(err)}, attrs...)...)

		if backoff <= 0 {
			continue
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %w", errContextCancelledDuringRetry, errors.Join(ctx.Err(), lastErr))
		}
	}

	p.statsOrNop().failedRetries.Add(1)
	return zero, &llmerrors.RetryExhaustedError{Attempts: maxAttempts, Last: lastErr}
}

// Middleware wraps a backend handler in the retry loop. Each attempt goes
// through the rest of the chain, so limiters placed inside re-admit every
// retry. provider names the backend in logs and exhaustion errors.
func (p *Policy) Middleware(provider string) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			resp, err := Do(ctx, p, func(ctx context.Context, attempt int) (*transport.Response, error) {
				r := *req
				r.Attempt = attempt
				return next.Handle(ctx, &r)
			}, "provider", provider, "task_index", req.Task.Index, "run_id", req.RunID)

			var exhausted *llmerrors.RetryExhaustedError
			if errors.As(err, &exhausted) {
				exhausted.Provider = provider
			}
			return resp, err
		})
	}
}

// wait returns the delay before the next attempt and the backend's hint.
func (p *Policy) wait(attempt int, err error) (time.Duration, time.Duration) {
	var backoff time.Duration
	if p.Backoff != nil {
		backoff = p.Backoff(attempt)
	}

	hint := llmerrors.GetRetryAfter(err)
	if hint <= 0 {
		return backoff, 0
	}
	capped := hint
	if p.MaxInterval > 0 {
		capped = min(capped, p.MaxInterval)
	}
	return max(backoff, capped), hint
}

func (p *Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default().With("component", "retry")
}

func (p *Policy) statsOrNop() *retryStats {
	if p.stats == nil {
		return &retryStats{}
	}
	return p.stats
}
