package retry_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
	"github.com/ahrav/quizjudge/internal/llm/retry"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

func newPolicy(t *testing.T, maxRetries int, base time.Duration) *retry.Policy {
	t.Helper()
	p, err := retry.NewPolicy(configuration.RetryConfig{
		MaxRetries:   maxRetries,
		Backoff:      configuration.BackoffLinear,
		BaseInterval: base,
	})
	require.NoError(t, err)
	p.Logger = slog.New(slog.DiscardHandler)
	return p
}

// failingN returns a handler that fails the first n calls with a server error.
func failingN(n int32, calls *atomic.Int32) transport.Handler {
	return transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		if calls.Add(1) <= n {
			return nil, &llmerrors.ProviderError{Provider: "test", StatusCode: 500, Type: llmerrors.ErrorTypeProvider}
		}
		return &transport.Response{Verdict: domain.Verdict{Result: true, Explanation: "ok"}}, nil
	})
}

func TestPolicy_SucceedsAfterKFailures(t *testing.T) {
	for k := int32(0); k <= 3; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var calls atomic.Int32
			h := newPolicy(t, 3, 0).Middleware("test")(failingN(k, &calls))

			resp, err := h.Handle(context.Background(), &transport.Request{})
			require.NoError(t, err)
			assert.True(t, resp.Verdict.Result)
			assert.Equal(t, k+1, calls.Load())
		})
	}
}

func TestPolicy_ExhaustionMakesAtMostMaxPlusOneCalls(t *testing.T) {
	var calls atomic.Int32
	p := newPolicy(t, 3, 0)
	h := p.Middleware("groq")(failingN(100, &calls))

	_, err := h.Handle(context.Background(), &transport.Request{Task: domain.Task{Index: 7}})
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())

	var exhausted *llmerrors.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, "groq", exhausted.Provider)

	var provErr *llmerrors.ProviderError
	assert.ErrorAs(t, err, &provErr, "exhaustion unwraps to the last failure")

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.TotalAttempts)
	assert.Equal(t, int64(1), stats.FailedRetries)
}

func TestPolicy_RetriesEveryErrorKind(t *testing.T) {
	errs := []error{
		&llmerrors.ProviderError{Type: llmerrors.ErrorTypeAuth},
		&llmerrors.MalformedOutputError{Field: "result"},
		errors.New("opaque"),
	}
	for _, failure := range errs {
		var calls atomic.Int32
		_, err := retry.Do(context.Background(), newPolicy(t, 2, 0), func(context.Context, int) (int, error) {
			calls.Add(1)
			return 0, failure
		})
		require.Error(t, err)
		assert.Equal(t, int32(3), calls.Load(), "error %v must be retried", failure)
	}
}

func TestPolicy_ZeroRetriesIsSingleCall(t *testing.T) {
	var calls atomic.Int32
	_, err := newPolicy(t, 0, time.Hour).Middleware("x")(failingN(1, &calls)).Handle(context.Background(), &transport.Request{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPolicy_AttemptNumberIsPropagated(t *testing.T) {
	var seen []int
	h := newPolicy(t, 2, 0).Middleware("x")(transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		seen = append(seen, req.Attempt)
		if req.Attempt < 3 {
			return nil, errors.New("again")
		}
		return &transport.Response{}, nil
	}))

	req := &transport.Request{}
	_, err := h.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Zero(t, req.Attempt, "caller's request is not mutated")
}

func TestPolicy_LinearBackoffTiming(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var starts []time.Duration
		begin := time.Now()

		_, err := retry.Do(context.Background(), newPolicy(t, 3, 5*time.Second), func(context.Context, int) (struct{}, error) {
			starts = append(starts, time.Since(begin))
			return struct{}{}, errors.New("flaky")
		})
		require.Error(t, err)

		assert.Equal(t, []time.Duration{0, 5 * time.Second, 15 * time.Second, 30 * time.Second}, starts)
	})
}

func TestPolicy_HonoursRetryAfter(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter int
		want       time.Duration
	}{
		{name: "hint_longer_than_backoff", retryAfter: 20, want: 20 * time.Second},
		{name: "hint_capped_at_max_interval", retryAfter: 120, want: 30 * time.Second},
		{name: "hint_shorter_than_backoff", retryAfter: 2, want: 5 * time.Second},
		{name: "no_hint", retryAfter: 0, want: 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synctest.Test(t, func(t *testing.T) {
				p, err := retry.NewPolicy(configuration.RetryConfig{
					MaxRetries:   1,
					Backoff:      configuration.BackoffLinear,
					BaseInterval: 5 * time.Second,
					MaxInterval:  30 * time.Second,
				})
				require.NoError(t, err)
				p.Logger = slog.New(slog.DiscardHandler)

				var starts []time.Duration
				begin := time.Now()
				_, err = retry.Do(context.Background(), p, func(_ context.Context, attempt int) (string, error) {
					starts = append(starts, time.Since(begin))
					if attempt == 1 {
						return "", &llmerrors.ProviderError{
							Provider:   "groq",
							StatusCode: 429,
							RetryAfter: tt.retryAfter,
							Type:       llmerrors.ErrorTypeRateLimit,
						}
					}
					return "ok", nil
				})
				require.NoError(t, err)

				assert.Equal(t, []time.Duration{0, tt.want}, starts)
				assert.Equal(t, tt.want, p.Stats().MaxBackoff)
			})
		})
	}
}

func TestPolicy_CancelDuringBackoff(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls atomic.Int32

		done := make(chan error, 1)
		go func() {
			_, err := retry.Do(ctx, newPolicy(t, 3, time.Minute), func(context.Context, int) (int, error) {
				calls.Add(1)
				return 0, errors.New("down")
			})
			done <- err
		}()

		time.Sleep(30 * time.Second)
		cancel()
		err := <-done

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls.Load(), "no attempt after cancellation")
	})
}

func TestPolicy_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := retry.Do(ctx, newPolicy(t, 3, 0), func(context.Context, int) (int, error) {
		called = true
		return 1, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPolicy_LogsEveryFailedAttemptWithTaskContext(t *testing.T) {
	var buf bytes.Buffer
	p := newPolicy(t, 2, 0)
	p.Logger = slog.New(slog.NewTextHandler(&buf, nil))

	var calls atomic.Int32
	_, err := p.Middleware("gemini")(failingN(100, &calls)).Handle(context.Background(),
		&transport.Request{RunID: "run-1", Task: domain.Task{Index: 4}})
	require.Error(t, err)

	out := buf.String()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("attempt failed, retrying")))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("retries exhausted")))
	assert.Contains(t, out, "task_index=4")
	assert.Contains(t, out, "provider=gemini")
	assert.Contains(t, out, "run_id=run-1")
}

func TestNewPolicy_RejectsNegativeRetries(t *testing.T) {
	_, err := retry.NewPolicy(configuration.RetryConfig{MaxRetries: -1})
	assert.Error(t, err)
}
