package ratelimit_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/ratelimit"
	"github.com/ahrav/quizjudge/internal/llm/transport"
)

func assertSpacing(t *testing.T, starts []time.Time, delay time.Duration) {
	t.Helper()
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, delay, "admission %d started %v after the previous one", i, gap)
	}
}

func TestLimiter_SequentialSpacing(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const delay = 2 * time.Second
		lim, err := ratelimit.New("gemini", delay)
		require.NoError(t, err)

		start := time.Now()
		var starts []time.Time
		for range 4 {
			require.NoError(t, lim.Wait(context.Background()))
			starts = append(starts, time.Now())
		}

		assert.Zero(t, starts[0].Sub(start), "idle limiter admits immediately")
		assertSpacing(t, starts, delay)
		assert.Equal(t, 3*delay, time.Since(start))
	})
}

func TestLimiter_ConcurrentCallersQueue(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const (
			delay   = 2 * time.Second
			callers = 5
		)
		lim, err := ratelimit.New("groq", delay)
		require.NoError(t, err)

		var (
			mu     sync.Mutex
			starts []time.Time
			wg     sync.WaitGroup
		)
		for range callers {
			wg.Go(func() {
				assert.NoError(t, lim.Wait(context.Background()))
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
			})
		}
		wg.Wait()

		require.Len(t, starts, callers)
		assertSpacing(t, starts, delay)

		st := lim.Stats()
		assert.Equal(t, int64(callers), st.Admitted)
		assert.Equal(t, (callers-1)*delay, st.MaxWait)
	})
}

func TestLimiter_ZeroDelayNeverWaits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lim, err := ratelimit.New("gemini", 0)
		require.NoError(t, err)

		start := time.Now()
		for range 10 {
			require.NoError(t, lim.Wait(context.Background()))
		}
		assert.Zero(t, time.Since(start))
	})
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lim, err := ratelimit.New("gemini", 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, lim.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err = lim.Wait(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gemini admission")
		assert.Equal(t, int64(1), lim.Stats().Rejected)
	})
}

func TestLimiter_NegativeDelay(t *testing.T) {
	_, err := ratelimit.New("gemini", -time.Second)
	assert.Error(t, err)
}

func TestLimiter_Middleware(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		const delay = 4 * time.Second
		lim, err := ratelimit.New("gemini", delay)
		require.NoError(t, err)

		var starts []time.Time
		core := transport.HandlerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
			starts = append(starts, time.Now())
			return &transport.Response{Provider: "gemini", Verdict: domain.Verdict{Result: true, Explanation: "ok"}}, nil
		})
		h := transport.Chain(core, lim.Middleware())

		for i := range 3 {
			resp, err := h.Handle(context.Background(), &transport.Request{Task: domain.Task{Index: i}})
			require.NoError(t, err)
			assert.True(t, resp.Verdict.Result)
		}
		require.Len(t, starts, 3)
		assertSpacing(t, starts, delay)
	})
}

func TestLimiter_MiddlewareStopsOnCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		lim, err := ratelimit.New("gemini", time.Minute)
		require.NoError(t, err)
		require.NoError(t, lim.Wait(context.Background()))

		called := false
		h := transport.Chain(transport.HandlerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
			called = true
			return &transport.Response{}, nil
		}), lim.Middleware())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = h.Handle(ctx, &transport.Request{})
		require.Error(t, err)
		assert.False(t, called, "cancelled admission must not reach the backend")
	})
}
