package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fitgen/internal/cache"
	"fitgen/internal/testutil"
	"fitgen/pkg/logger"
)

func newTestExecutor(c cache.Cache) *Executor {
	return NewExecutor(c, Options{
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		Timeout:           time.Second,
		GenerationTimeout: time.Second,
	}, logger.Discard())
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	e := newTestExecutor(nil)
	var calls int32

	res := Execute(context.Background(), e, "count_items", "", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})

	require.NoError(t, res.Err)
	assert.True(t, res.OK())
	assert.Equal(t, 42, res.Data)
	assert.False(t, res.FromCache)
	assert.EqualValues(t, 1, calls)
}

func TestExecute_RetriesThenSucceeds(t *testing.T) {
	e := newTestExecutor(nil)
	var calls int32

	res := Execute(context.Background(), e, "flaky", "", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Data)
	assert.EqualValues(t, 3, calls)
}

func TestExecute_ReturnsLastErrorAfterBudget(t *testing.T) {
	e := newTestExecutor(nil)
	var calls int32

	res := Execute(context.Background(), e, "down", "", func(ctx context.Context) (int, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 3 {
			return 0, errors.New("third failure")
		}
		return 0, errors.New("earlier failure")
	})

	require.Error(t, res.Err)
	assert.EqualError(t, res.Err, "third failure")
	assert.Zero(t, res.Data)
	assert.EqualValues(t, 3, calls)
}

func TestExecute_PermanentStopsRetrying(t *testing.T) {
	e := newTestExecutor(nil)
	var calls int32
	base := errors.New("constraint violated")

	res := Execute(context.Background(), e, "insert", "", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, Permanent(base)
	})

	assert.ErrorIs(t, res.Err, base)
	assert.ErrorIs(t, res.Err, ErrPermanent)
	assert.EqualValues(t, 1, calls)
}

func TestExecute_ParentCancellationStopsRetrying(t *testing.T) {
	e := NewExecutor(nil, Options{MaxAttempts: 5, RetryDelay: 50 * time.Millisecond}, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	res := Execute(ctx, e, "cancelled", "", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return 0, errors.New("boom")
	})

	assert.Error(t, res.Err)
	assert.EqualValues(t, 1, calls)
}

func TestExecute_AttemptTimeout(t *testing.T) {
	e := NewExecutor(nil, Options{MaxAttempts: 2, RetryDelay: -1, Timeout: 20 * time.Millisecond}, logger.Discard())
	var calls int32

	res := Execute(context.Background(), e, "slow", "", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.EqualValues(t, 2, calls)
}

func TestNewExecutor_RetryDelay(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"unset takes default", 0, DefaultRetryDelay},
		{"no wait", NoRetryDelay, 0},
		{"any negative", -time.Second, 0},
		{"explicit", 5 * time.Millisecond, 5 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(nil, Options{RetryDelay: tt.in}, logger.Discard())
			assert.Equal(t, tt.want, e.opts.RetryDelay)
		})
	}
}

func TestExecute_CacheHitSkipsCall(t *testing.T) {
	clock := testutil.FixedClock()
	e := newTestExecutor(cache.NewMemory(time.Minute, clock))
	ctx := context.Background()
	var calls int32
	fn := func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"apple", "yogurt"}, nil
	}

	first := Execute(ctx, e, "lookup", "content:snack:200", fn)
	second := Execute(ctx, e, "lookup", "content:snack:200", fn)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Data, second.Data)
	assert.EqualValues(t, 1, calls)

	clock.Advance(time.Minute)
	third := Execute(ctx, e, "lookup", "content:snack:200", fn)
	assert.False(t, third.FromCache)
	assert.EqualValues(t, 2, calls)
}

func TestExecute_FailureIsNotCached(t *testing.T) {
	e := newTestExecutor(cache.NewMemory(time.Minute, testutil.FixedClock()))
	ctx := context.Background()
	var calls int32

	Execute(ctx, e, "lookup", "k", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, Permanent(errors.New("nope"))
	})
	res := Execute(ctx, e, "lookup", "k", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 7, nil
	})

	assert.False(t, res.FromCache)
	assert.Equal(t, 7, res.Data)
	assert.EqualValues(t, 2, calls)
}

func TestExecuteFunction_NoKeyNeverCaches(t *testing.T) {
	mem := cache.NewMemory(time.Minute, testutil.FixedClock())
	e := newTestExecutor(mem)
	var calls int32

	for i := 0; i < 2; i++ {
		res := ExecuteFunction(context.Background(), e, "generate", "", func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		})
		require.NoError(t, res.Err)
		assert.False(t, res.FromCache)
	}

	assert.EqualValues(t, 2, calls)
	assert.Equal(t, 0, mem.Len())
}

func TestExecuteFunction_UsesGenerationTimeout(t *testing.T) {
	e := NewExecutor(nil, Options{MaxAttempts: 1, Timeout: time.Millisecond, GenerationTimeout: time.Second}, logger.Discard())

	res := ExecuteFunction(context.Background(), e, "generate", "", func(ctx context.Context) (time.Duration, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		return time.Until(deadline), nil
	})

	require.NoError(t, res.Err)
	assert.Greater(t, res.Data, 500*time.Millisecond)
}

func TestPrimeAndInvalidate(t *testing.T) {
	mem := cache.NewMemory(time.Minute, testutil.FixedClock())
	e := newTestExecutor(mem)
	ctx := context.Background()

	e.Prime(ctx, "content:lunch:500", []string{"salad"})

	res := Execute(ctx, e, "lookup", "content:lunch:500", func(ctx context.Context) ([]string, error) {
		t.Fatal("primed entry should be served from cache")
		return nil, nil
	})
	assert.True(t, res.FromCache)
	assert.Equal(t, []string{"salad"}, res.Data)

	e.Invalidate(ctx, "content:")
	assert.Equal(t, 0, mem.Len())
}

func TestExponentialBackoffStillBounded(t *testing.T) {
	e := NewExecutor(nil, Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Backoff: BackoffExponential}, logger.Discard())
	var calls int32

	res := Execute(context.Background(), e, "exp", "", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("fail")
	})

	assert.Error(t, res.Err)
	assert.EqualValues(t, 3, calls)
}
