package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunEmpty(t *testing.T) {
	results, err := Run(t.Context(), nil, func(_ context.Context, n int) (int, error) {
		return n, nil
	})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestRunSequentialOrder(t *testing.T) {
	tasks := []int{1, 2, 3, 4, 5}

	results, err := Run(t.Context(), tasks, func(_ context.Context, n int) (int, error) {
		return n * 10, nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{10, 20, 30, 40, 50}, results)
}

func TestRunParallelOrder(t *testing.T) {
	tasks := make([]int, 100)
	for i := range tasks {
		tasks[i] = i
	}

	results, err := Run(t.Context(), tasks, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}, WithWorkers(8))
	require.NoError(t, err)

	// Results stay aligned with input order regardless of completion order.
	for i, r := range results {
		require.Equal(t, i*2, r)
	}
}

func TestRunFirstErrorCancels(t *testing.T) {
	tasks := []int{0, 1, 2, 3}

	_, err := Run(t.Context(), tasks, func(_ context.Context, n int) (int, error) {
		if n == 1 {
			return 0, errors.New("boom")
		}
		return n, nil
	}, WithWorkers(2))
	require.Error(t, err)
	require.Equal(t, "boom", err.Error())
}

func TestRunSkipFailures(t *testing.T) {
	tasks := []int{1, 2, 3}

	results, err := Run(t.Context(), tasks, func(_ context.Context, n int) (int, error) {
		if n == 2 {
			return 0, fmt.Errorf("task %d failed", n)
		}
		return n, nil
	}, WithWorkers(2), WithSkipFailures(slog.Default()))
	require.NoError(t, err)

	// Failed tasks leave a zero value in their slot.
	require.Equal(t, []int{1, 0, 3}, results)
}

func TestRunProgress(t *testing.T) {
	tasks := []int{1, 2, 3, 4}

	var calls atomic.Int64
	var lastTotal atomic.Int64

	_, err := Run(t.Context(), tasks, func(_ context.Context, n int) (int, error) {
		return n, nil
	}, WithWorkers(2), WithProgress(func(done, total int) {
		calls.Add(1)
		lastTotal.Store(int64(total))
	}))
	require.NoError(t, err)

	require.Equal(t, int64(len(tasks)), calls.Load())
	require.Equal(t, int64(len(tasks)), lastTotal.Load())
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := Run(ctx, []int{1, 2, 3}, func(_ context.Context, n int) (int, error) {
		return n, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRecommendWorkers(t *testing.T) {
	require.Equal(t, 4, RecommendWorkers(4))
	require.Positive(t, RecommendWorkers(0))
	require.Positive(t, RecommendWorkers(-1))
	require.LessOrEqual(t, RecommendWorkers(0), 32)
}
