// Package pool runs batches of independent storage tasks across a bounded
// set of worker goroutines, preserving input order in the results.
package pool

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Option configures a batch run.
type Option func(*settings)

type settings struct {
	workers      int
	skipFailures bool
	logger       *slog.Logger
	onProgress   func(done, total int)
}

// WithWorkers sets the number of worker goroutines. Values of one or less
// run the tasks sequentially on the calling goroutine.
func WithWorkers(n int) Option {
	return func(s *settings) { s.workers = n }
}

// WithSkipFailures logs task errors and continues instead of cancelling
// the batch. Failed tasks produce zero-valued results.
func WithSkipFailures(logger *slog.Logger) Option {
	return func(s *settings) {
		s.skipFailures = true
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after each completed task.
func WithProgress(fn func(done, total int)) Option {
	return func(s *settings) { s.onProgress = fn }
}

// RecommendWorkers returns n when positive, otherwise a worker count
// suited to IO-bound storage tasks.
func RecommendWorkers(n int) int {
	if n > 0 {
		return n
	}
	return min(32, runtime.NumCPU()+4)
}

// Run applies fn to every task and returns the results aligned with the
// input order. The first task error cancels the batch unless
// WithSkipFailures is set.
func Run[T, R any](ctx context.Context, tasks []T, fn func(context.Context, T) (R, error), opts ...Option) ([]R, error) {
	s := settings{workers: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	results := make([]R, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}

	total := len(tasks)
	progress := func(done int) {
		if s.onProgress != nil {
			s.onProgress(done, total)
		}
	}

	if s.workers <= 1 {
		for i, task := range tasks {
			if err := ctx.Err(); err != nil {
				return results, err
			}

			r, err := fn(ctx, task)
			if err != nil {
				if !s.skipFailures {
					return results, err
				}
				s.logger.Warn("task failed", "error", err)
			} else {
				results[i] = r
			}

			progress(i + 1)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	var done atomic.Int64
	for i, task := range tasks {
		g.Go(func() error {
			r, err := fn(gctx, task)
			if err != nil {
				if !s.skipFailures {
					return err
				}
				s.logger.Warn("task failed", "error", err)
			} else {
				results[i] = r
			}

			progress(int(done.Add(1)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	return results, nil
}
