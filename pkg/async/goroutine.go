package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/warden/pkg/observability"
)

// SafeGo executes fn on its own goroutine with a timeout and panic
// recovery. Errors and panics are logged through the logger carried by
// parentCtx and never reach the caller.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "audit alert", func(ctx context.Context) error {
//	    return pager.Notify(ctx, event)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		logger := observability.FromContext(parentCtx).WithField("task", taskName)

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers concurrent calls, each
// bounded by timeout. Every item is attempted; all errors are returned.
//
// Example:
//
//	errs := Batch(ctx, sessionIDs, 8, time.Second, func(ctx context.Context, id string) error {
//	    return store.Sweep(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)

	for _, item := range items {
		if ctx.Err() != nil {
			collect(ctx.Err())
			break
		}
		item := item
		g.Go(func() (err error) {
			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					collect(fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(taskCtx, item); err != nil {
				collect(err)
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
