package observability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

// ShutdownManager runs registered cleanup in reverse registration order
// under a shared deadline.
type ShutdownManager struct {
	logger          *Logger
	shutdownFuncs   []namedShutdown
	shutdownTimeout time.Duration
	mu              sync.Mutex
	once            sync.Once
	err             error
}

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// Register adds a named cleanup step.
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, namedShutdown{name: name, fn: fn})
}

// Shutdown runs every step once. Later calls return the first result.
// Steps run last-registered first so servers stop before the stores
// they depend on.
func (sm *ShutdownManager) Shutdown(parent context.Context) error {
	sm.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), sm.shutdownTimeout)
		defer cancel()

		sm.mu.Lock()
		funcs := append([]namedShutdown(nil), sm.shutdownFuncs...)
		sm.mu.Unlock()

		var errs []error
		for i := len(funcs) - 1; i >= 0; i-- {
			step := funcs[i]
			if err := step.fn(ctx); err != nil {
				sm.logger.WithError(err).WithField("step", step.name).Error("shutdown step failed")
				errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
				continue
			}
			sm.logger.WithField("step", step.name).Debug("shutdown step complete")
		}

		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown deadline: %w", ctx.Err()))
		}
		sm.err = errors.Join(errs...)
		if sm.err == nil {
			sm.logger.Info("Graceful shutdown complete")
		}
	})
	return sm.err
}
