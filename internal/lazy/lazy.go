// Package lazy provides a once-only initializer for expensive IO resources.
//
// The initializer may itself suspend on work scheduled on the same worker
// pool as its callers, so Get must never hold a lock across the
// initialization. Completion is signalled through a channel instead; waiters
// block on the channel, not on a mutex, which keeps a work-stealing
// scheduler free to run the initializer.
package lazy

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handle initializes a value of type T at most once, on first Get.
type Handle[T any] struct {
	init func(ctx context.Context) (T, error)

	once    sync.Once
	done    chan struct{}
	value   T
	err     error
	started atomic.Bool
}

// New creates a Handle around init. The function is not called until the
// first Get.
func New[T any](init func(ctx context.Context) (T, error)) *Handle[T] {
	return &Handle[T]{
		init: init,
		done: make(chan struct{}),
	}
}

// Get returns the initialized value, running the initializer exactly once
// across all concurrent callers. Every caller observes the same value or
// the same error. A caller whose ctx is done before initialization
// completes receives ctx.Err(); the initialization itself still runs to
// completion for the remaining callers.
func (h *Handle[T]) Get(ctx context.Context) (T, error) {
	h.once.Do(func() {
		h.started.Store(true)
		go func() {
			defer close(h.done)
			h.value, h.err = h.init(context.WithoutCancel(ctx))
		}()
	})
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Initialized reports whether initialization was ever started.
func (h *Handle[T]) Initialized() bool {
	return h.started.Load()
}

// Close invokes fn on the initialized value. It never triggers
// initialization: closing a handle that was never used is a no-op, and a
// handle whose initializer failed has nothing to close.
func (h *Handle[T]) Close(fn func(T) error) error {
	if !h.started.Load() {
		return nil
	}
	<-h.done
	if h.err != nil {
		return nil
	}
	return fn(h.value)
}
