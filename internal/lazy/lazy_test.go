package lazy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_GetOnce(t *testing.T) {
	var calls atomic.Int32
	h := New(func(ctx context.Context) (*int, error) {
		calls.Add(1)
		v := 42
		return &v, nil
	})

	ctx := context.Background()
	const goroutines = 32
	results := make([]*int, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := h.Get(ctx)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "initializer must run exactly once")
	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i], "all callers see the same value reference")
	}
}

func TestHandle_ErrorPropagatesToAllCallers(t *testing.T) {
	initErr := errors.New("boom")
	h := New(func(ctx context.Context) (int, error) {
		return 0, initErr
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.Get(ctx)
		assert.ErrorIs(t, err, initErr)
	}
}

func TestHandle_CloseWithoutGetIsNoop(t *testing.T) {
	var initCalls, closeCalls atomic.Int32
	h := New(func(ctx context.Context) (int, error) {
		initCalls.Add(1)
		return 1, nil
	})

	err := h.Close(func(int) error {
		closeCalls.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), initCalls.Load(), "close must not trigger initialization")
	assert.Equal(t, int32(0), closeCalls.Load())
}

func TestHandle_CloseAfterGet(t *testing.T) {
	var closeCalls atomic.Int32
	h := New(func(ctx context.Context) (int, error) {
		return 7, nil
	})
	_, err := h.Get(context.Background())
	require.NoError(t, err)

	closer := func(v int) error {
		assert.Equal(t, 7, v)
		closeCalls.Add(1)
		return nil
	}
	require.NoError(t, h.Close(closer))
	require.NoError(t, h.Close(closer))
	assert.Equal(t, int32(2), closeCalls.Load(), "close runs once per call")
}

func TestHandle_CloseAfterFailedInitIsNoop(t *testing.T) {
	h := New(func(ctx context.Context) (int, error) {
		return 0, errors.New("init failed")
	})
	_, _ = h.Get(context.Background())

	var closeCalls atomic.Int32
	require.NoError(t, h.Close(func(int) error {
		closeCalls.Add(1)
		return nil
	}))
	assert.Equal(t, int32(0), closeCalls.Load())
}

// The initializer may depend on work that runs on the same goroutines
// that are waiting in Get; the Handle must not hold a lock across the
// initialization for this to complete.
func TestHandle_InitializerAwaitsSharedWork(t *testing.T) {
	release := make(chan struct{})
	h := New(func(ctx context.Context) (int, error) {
		<-release
		return 9, nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Get(ctx)
			require.NoError(t, err)
			assert.Equal(t, 9, v)
		}()
	}
	// Callers are parked on the handle; releasing the dependency must
	// unblock them all.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
}

func TestHandle_ContextCancelledWaiter(t *testing.T) {
	release := make(chan struct{})
	h := New(func(ctx context.Context) (int, error) {
		<-release
		return 3, nil
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Get(cancelled)
	assert.ErrorIs(t, err, context.Canceled)

	// The initialization still completes for later callers.
	close(release)
	v, err := h.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}
