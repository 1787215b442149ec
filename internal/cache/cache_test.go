package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockCache_GetSet(t *testing.T) {
	c := NewBlockCache(100)
	k := Key{Handle: 1, FileID: 1, BlockNo: 0}

	_, ok := c.Get(k)
	assert.False(t, ok)

	c.Set(k, []byte("block"))
	got, ok := c.Get(k)
	assert.True(t, ok)
	assert.Equal(t, []byte("block"), got)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestBlockCache_EvictsLRU(t *testing.T) {
	c := NewBlockCache(30)
	a := Key{Handle: 1, FileID: 1, BlockNo: 0}
	b := Key{Handle: 1, FileID: 1, BlockNo: 1}
	d := Key{Handle: 1, FileID: 1, BlockNo: 2}

	c.Set(a, make([]byte, 10))
	c.Set(b, make([]byte, 10))
	// Touch a so b is the least recently used.
	c.Get(a)
	c.Set(d, make([]byte, 15))

	_, ok := c.Get(b)
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get(a)
	assert.True(t, ok)
	assert.LessOrEqual(t, c.Size(), int64(30))
}

func TestBlockCache_OversizedNotCached(t *testing.T) {
	c := NewBlockCache(10)
	k := Key{Handle: 1, FileID: 1, BlockNo: 0}
	c.Set(k, make([]byte, 20))
	_, ok := c.Get(k)
	assert.False(t, ok)
	assert.Zero(t, c.Size())
}

func TestBlockCache_Invalidate(t *testing.T) {
	c := NewBlockCache(100)
	c.Set(Key{Handle: 1, FileID: 1, BlockNo: 0}, []byte("a"))
	c.Set(Key{Handle: 1, FileID: 1, BlockNo: 1}, []byte("b"))
	c.Set(Key{Handle: 1, FileID: 2, BlockNo: 0}, []byte("c"))

	c.Invalidate(func(k Key) bool { return k.FileID == 1 })

	_, ok := c.Get(Key{Handle: 1, FileID: 1, BlockNo: 0})
	assert.False(t, ok)
	_, ok = c.Get(Key{Handle: 1, FileID: 2, BlockNo: 0})
	assert.True(t, ok)
}

func TestBlockCache_FetchCoalesces(t *testing.T) {
	c := NewBlockCache(1 << 20)
	k := Key{Handle: 1, FileID: 3, BlockNo: 7}

	var loads atomic.Int32
	gate := make(chan struct{})
	load := func() ([]byte, error) {
		loads.Add(1)
		<-gate
		return []byte("payload"), nil
	}

	const goroutines = 16
	var wg sync.WaitGroup
	results := make([][]byte, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.Fetch(k, load)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(2), "concurrent misses must coalesce")
	for _, b := range results {
		assert.Equal(t, []byte("payload"), b)
	}

	// Subsequent fetches hit the cache.
	before := loads.Load()
	_, err := c.Fetch(k, load)
	require.NoError(t, err)
	assert.Equal(t, before, loads.Load())
}

func TestBlockCache_FetchError(t *testing.T) {
	c := NewBlockCache(100)
	k := Key{Handle: 9, FileID: 9, BlockNo: 9}
	loadErr := errors.New("fetch failed")

	_, err := c.Fetch(k, func() ([]byte, error) { return nil, loadErr })
	assert.ErrorIs(t, err, loadErr)

	// Errors are not cached.
	got, err := c.Fetch(k, func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), got)
}
