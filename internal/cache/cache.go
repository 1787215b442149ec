// Package cache implements the process-wide LRU of decoded file blocks.
// Entries are keyed by (directory handle, file id, block number) so that
// directory instances backed by the same subspace share decoded blocks.
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Key identifies one decoded block.
type Key struct {
	Handle  uint64
	FileID  int64
	BlockNo int64
}

// BlockCache is a byte-bounded LRU of uncompressed block bytes.
// Concurrent fetches for the same key coalesce onto one underlying load.
type BlockCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List
	group     singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   Key
	value []byte
}

// NewBlockCache creates a BlockCache with the given capacity in bytes.
func NewBlockCache(capacity int64) *BlockCache {
	return &BlockCache{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}
}

// Get returns a cached block.
func (c *BlockCache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a block. Blocks larger than the capacity are not cached.
func (c *BlockCache) Set(key Key, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		// Blocks are immutable; refresh recency only.
		c.evictList.MoveToFront(ent)
		return
	}

	itemSize := int64(len(b))
	if itemSize > c.capacity {
		return
	}
	for c.size+itemSize > c.capacity {
		ent := c.evictList.Back()
		if ent == nil {
			break
		}
		c.removeElement(ent)
	}

	element := c.evictList.PushFront(&entry{key, b})
	c.items[key] = element
	c.size += itemSize
}

// Fetch returns the cached block for key, loading it via load on miss.
// Concurrent callers missing on the same key share a single load.
func (c *BlockCache) Fetch(key Key, load func() ([]byte, error)) ([]byte, error) {
	if b, ok := c.Get(key); ok {
		return b, nil
	}
	v, err, _ := c.group.Do(flightKey(key), func() (any, error) {
		if b, ok := c.Get(key); ok {
			return b, nil
		}
		b, err := load()
		if err != nil {
			return nil, err
		}
		c.Set(key, b)
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func flightKey(key Key) string {
	return fmt.Sprintf("%d/%d/%d", key.Handle, key.FileID, key.BlockNo)
}

// Invalidate removes entries matching the predicate.
func (c *BlockCache) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		c.removeElement(e)
	}
}

func (c *BlockCache) removeElement(e *list.Element) {
	c.evictList.Remove(e)
	ent := e.Value.(*entry)
	delete(c.items, ent.key)
	c.size -= int64(len(ent.value))
}

// Size returns the current size of the cache in bytes.
func (c *BlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns hit and miss counts.
func (c *BlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
