// Package testutil provides testing utilities for searchkv.
//
// This package is intended for use in tests and benchmarks only. It
// provides an in-memory database constructor and a seeded, thread-safe
// random number generator for reproducible fixtures.
package testutil

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/hupe1980/searchkv/kv/pebblekv"
)

// NewMemDB opens a pebble-backed database on an in-memory filesystem and
// closes it when the test ends.
func NewMemDB(t *testing.T) *pebblekv.DB {
	t.Helper()
	db, err := pebblekv.Open("searchkv-test", pebblekv.MemFS)
	if err != nil {
		t.Fatalf("open mem db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Int63 returns a non-negative pseudo-random int64.
func (r *RNG) Int63() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Int63()
}

// Perm returns a pseudo-random permutation of [0,n).
func (r *RNG) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Perm(n)
}
