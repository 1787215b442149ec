// Package stats provides operation counters and timers for the index
// persistence core. Implement Recorder to integrate with monitoring
// systems like Prometheus, or use BasicRecorder for in-memory counts.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter and event names recorded by the core.
const (
	// CounterAgileCommitsSizeQuota counts agile sub-transaction commits
	// triggered by the write-size quota.
	CounterAgileCommitsSizeQuota = "agile_commits_size_quota"
	// CounterAgileCommitsTimeQuota counts agile sub-transaction commits
	// triggered by the time quota.
	CounterAgileCommitsTimeQuota = "agile_commits_time_quota"
	// CounterStoredFieldsDeletes counts stored-fields records removed when
	// a segment is dropped.
	CounterStoredFieldsDeletes = "stored_fields_deletes"
	// SizeStoredFieldsWrite accumulates serialized stored-fields bytes written.
	SizeStoredFieldsWrite = "stored_fields_write_bytes"
	// SizeRebalanceDocs accumulates documents moved during repartitioning.
	SizeRebalanceDocs = "rebalance_partition_docs"

	// EventRebalancePartition times one partition rebalancing pass.
	EventRebalancePartition = "rebalance_partition"
	// WaitStoredFieldsGet times single-document stored-fields fetches.
	WaitStoredFieldsGet = "wait_stored_fields_get"
	// WaitFileLockSet times file-lock acquisition and heartbeat writes.
	WaitFileLockSet = "wait_file_lock_set"
	// WaitFileLockClear times file-lock release.
	WaitFileLockClear = "wait_file_lock_clear"
)

// Recorder collects operational counters and timings.
type Recorder interface {
	// Increment adds one to the named counter.
	Increment(name string)
	// Add adds delta to the named counter.
	Add(name string, delta int64)
	// Observe records a duration for the named event.
	Observe(name string, d time.Duration)
}

// NoopRecorder discards all recordings.
type NoopRecorder struct{}

func (NoopRecorder) Increment(string)              {}
func (NoopRecorder) Add(string, int64)             {}
func (NoopRecorder) Observe(string, time.Duration) {}

// BasicRecorder keeps counters and cumulative durations in memory.
type BasicRecorder struct {
	mu        sync.Mutex
	counters  map[string]*atomic.Int64
	durations map[string]*atomic.Int64
}

// NewBasicRecorder creates an empty BasicRecorder.
func NewBasicRecorder() *BasicRecorder {
	return &BasicRecorder{
		counters:  make(map[string]*atomic.Int64),
		durations: make(map[string]*atomic.Int64),
	}
}

func (r *BasicRecorder) counter(m map[string]*atomic.Int64, name string) *atomic.Int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := m[name]
	if !ok {
		c = new(atomic.Int64)
		m[name] = c
	}
	return c
}

// Increment implements Recorder.
func (r *BasicRecorder) Increment(name string) {
	r.counter(r.counters, name).Add(1)
}

// Add implements Recorder.
func (r *BasicRecorder) Add(name string, delta int64) {
	r.counter(r.counters, name).Add(delta)
}

// Observe implements Recorder.
func (r *BasicRecorder) Observe(name string, d time.Duration) {
	r.counter(r.counters, name).Add(1)
	r.counter(r.durations, name).Add(d.Nanoseconds())
}

// Count returns the current value of the named counter.
func (r *BasicRecorder) Count(name string) int64 {
	return r.counter(r.counters, name).Load()
}

// TotalDuration returns the cumulative observed duration for the named event.
func (r *BasicRecorder) TotalDuration(name string) time.Duration {
	return time.Duration(r.counter(r.durations, name).Load())
}
