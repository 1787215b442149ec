package searchkv

import (
	"errors"

	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/partition"
)

// Error taxonomy of the persistence core, unified at the facade. Callers
// match with errors.Is.
var (
	// ErrConflict is retriable: a concurrently committed transaction
	// overlapped this one's writes.
	ErrConflict = kv.ErrConflict

	// ErrFileNotFound is returned when a directory name does not exist.
	ErrFileNotFound = directory.ErrFileNotFound

	// ErrLockHeld is returned when another entity holds a fresh lock on
	// the target partition.
	ErrLockHeld = directory.ErrLockHeld

	// ErrLockLost means a heartbeat found the lock taken over or expired;
	// the holder must stop writing.
	ErrLockLost = directory.ErrLockLost

	// ErrPartitionNotFound is returned when deleting a document from a
	// group that has no partition.
	ErrPartitionNotFound = partition.ErrNotFound

	// ErrInvariant marks fatal metadata invariant breaches. Never
	// swallowed, never retried.
	ErrInvariant = partition.ErrInvariant

	// ErrInvalidField is returned for a missing or blank partitioning
	// field configuration, or an unsupported field value type.
	ErrInvalidField = partition.ErrInvalidField

	// ErrIndexClosed is returned when an operation runs on a closed index.
	ErrIndexClosed = errors.New("index already closed")
)
