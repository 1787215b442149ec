// Package kv defines the contracts for the transactional ordered key-value
// store backing the index. Keys are arbitrary byte strings ordered
// lexicographically; transactions provide snapshot reads over their own
// writes and commit atomically.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned from Commit when the transaction's writes
	// conflict with a concurrently committed transaction. The caller
	// decides whether to retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrTransactionDone is returned when a committed or cancelled
	// transaction is used again.
	ErrTransactionDone = errors.New("transaction already committed or cancelled")

	// ErrClosed is returned when the database has been closed.
	ErrClosed = errors.New("database closed")
)

// KeyValue is a single key/value pair returned from range reads.
type KeyValue struct {
	Key   []byte
	Value []byte
}

// RangeOptions controls range reads.
type RangeOptions struct {
	// Limit bounds the number of pairs returned. Zero means no limit.
	Limit int
	// Reverse returns pairs in descending key order.
	Reverse bool
}

// Transaction is a serializable read/write transaction. Reads observe a
// snapshot taken at creation, merged with the transaction's own writes.
// Write methods never block; all buffered mutations apply atomically on
// Commit. Implementations must be safe for concurrent use.
type Transaction interface {
	// Get returns the value stored at key, or nil if absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// GetRange returns pairs with begin <= key < end, in key order
	// (descending when opts.Reverse).
	GetRange(ctx context.Context, begin, end []byte, opts RangeOptions) ([]KeyValue, error)

	// Set buffers a write of value at key.
	Set(key, value []byte)

	// Clear buffers a deletion of key.
	Clear(key []byte)

	// ClearRange buffers a deletion of all keys with begin <= key < end.
	ClearRange(begin, end []byte)

	// Commit atomically applies all buffered mutations. Returns
	// ErrConflict when another transaction committed an overlapping
	// write after this transaction began.
	Commit(ctx context.Context) error

	// Cancel discards the transaction. Safe to call after Commit.
	Cancel()
}

// Database creates transactions.
type Database interface {
	CreateTransaction(ctx context.Context) (Transaction, error)
	Close() error
}

// RunTransactional runs fn in a fresh transaction, committing on success
// and retrying on ErrConflict until ctx is done.
func RunTransactional(ctx context.Context, db Database, fn func(ctx context.Context, txn Transaction) error) error {
	for {
		txn, err := db.CreateTransaction(ctx)
		if err != nil {
			return err
		}
		err = fn(ctx, txn)
		if err == nil {
			err = txn.Commit(ctx)
		}
		txn.Cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}
