// Package agile provides the commit driver for long-running index
// maintenance. An agile context creates floating sub-transactions against
// the database and commits the current one whenever a time or write-size
// quota is reached, so merges and repartitioning never outgrow a single
// transaction. A non-agile context passes every operation straight through
// to the caller's transaction and never commits.
package agile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/stats"
)

const (
	// DefaultTimeQuota is the wall-time bound on one sub-transaction.
	DefaultTimeQuota = time.Second
	// DefaultSizeQuota is the written-bytes bound on one sub-transaction.
	DefaultSizeQuota = 900 * 1024
)

// ErrClosed is returned when a closed context is used for reads or writes.
var ErrClosed = errors.New("agility context already closed")

// Context runs key-value operations against either the caller's transaction
// or a floating sub-transaction, depending on mode.
type Context interface {
	// Apply runs fn against the current transaction under the read side of
	// the commit lock, so no commit happens while fn is in flight.
	Apply(ctx context.Context, fn func(ctx context.Context, txn kv.Transaction) error) error

	// Get reads a single key.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// GetRange reads a key range.
	GetRange(ctx context.Context, begin, end []byte, opts kv.RangeOptions) ([]kv.KeyValue, error)
	// Set writes a key, tracking written bytes against the size quota.
	Set(ctx context.Context, key, value []byte) error
	// Clear removes a key.
	Clear(ctx context.Context, key []byte) error
	// ClearRange removes a key range.
	ClearRange(ctx context.Context, begin, end []byte) error

	// Flush commits the current sub-transaction, if any.
	Flush(ctx context.Context) error
	// FlushAndClose commits and forbids further operations. Flush remains
	// callable afterwards.
	FlushAndClose(ctx context.Context) error
	// AbortAndReset discards the current sub-transaction and recovers the
	// internal lock state for post-failure cleanup. The context stays open.
	AbortAndReset()
	// Closed reports whether FlushAndClose was called.
	Closed() bool
}

// NonAgile wraps the caller's transaction. Flush and AbortAndReset are
// no-ops; the caller commits.
func NonAgile(txn kv.Transaction) Context {
	return &nonAgile{txn: txn}
}

type nonAgile struct {
	txn    kv.Transaction
	closed atomic.Bool
}

func (n *nonAgile) Apply(ctx context.Context, fn func(ctx context.Context, txn kv.Transaction) error) error {
	if n.closed.Load() {
		return ErrClosed
	}
	return fn(ctx, n.txn)
}

func (n *nonAgile) Get(ctx context.Context, key []byte) ([]byte, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	return n.txn.Get(ctx, key)
}

func (n *nonAgile) GetRange(ctx context.Context, begin, end []byte, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	return n.txn.GetRange(ctx, begin, end, opts)
}

func (n *nonAgile) Set(ctx context.Context, key, value []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.txn.Set(key, value)
	return nil
}

func (n *nonAgile) Clear(ctx context.Context, key []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.txn.Clear(key)
	return nil
}

func (n *nonAgile) ClearRange(ctx context.Context, begin, end []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.txn.ClearRange(begin, end)
	return nil
}

func (n *nonAgile) Flush(ctx context.Context) error { return nil }

func (n *nonAgile) FlushAndClose(ctx context.Context) error {
	n.closed.Store(true)
	return nil
}

func (n *nonAgile) AbortAndReset() {}

func (n *nonAgile) Closed() bool { return n.closed.Load() }

// Options configures an agile context.
type Options struct {
	TimeQuota time.Duration
	SizeQuota int64
	Logger    *slog.Logger
	Recorder  stats.Recorder
}

// Agile creates a context that opens sub-transactions lazily and commits
// them on quota.
func Agile(db kv.Database, optFns ...func(o *Options)) Context {
	opts := Options{
		TimeQuota: DefaultTimeQuota,
		SizeQuota: DefaultSizeQuota,
		Logger:    slog.Default(),
		Recorder:  stats.NoopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	a := &agile{
		db:        db,
		timeQuota: opts.TimeQuota,
		sizeQuota: opts.SizeQuota,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
	}
	a.logger.Debug("starting agility context",
		"time_quota", a.timeQuota, "size_quota", a.sizeQuota)
	return a
}

type agile struct {
	db        kv.Database
	timeQuota time.Duration
	sizeQuota int64
	logger    *slog.Logger
	recorder  stats.Recorder

	// Lock plan:
	//   Apply (and the op helpers built on it) take the read side and hold
	//   it for the duration of the operation.
	//   commitNow takes the write side, so no op is in flight at commit.
	//   createMu serializes lazy sub-transaction creation under the read lock.
	//   commitMu serializes commitNow and AbortAndReset.
	//   committingNow keeps quota-triggered commits from piling up behind
	//   the write lock; it is advisory, a stale read is harmless.
	lock     sync.RWMutex
	createMu sync.Mutex
	commitMu sync.Mutex

	committingNow atomic.Bool
	closed        atomic.Bool

	current       kv.Transaction
	creationTime  time.Time
	writtenBytes  atomic.Int64
	prevQuotaTime time.Time
}

func (a *agile) createIfNeeded(ctx context.Context) (kv.Transaction, error) {
	a.createMu.Lock()
	defer a.createMu.Unlock()
	if a.current == nil {
		txn, err := a.db.CreateTransaction(ctx)
		if err != nil {
			return nil, err
		}
		a.current = txn
		a.creationTime = time.Now()
		a.prevQuotaTime = a.creationTime
		a.writtenBytes.Store(0)
	}
	return a.current, nil
}

func (a *agile) Apply(ctx context.Context, fn func(ctx context.Context, txn kv.Transaction) error) error {
	if a.closed.Load() {
		return ErrClosed
	}
	err := func() error {
		a.lock.RLock()
		defer a.lock.RUnlock()
		txn, err := a.createIfNeeded(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, txn)
	}()
	if err != nil {
		return err
	}
	return a.commitIfNeeded(ctx)
}

func (a *agile) reachedTimeQuota() bool {
	return time.Since(a.creationTime) > a.timeQuota
}

func (a *agile) reachedSizeQuota() bool {
	return a.writtenBytes.Load() > a.sizeQuota
}

func (a *agile) shouldCommit() bool {
	if a.current == nil || a.committingNow.Load() {
		return false
	}
	if a.reachedSizeQuota() {
		a.recorder.Increment(stats.CounterAgileCommitsSizeQuota)
		return true
	}
	if a.reachedTimeQuota() {
		a.recorder.Increment(stats.CounterAgileCommitsTimeQuota)
		return true
	}
	return false
}

func (a *agile) commitIfNeeded(ctx context.Context) error {
	var err error
	if a.shouldCommit() {
		err = a.commitNow(ctx)
	}
	a.prevQuotaTime = time.Now()
	return err
}

func (a *agile) commitNow(ctx context.Context) error {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	if a.current == nil {
		return nil
	}
	a.committingNow.Store(true)
	defer a.committingNow.Store(false)

	a.lock.Lock()
	defer a.lock.Unlock()

	txn := a.current
	if err := txn.Commit(ctx); err != nil {
		a.reportCommitError(err)
		txn.Cancel()
		a.current = nil
		a.writtenBytes.Store(0)
		return err
	}
	txn.Cancel()
	a.current = nil
	a.writtenBytes.Store(0)
	return nil
}

func (a *agile) reportCommitError(err error) {
	a.logger.Debug("agility context commit failed",
		"age", time.Since(a.creationTime),
		"prev_quota_check_age", time.Since(a.prevQuotaTime),
		"written_bytes", a.writtenBytes.Load(),
		"error", err)
}

func (a *agile) Get(ctx context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := a.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		var err error
		out, err = txn.Get(ctx, key)
		return err
	})
	return out, err
}

func (a *agile) GetRange(ctx context.Context, begin, end []byte, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	var out []kv.KeyValue
	err := a.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		var err error
		out, err = txn.GetRange(ctx, begin, end, opts)
		return err
	})
	return out, err
}

func (a *agile) Set(ctx context.Context, key, value []byte) error {
	return a.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		txn.Set(key, value)
		a.writtenBytes.Add(int64(len(key) + len(value)))
		return nil
	})
}

func (a *agile) Clear(ctx context.Context, key []byte) error {
	return a.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		txn.Clear(key)
		return nil
	})
}

func (a *agile) ClearRange(ctx context.Context, begin, end []byte) error {
	return a.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		txn.ClearRange(begin, end)
		return nil
	})
}

func (a *agile) Flush(ctx context.Context) error {
	err := a.commitNow(ctx)
	if err != nil {
		return fmt.Errorf("agile: flush: %w", err)
	}
	a.logger.Debug("flushed agility context")
	return nil
}

func (a *agile) FlushAndClose(ctx context.Context) error {
	a.closed.Store(true)
	err := a.commitNow(ctx)
	if err != nil {
		return fmt.Errorf("agile: flush and close: %w", err)
	}
	a.logger.Debug("closed agility context")
	return nil
}

// AbortAndReset discards the current sub-transaction after a failure. All
// lock paths release through defers, so only the transaction itself needs
// unwinding here; the commit flag is cleared in case a commit died mid-way.
func (a *agile) AbortAndReset() {
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	a.committingNow.Store(false)
	a.createMu.Lock()
	defer a.createMu.Unlock()
	if a.current != nil {
		a.current.Cancel()
		a.current = nil
	}
	a.writtenBytes.Store(0)
	a.logger.Debug("reset agility context")
}

func (a *agile) Closed() bool { return a.closed.Load() }
