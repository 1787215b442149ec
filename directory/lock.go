package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/stats"
)

const (
	// DefaultLockTimeWindow is the staleness window after which a lock
	// with no heartbeat may be stolen.
	DefaultLockTimeWindow = 10 * time.Minute
	// MinLockTimeWindow is the smallest permitted window. Configured
	// values below the floor fall back to the default.
	MinLockTimeWindow = 10 * time.Second
)

var (
	// ErrLockHeld is returned when the lock is held by another entity
	// whose heartbeat is still fresh.
	ErrLockHeld = errors.New("lock failed: already locked by another entity")
	// ErrLockLost is returned when a heartbeat finds the lock deleted,
	// taken over, or expired. The holder must stop writing.
	ErrLockLost = errors.New("lock already closed")
)

// Lock is a cross-actor advisory lock on a named resource within the
// directory's subspace. The lock cell holds the owner's UUID and a
// millisecond timestamp refreshed by heartbeats; a cell older than the
// time window is considered abandoned and may be stolen.
type Lock struct {
	dir    *Directory
	name   string
	key    []byte
	self   uuid.UUID
	window time.Duration

	mu        sync.Mutex
	timestamp int64
	closed    bool
}

// ObtainLock acquires the named lock. It fails with ErrLockHeld when
// another entity holds a fresh lock; stale or far-future lock cells are
// stolen. The acquisition is flushed so that other actors observe it.
func (d *Directory) ObtainLock(ctx context.Context, name string) (*Lock, error) {
	l := &Lock{
		dir:    d,
		name:   name,
		key:    d.locks.Pack(tuple.From(name)),
		self:   uuid.New(),
		window: d.timeWindow,
	}
	l.logSelf("attempting to create a file lock")
	if err := l.set(ctx, false); err != nil {
		return nil, err
	}
	if err := d.actx.Flush(ctx); err != nil {
		return nil, err
	}
	l.logSelf("successfully created a file lock")
	return l, nil
}

func (l *Lock) value(nowMillis int64) []byte {
	return tuple.From(l.self, nowMillis).Pack()
}

func lockCellOwner(val []byte) (uuid.UUID, int64, bool) {
	if val == nil {
		return uuid.UUID{}, 0, false
	}
	t, err := tuple.Unpack(val)
	if err != nil || len(t) != 2 {
		return uuid.UUID{}, 0, false
	}
	owner, ok1 := t[0].(uuid.UUID)
	ts, ok2 := t[1].(int64)
	if !ok1 || !ok2 {
		return uuid.UUID{}, 0, false
	}
	return owner, ts, true
}

// set reads the lock cell, verifies ownership (heartbeat) or availability
// (new lock), and rewrites the cell with a fresh timestamp.
func (l *Lock) set(ctx context.Context, isHeartbeat bool) error {
	start := time.Now()
	defer func() {
		l.dir.recorder.Observe(stats.WaitFileLockSet, time.Since(start))
	}()
	return l.dir.actx.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		nowMillis := time.Now().UnixMilli()
		val, err := txn.Get(ctx, l.key)
		if err != nil {
			return err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if isHeartbeat {
			if err := l.checkHeartbeatLocked(val); err != nil {
				return err
			}
		} else {
			if err := l.checkNewLockLocked(val, nowMillis); err != nil {
				return err
			}
		}
		l.timestamp = nowMillis
		txn.Set(l.key, l.value(nowMillis))
		return nil
	})
}

// checkHeartbeatLocked verifies the cell still belongs to us.
func (l *Lock) checkHeartbeatLocked(val []byte) error {
	owner, ts, ok := lockCellOwner(val)
	if !ok || ts == 0 {
		return fmt.Errorf("%w: lock cell was deleted (%s)", ErrLockLost, l)
	}
	if owner != l.self {
		return fmt.Errorf("%w: lock taken by %s at %d (%s)", ErrLockLost, owner, ts, l)
	}
	return nil
}

// checkNewLockLocked verifies the cell is free, expired, or far-future.
func (l *Lock) checkNewLockLocked(val []byte, nowMillis int64) error {
	owner, ts, ok := lockCellOwner(val)
	if !ok || ts <= 0 {
		return nil
	}
	windowMillis := l.window.Milliseconds()
	if ts > nowMillis-windowMillis && ts < nowMillis+windowMillis {
		return fmt.Errorf("%w: held by %s since %d", ErrLockHeld, owner, ts)
	}
	// Stale or far in the future. Steal it.
	l.dir.logger.Warn("file lock: discarded an existing old lock",
		"lock", l.name, "existing_uuid", owner.String(), "existing_timestamp", ts)
	return nil
}

// EnsureValid is the heartbeat. It verifies the lock is still ours and
// fresh, and refreshes the cell timestamp. Callers must invoke it before
// every sensitive operation.
func (l *Lock) EnsureValid(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: lock instance already released (%s)", ErrLockLost, l)
	}
	age := time.Now().UnixMilli() - l.timestamp
	l.mu.Unlock()
	if age > l.window.Milliseconds() {
		return fmt.Errorf("%w: lock is too old (%s)", ErrLockLost, l)
	}
	return l.set(ctx, true)
}

// Close releases the lock if still owned and flushes the release.
func (l *Lock) Close(ctx context.Context) error {
	if err := l.clear(ctx); err != nil {
		return err
	}
	return l.flushAndClose(ctx)
}

// flushAndClose always flushes before declaring the lock closed, so a
// failed commit cannot be skipped silently.
func (l *Lock) flushAndClose(ctx context.Context) error {
	if err := l.dir.actx.Flush(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *Lock) clear(ctx context.Context) error {
	start := time.Now()
	defer func() {
		l.dir.recorder.Observe(stats.WaitFileLockClear, time.Since(start))
	}()
	return l.dir.actx.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		val, err := txn.Get(ctx, l.key)
		if err != nil {
			return err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if err := l.checkHeartbeatLocked(val); err != nil {
			return err
		}
		txn.Clear(l.key)
		return nil
	})
}

// ClearIfLocked is the recovery path used during abnormal teardown: it
// clears the cell only when the UUID still matches, tolerating a lock
// that was already released or taken over.
func (l *Lock) ClearIfLocked(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	start := time.Now()
	err := l.dir.actx.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		val, err := txn.Get(ctx, l.key)
		if err != nil {
			return err
		}
		owner, _, ok := lockCellOwner(val)
		if ok && owner == l.self {
			txn.Clear(l.key)
			l.dir.logger.Debug("file lock cleared in recovery path", "lock", l.name)
		}
		return nil
	})
	l.dir.recorder.Observe(stats.WaitFileLockClear, time.Since(start))
	if err != nil {
		return err
	}
	return l.flushAndClose(ctx)
}

// String identifies the lock instance in log messages and errors.
func (l *Lock) String() string {
	return fmt.Sprintf("{lock: name=%s uuid=%s timeMillis=%d}", l.name, l.self, l.timestamp)
}

func (l *Lock) logSelf(msg string) {
	l.dir.logger.Debug("file lock: "+msg,
		"lock", l.name, "uuid", l.self.String(), "window", l.window)
}
