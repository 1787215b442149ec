package directory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/testutil"
)

func TestLock_MutualExclusion(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx1 := agile.Agile(db)
	d1 := New(actx1, sub)
	lock, err := d1.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)

	// A second actor contending within the window fails.
	actx2 := agile.Agile(db)
	d2 := New(actx2, sub)
	_, err = d2.ObtainLock(ctx, "write.lock")
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.ErrorContains(t, err, "already locked by another entity")

	// After release the second actor succeeds. Its context rotates to a
	// fresh sub-transaction first so the release is visible.
	require.NoError(t, lock.Close(ctx))
	require.NoError(t, actx2.Flush(ctx))
	lock2, err := d2.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)
	require.NoError(t, lock2.Close(ctx))

	require.NoError(t, actx1.FlushAndClose(ctx))
	require.NoError(t, actx2.FlushAndClose(ctx))
}

func TestLock_StealsStaleLock(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	// Plant a lock cell whose heartbeat stopped beyond the window,
	// simulating a crashed holder.
	actx := agile.Agile(db)
	d := New(actx, sub)
	staleMillis := time.Now().Add(-DefaultLockTimeWindow - time.Minute).UnixMilli()
	staleValue := tuple.From(uuid.New(), staleMillis).Pack()
	require.NoError(t, actx.Set(ctx, d.locks.Pack(tuple.From("write.lock")), staleValue))
	require.NoError(t, actx.Flush(ctx))

	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err, "a stale lock must be stolen")
	require.NoError(t, lock.Close(ctx))
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_StealsFarFutureLock(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	futureMillis := time.Now().Add(DefaultLockTimeWindow + time.Minute).UnixMilli()
	futureValue := tuple.From(uuid.New(), futureMillis).Pack()
	require.NoError(t, actx.Set(ctx, d.locks.Pack(tuple.From("write.lock")), futureValue))
	require.NoError(t, actx.Flush(ctx))

	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err, "a far-future lock must be stolen")
	require.NoError(t, lock.Close(ctx))
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_EnsureValidHeartbeat(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)

	require.NoError(t, lock.EnsureValid(ctx))

	// Another entity takes over the cell: the heartbeat must fail.
	foreign := tuple.From(uuid.New(), time.Now().UnixMilli()).Pack()
	require.NoError(t, actx.Set(ctx, d.locks.Pack(tuple.From("write.lock")), foreign))
	assert.ErrorIs(t, lock.EnsureValid(ctx), ErrLockLost)
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_EnsureValidAfterCellDeleted(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)

	require.NoError(t, actx.Clear(ctx, d.locks.Pack(tuple.From("write.lock"))))
	assert.ErrorIs(t, lock.EnsureValid(ctx), ErrLockLost)
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_EnsureValidAfterClose(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)
	require.NoError(t, lock.Close(ctx))

	assert.ErrorIs(t, lock.EnsureValid(ctx), ErrLockLost)
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_ClearIfLockedRecovery(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)

	// Recovery clears our own cell.
	require.NoError(t, lock.ClearIfLocked(ctx))
	val, err := actx.Get(ctx, d.locks.Pack(tuple.From("write.lock")))
	require.NoError(t, err)
	assert.Nil(t, val)

	// A second recovery call is a no-op on the closed lock.
	require.NoError(t, lock.ClearIfLocked(ctx))
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_ClearIfLockedLeavesForeignLock(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))

	actx := agile.Agile(db)
	d := New(actx, sub)
	lock, err := d.ObtainLock(ctx, "write.lock")
	require.NoError(t, err)

	// The cell now belongs to someone else; recovery must not clear it.
	foreign := tuple.From(uuid.New(), time.Now().UnixMilli()).Pack()
	require.NoError(t, actx.Set(ctx, d.locks.Pack(tuple.From("write.lock")), foreign))

	require.NoError(t, lock.ClearIfLocked(ctx))
	val, err := actx.Get(ctx, d.locks.Pack(tuple.From("write.lock")))
	require.NoError(t, err)
	assert.Equal(t, foreign, val)
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestLock_WindowFloor(t *testing.T) {
	db := testutil.NewMemDB(t)
	sub := tuple.NewSubspace([]byte{0x02}).Sub("idx", int64(1), int64(0))
	actx := agile.Agile(db)

	// A window below the floor falls back to the default.
	d := New(actx, sub, func(o *Options) { o.LockTimeWindow = time.Second })
	assert.Equal(t, DefaultLockTimeWindow, d.timeWindow)
	require.NoError(t, actx.FlushAndClose(context.Background()))
}
