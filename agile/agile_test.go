package agile

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/stats"
	"github.com/hupe1980/searchkv/testutil"
)

func TestNonAgile_PassesThrough(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()

	txn, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	actx := NonAgile(txn)

	require.NoError(t, actx.Set(ctx, []byte("k"), []byte("v")))
	val, err := actx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	// Flush never commits the caller's transaction.
	require.NoError(t, actx.Flush(ctx))
	check, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	val, err = check.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, val, "write must not be visible before the caller commits")
	check.Cancel()

	require.NoError(t, txn.Commit(ctx))
}

func TestNonAgile_ClosedRejectsOps(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()

	txn, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	defer txn.Cancel()
	actx := NonAgile(txn)

	require.NoError(t, actx.FlushAndClose(ctx))
	assert.True(t, actx.Closed())
	assert.ErrorIs(t, actx.Set(ctx, []byte("k"), []byte("v")), ErrClosed)
	_, err = actx.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	// Flush stays callable after close.
	assert.NoError(t, actx.Flush(ctx))
}

func TestAgile_SizeQuotaTriggersCommit(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	rec := stats.NewBasicRecorder()

	actx := Agile(db, func(o *Options) {
		o.SizeQuota = 64
		o.TimeQuota = time.Hour
		o.Recorder = rec
	})

	payload := bytes.Repeat([]byte("x"), 48)
	require.NoError(t, actx.Set(ctx, []byte("k1"), payload))
	require.NoError(t, actx.Set(ctx, []byte("k2"), payload))
	// The second write pushed the sub-transaction over quota.
	require.NoError(t, actx.Set(ctx, []byte("k3"), payload))

	assert.Positive(t, rec.Count(stats.CounterAgileCommitsSizeQuota))

	// Quota-committed writes are already visible to fresh transactions.
	check, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	val, err := check.Get(ctx, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, payload, val)
	check.Cancel()

	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestAgile_TimeQuotaTriggersCommit(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()
	rec := stats.NewBasicRecorder()

	actx := Agile(db, func(o *Options) {
		o.TimeQuota = time.Millisecond
		o.Recorder = rec
	})

	require.NoError(t, actx.Set(ctx, []byte("k1"), []byte("v")))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, actx.Set(ctx, []byte("k2"), []byte("v")))

	assert.Positive(t, rec.Count(stats.CounterAgileCommitsTimeQuota))
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestAgile_FlushCommitsAndAllowsMoreOps(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()

	actx := Agile(db)
	require.NoError(t, actx.Set(ctx, []byte("a"), []byte("1")))
	require.NoError(t, actx.Flush(ctx))

	check, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	val, err := check.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), val)
	check.Cancel()

	// A fresh sub-transaction opens for the next op.
	require.NoError(t, actx.Set(ctx, []byte("b"), []byte("2")))
	require.NoError(t, actx.FlushAndClose(ctx))

	assert.ErrorIs(t, actx.Set(ctx, []byte("c"), []byte("3")), ErrClosed)
	// Flush remains callable after close.
	assert.NoError(t, actx.Flush(ctx))
}

func TestAgile_ReadsSeeOwnSubTransactionWrites(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()

	actx := Agile(db)
	require.NoError(t, actx.Set(ctx, []byte("k"), []byte("v")))
	val, err := actx.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	kvs, err := actx.GetRange(ctx, []byte("k"), []byte("l"), kv.RangeOptions{})
	require.NoError(t, err)
	require.Len(t, kvs, 1)
	require.NoError(t, actx.FlushAndClose(ctx))
}

func TestAgile_AbortAndResetDiscardsPartialState(t *testing.T) {
	db := testutil.NewMemDB(t)
	ctx := context.Background()

	actx := Agile(db)
	require.NoError(t, actx.Set(ctx, []byte("doomed"), []byte("v")))
	actx.AbortAndReset()

	// The discarded sub-transaction never commits.
	require.NoError(t, actx.Flush(ctx))
	check, err := db.CreateTransaction(ctx)
	require.NoError(t, err)
	val, err := check.Get(ctx, []byte("doomed"))
	require.NoError(t, err)
	assert.Nil(t, val)
	check.Cancel()

	// The context stays usable after the reset.
	require.NoError(t, actx.Set(ctx, []byte("next"), []byte("v")))
	require.NoError(t, actx.FlushAndClose(ctx))
}
