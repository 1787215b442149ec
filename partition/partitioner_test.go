package partition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/testutil"
)

func newTestPartitioner(t *testing.T, highWatermark int) (*Partitioner, agile.Context) {
	t.Helper()
	db := testutil.NewMemDB(t)
	actx := agile.Agile(db)
	t.Cleanup(func() { _ = actx.FlushAndClose(context.Background()) })

	p, err := New(tuple.NewSubspace([]byte{0x04}), "ts", func(o *Options) {
		o.HighWatermark = highWatermark
	})
	require.NoError(t, err)
	return p, actx
}

func TestNew_RejectsBlankFieldName(t *testing.T) {
	_, err := New(tuple.NewSubspace([]byte{0x04}), "")
	assert.ErrorIs(t, err, ErrInvalidField)
	_, err = New(tuple.NewSubspace([]byte{0x04}), "   ")
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestTimestamp_Extraction(t *testing.T) {
	p, err := New(tuple.NewSubspace([]byte{0x04}), "meta.created")
	require.NoError(t, err)

	ts, err := p.Timestamp(map[string]any{
		"meta": map[string]any{"created": int64(12345)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12345), ts)

	_, err = p.Timestamp(map[string]any{"meta": map[string]any{}})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = p.Timestamp(map[string]any{"meta": "flat"})
	assert.ErrorIs(t, err, ErrInvalidField)

	_, err = p.Timestamp(map[string]any{
		"meta": map[string]any{"created": "not a number"},
	})
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestAddToAndSave_CreatesFirstPartition(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From()

	id, err := p.AddToAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	meta, err := p.NewestPartition(ctx, actx, group)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, int64(1), meta.Count)
	assert.Equal(t, int64(100), meta.FromTimestamp())
	assert.Equal(t, int64(100), meta.ToTimestamp())
}

func TestAddToAndSave_WidensBounds(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From()

	_, err := p.AddToAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	_, err = p.AddToAndSave(ctx, actx, group, 200)
	require.NoError(t, err)
	// An older timestamp rewrites the meta key, which is the from bound.
	_, err = p.AddToAndSave(ctx, actx, group, 50)
	require.NoError(t, err)

	all, err := p.AllPartitions(ctx, actx, group)
	require.NoError(t, err)
	require.Len(t, all, 1, "the old meta key must be cleared when from moves")
	assert.Equal(t, int64(3), all[0].Count)
	assert.Equal(t, int64(50), all[0].FromTimestamp())
	assert.Equal(t, int64(200), all[0].ToTimestamp())
}

func TestAddToAndSave_OlderDocIntoFullPartitionOpensNew(t *testing.T) {
	p, actx := newTestPartitioner(t, 3)
	ctx := context.Background()
	group := tuple.From()

	for _, ts := range []int64{100, 110, 120} {
		_, err := p.AddToAndSave(ctx, actx, group, ts)
		require.NoError(t, err)
	}
	// The partition is at the watermark; an older document must open a
	// new partition instead of forcing an immediate rebalance.
	id, err := p.AddToAndSave(ctx, actx, group, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(1), id)

	all, err := p.AllPartitions(ctx, actx, group)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRemoveFromAndSave_DecrementsCount(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From()

	_, err := p.AddToAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	_, err = p.AddToAndSave(ctx, actx, group, 200)
	require.NoError(t, err)

	id, err := p.RemoveFromAndSave(ctx, actx, group, 200)
	require.NoError(t, err)
	assert.Equal(t, int32(0), id)

	meta, err := p.NewestPartition(ctx, actx, group)
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta.Count)
	// Bounds are not narrowed; they remain a valid bounding interval.
	assert.Equal(t, int64(200), meta.ToTimestamp())
}

func TestRemoveFromAndSave_FailsWithoutPartition(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	_, err := p.RemoveFromAndSave(context.Background(), actx, tuple.From(), 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveFromAndSave_NegativeCountIsFatal(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From()

	_, err := p.AddToAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	_, err = p.RemoveFromAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	_, err = p.RemoveFromAndSave(ctx, actx, group, 100)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestGroups_AreIndependent(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()

	_, err := p.AddToAndSave(ctx, actx, tuple.From(int64(1)), 100)
	require.NoError(t, err)
	_, err = p.AddToAndSave(ctx, actx, tuple.From(int64(2)), 500)
	require.NoError(t, err)

	m1, err := p.NewestPartition(ctx, actx, tuple.From(int64(1)))
	require.NoError(t, err)
	m2, err := p.NewestPartition(ctx, actx, tuple.From(int64(2)))
	require.NoError(t, err)
	assert.Equal(t, int64(100), m1.FromTimestamp())
	assert.Equal(t, int64(500), m2.FromTimestamp())
}

func TestSelectQueryPartition(t *testing.T) {
	p, actx := newTestPartitioner(t, 2)
	ctx := context.Background()
	group := tuple.From()

	// Two partitions: [100,110] and, via the full-partition rule, [50,50].
	for _, ts := range []int64{100, 110, 50} {
		_, err := p.AddToAndSave(ctx, actx, group, ts)
		require.NoError(t, err)
	}

	// Default: newest.
	meta, err := p.SelectQueryPartition(ctx, actx, group, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), meta.FromTimestamp())

	// Ascending sort on the partitioning field: oldest.
	meta, err = p.SelectQueryPartition(ctx, actx, group, &Sort{Field: "ts"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), meta.FromTimestamp())

	// Descending sort: newest.
	meta, err = p.SelectQueryPartition(ctx, actx, group, &Sort{Field: "ts", Reverse: true})
	require.NoError(t, err)
	assert.Equal(t, int64(100), meta.FromTimestamp())

	// Sort on another field: newest.
	meta, err = p.SelectQueryPartition(ctx, actx, group, &Sort{Field: "other"})
	require.NoError(t, err)
	assert.Equal(t, int64(100), meta.FromTimestamp())
}

func TestNextOlderPartition_Iterates(t *testing.T) {
	p, actx := newTestPartitioner(t, 1)
	ctx := context.Background()
	group := tuple.From()

	// Each insert fills a partition; older inserts open new ones.
	for _, ts := range []int64{300, 200, 100} {
		_, err := p.AddToAndSave(ctx, actx, group, ts)
		require.NoError(t, err)
	}

	var froms []int64
	var meta *Meta
	for {
		var err error
		meta, err = p.NextOlderPartition(ctx, actx, group, meta)
		require.NoError(t, err)
		if meta == nil {
			break
		}
		froms = append(froms, meta.FromTimestamp())
	}
	assert.Equal(t, []int64{300, 200, 100}, froms)
}

func TestClearGroup_DropsAllMetas(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From(int64(7))

	_, err := p.AddToAndSave(ctx, actx, group, 100)
	require.NoError(t, err)
	require.NoError(t, p.ClearGroup(ctx, actx, group))

	all, err := p.AllPartitions(ctx, actx, group)
	require.NoError(t, err)
	assert.Empty(t, all)
}
