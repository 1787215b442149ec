package partition

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/testutil"
)

// fakeStore keeps per-partition documents in memory, mirroring what the
// index maintainer does with real segments.
type fakeStore struct {
	p    *Partitioner
	actx agile.Context
	docs map[partitionKey][]Document
}

// partitionKey identifies a partition by its group and id.
type partitionKey struct {
	group string
	id    int32
}

func keyOf(group tuple.Tuple, id int32) partitionKey {
	return partitionKey{group: string(group.Pack()), id: id}
}

func newFakeStore(p *Partitioner, actx agile.Context) *fakeStore {
	return &fakeStore{p: p, actx: actx, docs: make(map[partitionKey][]Document)}
}

// insert routes a document through the partitioner and places it in the
// assigned partition, as the maintainer does on SaveRecord.
func (s *fakeStore) insert(ctx context.Context, group tuple.Tuple, doc Document) error {
	id, err := s.p.AddToAndSave(ctx, s.actx, group, doc.Timestamp)
	if err != nil {
		return err
	}
	k := keyOf(group, id)
	s.docs[k] = append(s.docs[k], doc)
	return nil
}

func (s *fakeStore) OldestDocuments(ctx context.Context, group tuple.Tuple, partitionID int32, count int) ([]Document, error) {
	docs := append([]Document(nil), s.docs[keyOf(group, partitionID)]...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].Timestamp < docs[j].Timestamp })
	if len(docs) > count {
		docs = docs[:count]
	}
	return docs, nil
}

func (s *fakeStore) DeleteFromPartition(ctx context.Context, group tuple.Tuple, partitionID int32, doc Document) error {
	k := keyOf(group, partitionID)
	docs := s.docs[k]
	for i, d := range docs {
		if d.PrimaryKey == doc.PrimaryKey {
			s.docs[k] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeStore) Reinsert(ctx context.Context, group tuple.Tuple, doc Document) error {
	return s.insert(ctx, group, doc)
}

func TestRebalanceGroup_MovesOverflow(t *testing.T) {
	p, actx := newTestPartitioner(t, 5)
	ctx := context.Background()
	group := tuple.From()
	store := newFakeStore(p, actx)

	// Twelve ascending documents all land in partition 0.
	for i := 0; i < 12; i++ {
		require.NoError(t, store.insert(ctx, group, Document{
			PrimaryKey: int64(i),
			Timestamp:  int64(100 + i*10),
		}))
	}

	for {
		moved, _, err := p.RebalanceGroup(ctx, actx, store, group, 3)
		require.NoError(t, err)
		if moved == 0 {
			break
		}
	}

	require.NoError(t, p.ValidateGroup(ctx, actx, group, 3))

	// Physical document counts match the metadata.
	all, err := p.AllPartitions(ctx, actx, group)
	require.NoError(t, err)
	total := 0
	for _, m := range all {
		assert.Equal(t, int64(len(store.docs[keyOf(group, m.ID)])), m.Count,
			"partition %d count must match resident documents", m.ID)
		total += len(store.docs[keyOf(group, m.ID)])
	}
	assert.Equal(t, 12, total, "no documents may be lost")
}

func TestRebalanceGroup_NoOverflowIsNoop(t *testing.T) {
	p, actx := newTestPartitioner(t, 10)
	ctx := context.Background()
	group := tuple.From()
	store := newFakeStore(p, actx)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.insert(ctx, group, Document{
			PrimaryKey: int64(i),
			Timestamp:  int64(100 + i),
		}))
	}
	moved, remaining, err := p.RebalanceGroup(ctx, actx, store, group, 3)
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Zero(t, remaining)
}

func TestRebalanceGroup_AmbiguousBoundaryIsFatal(t *testing.T) {
	p, actx := newTestPartitioner(t, 2)
	ctx := context.Background()
	group := tuple.From()
	store := newFakeStore(p, actx)

	// All documents share one timestamp; no boundary can be drawn.
	for i := 0; i < 4; i++ {
		require.NoError(t, store.insert(ctx, group, Document{
			PrimaryKey: int64(i),
			Timestamp:  100,
		}))
	}
	_, _, err := p.RebalanceGroup(ctx, actx, store, group, 2)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRebalanceGroup_RejectsNonPositiveCount(t *testing.T) {
	p, actx := newTestPartitioner(t, 2)
	_, _, err := p.RebalanceGroup(context.Background(), actx, newFakeStore(p, actx), tuple.From(), 0)
	assert.Error(t, err)
}

func TestRebalance_RandomSeedSatisfiesValidator(t *testing.T) {
	const (
		highWatermark    = 20
		repartitionCount = 3
		numDocs          = 150
	)
	p, actx := newTestPartitioner(t, highWatermark)
	ctx := context.Background()
	store := newFakeStore(p, actx)
	rng := testutil.NewRNG(42)

	groups := []tuple.Tuple{tuple.From(int64(1)), tuple.From(int64(2))}
	for _, group := range groups {
		// Distinct timestamps with random gaps, inserted in ascending
		// order as a timestamped workload would produce them.
		perm := rng.Perm(numDocs * 4)
		timestamps := append([]int(nil), perm[:numDocs]...)
		sort.Ints(timestamps)
		for i, ts := range timestamps {
			require.NoError(t, store.insert(ctx, group, Document{
				PrimaryKey: int64(i),
				Timestamp:  int64(1000 + ts),
			}))
		}
		for {
			moved, _, err := p.RebalanceGroup(ctx, actx, store, group, repartitionCount)
			require.NoError(t, err)
			if moved == 0 {
				break
			}
		}
		require.NoError(t, p.ValidateGroup(ctx, actx, group, repartitionCount))
	}
}

func TestValidateGroup_DetectsOverflow(t *testing.T) {
	p, actx := newTestPartitioner(t, 2)
	ctx := context.Background()
	group := tuple.From()

	for _, ts := range []int64{100, 110, 120} {
		_, err := p.AddToAndSave(ctx, actx, group, ts)
		require.NoError(t, err)
	}
	// Partition 0 now holds three documents over a watermark of two.
	err := p.ValidateGroup(ctx, actx, group, 1)
	assert.ErrorIs(t, err, ErrInvariant)
}
