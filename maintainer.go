package searchkv

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/lexical"
	"github.com/hupe1980/searchkv/partition"
	"github.com/hupe1980/searchkv/storedfields"
)

// newAgileContext creates the commit driver used for maintenance passes.
func (i *Index) newAgileContext() agile.Context {
	return agile.Agile(i.db, func(o *agile.Options) {
		o.TimeQuota = i.opts.agileTimeQuota
		o.SizeQuota = i.opts.agileSizeQuota
		o.Logger = i.logger.Logger
		o.Recorder = i.recorder
	})
}

// merge runs a merge pass over every partition touched by the committed
// session, each under its directory lock, all driven by one agile
// context so the work spans as many sub-transactions as it needs.
func (i *Index) merge(ctx context.Context, touched []groupPartition) error {
	if len(touched) == 0 {
		return nil
	}
	actx := i.newAgileContext()
	err := func() error {
		for _, gp := range touched {
			dir := i.newDirectory(actx, gp.group, gp.id)
			lock, err := dir.ObtainLock(ctx, WriteLockName)
			if err != nil {
				return err
			}
			writer, err := i.newLexicalWriter(ctx, dir)
			if err != nil {
				return err
			}
			if err := writer.ForceMerge(ctx); err != nil {
				return err
			}
			if err := lock.Close(ctx); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		actx.AbortAndReset()
		return fmt.Errorf("merge: %w", err)
	}
	return actx.FlushAndClose(ctx)
}

// ForceMerge merges one partition on demand, outside a session.
func (i *Index) ForceMerge(ctx context.Context, group tuple.Tuple, id int32) error {
	return i.merge(ctx, []groupPartition{{group: group, id: id}})
}

// rebalance moves documents out of overflowing partitions, group by
// group, until nothing moves. Each pass flushes the touched segment
// writers so the next pass observes the new physical state.
func (i *Index) rebalance(ctx context.Context, groups []tuple.Tuple) error {
	actx := i.newAgileContext()
	store := newRebalanceStore(i, actx)
	err := func() error {
		total := 0
		for _, group := range groups {
			for {
				if i.opts.repartitionMaxDocs > 0 && total >= i.opts.repartitionMaxDocs {
					return nil
				}
				moved, _, err := i.partitioner.RebalanceGroup(ctx, actx, store, group, i.opts.repartitionDocCount)
				if err != nil {
					return err
				}
				if moved == 0 {
					break
				}
				total += moved
				if err := store.flush(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}()
	if err == nil {
		err = store.close(ctx)
	}
	if err != nil {
		actx.AbortAndReset()
		return fmt.Errorf("rebalance: %w", err)
	}
	return actx.FlushAndClose(ctx)
}

// Rebalance runs the rebalancer over the given groups on demand.
func (i *Index) Rebalance(ctx context.Context, groups ...tuple.Tuple) error {
	if i.partitioner == nil {
		return nil
	}
	if len(groups) == 0 {
		groups = []tuple.Tuple{nil}
	}
	return i.rebalance(ctx, groups)
}

// rebalanceStore is the partitioner's view of the physical index during a
// rebalancing run: it deletes documents from source partitions, stashes
// their payloads, and reinserts them into destination partitions.
type rebalanceStore struct {
	idx     *Index
	actx    agile.Context
	writers map[string]*partitionWriter
	stash   map[string]stashEntry
}

type stashEntry struct {
	rec   storedfields.Record
	names []string
	ts    int64
}

func newRebalanceStore(idx *Index, actx agile.Context) *rebalanceStore {
	return &rebalanceStore{
		idx:     idx,
		actx:    actx,
		writers: make(map[string]*partitionWriter),
		stash:   make(map[string]stashEntry),
	}
}

var _ partition.DocumentStore = (*rebalanceStore)(nil)

func stashKey(group tuple.Tuple, pk int64) string {
	return fmt.Sprintf("%x/%d", group.Pack(), pk)
}

func (s *rebalanceStore) writerFor(ctx context.Context, group tuple.Tuple, id int32) (*partitionWriter, error) {
	key := string(s.idx.dataSubspace(group, id).Bytes())
	if pw, ok := s.writers[key]; ok {
		return pw, nil
	}
	dir := s.idx.newDirectory(s.actx, group, id)
	lock, err := dir.ObtainLock(ctx, WriteLockName)
	if err != nil {
		return nil, err
	}
	writer, err := s.idx.newLexicalWriter(ctx, dir)
	if err != nil {
		return nil, err
	}
	pw := &partitionWriter{group: group, id: id, dir: dir, writer: writer, lock: lock}
	s.writers[key] = pw
	return pw, nil
}

// OldestDocuments implements partition.DocumentStore. Payloads are
// stashed so Reinsert can rebuild the documents after they are deleted
// from the source partition.
func (s *rebalanceStore) OldestDocuments(ctx context.Context, group tuple.Tuple, partitionID int32, count int) ([]partition.Document, error) {
	dir := s.idx.newDirectory(s.actx, group, partitionID)
	hits, err := lexical.NewSearcher(dir).AllDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if len(hits) > count {
		hits = hits[:count]
	}
	out := make([]partition.Document, 0, len(hits))
	for _, hit := range hits {
		rec, err := lexical.LoadStoredRecord(ctx, dir, hit.Segment, hit.DocID)
		if err != nil {
			return nil, err
		}
		s.stash[stashKey(group, hit.PrimaryKey)] = stashEntry{
			rec:   rec,
			names: hit.FieldNames,
			ts:    hit.Timestamp,
		}
		out = append(out, partition.Document{PrimaryKey: hit.PrimaryKey, Timestamp: hit.Timestamp})
	}
	return out, nil
}

// DeleteFromPartition implements partition.DocumentStore.
func (s *rebalanceStore) DeleteFromPartition(ctx context.Context, group tuple.Tuple, partitionID int32, doc partition.Document) error {
	pw, err := s.writerFor(ctx, group, partitionID)
	if err != nil {
		return err
	}
	_, found, err := pw.writer.DeleteByPrimaryKey(ctx, doc.PrimaryKey)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("rebalance: document %d not found in partition %d", doc.PrimaryKey, partitionID)
	}
	return nil
}

// Reinsert implements partition.DocumentStore: the document routes
// through the partitioner again, landing in the destination partition
// whose metadata the rebalancer just prepared.
func (s *rebalanceStore) Reinsert(ctx context.Context, group tuple.Tuple, doc partition.Document) error {
	entry, ok := s.stash[stashKey(group, doc.PrimaryKey)]
	if !ok {
		return fmt.Errorf("rebalance: no stashed payload for document %d", doc.PrimaryKey)
	}
	id, err := s.idx.partitioner.AddToAndSave(ctx, s.actx, group, entry.ts)
	if err != nil {
		return err
	}
	pw, err := s.writerFor(ctx, group, id)
	if err != nil {
		return err
	}
	pw.writer.AddDocument(lexical.Document{
		PrimaryKey: doc.PrimaryKey,
		Timestamp:  entry.ts,
		Stored:     entry.rec,
		FieldNames: entry.names,
		Text:       recordText(entry.rec),
	})
	return nil
}

// flush commits the pending segments of every touched partition writer.
func (s *rebalanceStore) flush(ctx context.Context) error {
	for _, pw := range s.writers {
		if _, err := pw.writer.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// close flushes and releases every held write lock.
func (s *rebalanceStore) close(ctx context.Context) error {
	if err := s.flush(ctx); err != nil {
		return err
	}
	for _, pw := range s.writers {
		if err := pw.lock.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recordText rebuilds the indexed text of a stored record: the
// concatenation of its string fields.
func recordText(rec storedfields.Record) string {
	var parts []string
	for _, f := range rec {
		if f.Value.Type() == storedfields.TypeString {
			parts = append(parts, f.Value.String())
		}
	}
	return strings.Join(parts, " ")
}
