package partition

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/stats"
)

// Document is the partitioner's view of one indexed document during
// rebalancing.
type Document struct {
	PrimaryKey int64
	Timestamp  int64
}

// DocumentStore moves physical documents between partitions on behalf of
// the rebalancer. Implemented by the index maintainer.
type DocumentStore interface {
	// OldestDocuments returns up to count documents of the partition,
	// ordered by ascending partitioning timestamp.
	OldestDocuments(ctx context.Context, group tuple.Tuple, partitionID int32, count int) ([]Document, error)

	// DeleteFromPartition removes the document from the partition's
	// physical index without touching partition metadata.
	DeleteFromPartition(ctx context.Context, group tuple.Tuple, partitionID int32, doc Document) error

	// Reinsert indexes the document again, routing through the
	// partitioner so the destination's metadata is updated as a normal
	// insert.
	Reinsert(ctx context.Context, group tuple.Tuple, doc Document) error
}

// RebalanceGroup scans the group's partitions oldest-first and moves
// documents out of the first partition found over the high watermark.
// Only one partition is processed per call so the work fits the driving
// sub-transaction; callers repeat while the returned moved count is
// positive. Returns the number of documents moved and an estimate of the
// overflow remaining in the processed partition.
func (p *Partitioner) RebalanceGroup(ctx context.Context, actx agile.Context, store DocumentStore, group tuple.Tuple, repartitionCount int) (int, int, error) {
	if repartitionCount <= 0 {
		return 0, 0, fmt.Errorf("partition: repartition document count must be positive")
	}
	all, err := p.AllPartitions(ctx, actx, group)
	if err != nil {
		return 0, 0, err
	}
	maxID := maxPartitionID(all)
	sort.Slice(all, func(i, j int) bool {
		return all[i].FromTimestamp() < all[j].FromTimestamp()
	})

	for _, info := range all {
		if info.Count <= int64(p.highWatermark) {
			continue
		}
		p.logger.Debug("repartitioning documents",
			"group", fmt.Sprint(group), "partition", info.ID,
			"count", info.Count, "high_watermark", p.highWatermark)

		// Fetch one extra document: the (N+1)-th defines the new from
		// bound of the source partition.
		fetch := 1 + min(repartitionCount, p.highWatermark)
		start := time.Now()
		moved, err := p.moveOldestDocuments(ctx, actx, store, group, info, maxID, fetch)
		if err != nil {
			return 0, 0, err
		}
		p.recorder.Observe(stats.EventRebalancePartition, time.Since(start))
		p.recorder.Add(stats.SizeRebalanceDocs, int64(moved))
		remaining := int(info.Count) - moved - p.highWatermark
		if remaining < 0 {
			remaining = 0
		}
		return moved, remaining, nil
	}
	return 0, 0, nil
}

// moveOldestDocuments moves the fetched documents minus the boundary one
// into the destination partition, updating both metas.
func (p *Partitioner) moveOldestDocuments(ctx context.Context, actx agile.Context, store DocumentStore, group tuple.Tuple, info *Meta, maxID int32, fetch int) (int, error) {
	docs, err := store.OldestDocuments(ctx, group, info.ID, fetch)
	if err != nil {
		return 0, err
	}
	if len(docs) <= 1 {
		return 0, nil
	}

	// The newest fetched document stays put; its timestamp becomes the
	// source partition's new from bound. An ambiguous boundary (equal
	// timestamps) cannot be represented and is fatal.
	boundary := docs[len(docs)-1].Timestamp
	if boundary == docs[len(docs)-2].Timestamp {
		return 0, fmt.Errorf("%w: documents to be repartitioned have same timestamp %d (group=%v partition=%d)",
			ErrInvariant, boundary, group, info.ID)
	}
	moved := docs[:len(docs)-1]

	if p.moveLimit != nil {
		if err := p.moveLimit.WaitN(ctx, len(moved)); err != nil {
			return 0, err
		}
	}

	for _, doc := range moved {
		if err := store.DeleteFromPartition(ctx, group, info.ID, doc); err != nil {
			return 0, err
		}
	}

	// The key is the from value, so the old key goes first.
	if err := actx.Clear(ctx, p.metaKey(group, info.FromTimestamp())); err != nil {
		return 0, err
	}
	info.Count -= int64(len(moved))
	info.From = packTimestamp(boundary)
	if err := p.save(ctx, actx, group, info); err != nil {
		return 0, err
	}

	// Destination: the partition containing the oldest moved timestamp,
	// unless missing, full, or the source itself.
	destTs := moved[0].Timestamp
	dest, err := p.FindPartition(ctx, actx, group, destTs)
	if err != nil {
		return 0, err
	}
	if dest == nil || dest.Count+int64(len(moved)) > int64(p.highWatermark) || dest.ID == info.ID {
		if err := p.save(ctx, actx, group, newMeta(destTs, maxID+1)); err != nil {
			return 0, err
		}
	}

	for _, doc := range moved {
		if err := store.Reinsert(ctx, group, doc); err != nil {
			return 0, err
		}
	}
	p.logger.Debug("repartitioned documents",
		"group", fmt.Sprint(group), "partition", info.ID, "moved", len(moved))
	return len(moved), nil
}

// Rebalance runs RebalanceGroup over every given group until no more
// documents move.
func (p *Partitioner) Rebalance(ctx context.Context, actx agile.Context, store DocumentStore, groups []tuple.Tuple, repartitionCount, maxDocs int) (int, error) {
	total := 0
	for _, group := range groups {
		for {
			if maxDocs > 0 && total >= maxDocs {
				return total, nil
			}
			moved, _, err := p.RebalanceGroup(ctx, actx, store, group, repartitionCount)
			if err != nil {
				return total, err
			}
			if moved == 0 {
				break
			}
			total += moved
		}
	}
	return total, nil
}
