package partition

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
)

// ValidateGroup checks the partition metadata invariants of one group
// after merge and rebalance:
//
//	(a) the oldest partition holds at least one document, the
//	    second-newest at least min(repartitionCount, highWatermark), and
//	    every other partition at least
//	    max(1, highWatermark - repartitionCount),
//	(b) no partition exceeds the high watermark,
//	(c) partitions are strictly ordered and non-overlapping by from/to,
//	(d) partition ids are unique.
func (p *Partitioner) ValidateGroup(ctx context.Context, actx agile.Context, group tuple.Tuple, repartitionCount int) error {
	all, err := p.AllPartitions(ctx, actx, group)
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].FromTimestamp() < all[j].FromTimestamp()
	})

	seen := make(map[int32]bool, len(all))
	for i, m := range all {
		if seen[m.ID] {
			return fmt.Errorf("%w: duplicate partition id %d", ErrInvariant, m.ID)
		}
		seen[m.ID] = true

		if m.Count < 0 {
			return fmt.Errorf("%w: partition %d count %d below zero", ErrInvariant, m.ID, m.Count)
		}
		if m.Count > int64(p.highWatermark) {
			return fmt.Errorf("%w: partition %d count %d above high watermark %d",
				ErrInvariant, m.ID, m.Count, p.highWatermark)
		}

		// The oldest partition may hold stragglers inserted before the
		// rest; the second-newest holds whatever the newest overflowed
		// into last; everything older must be filled up to the
		// repartition slack.
		var minCount int64
		switch {
		case len(all) == 1 || i == 0:
			minCount = 1
		case i == len(all)-2:
			minCount = int64(min(repartitionCount, p.highWatermark))
		default:
			minCount = int64(max(1, p.highWatermark-repartitionCount))
		}
		if m.Count < minCount {
			return fmt.Errorf("%w: partition %d count %d below minimum %d",
				ErrInvariant, m.ID, m.Count, minCount)
		}
		if bytes.Compare(m.From, m.To) > 0 {
			return fmt.Errorf("%w: partition %d has from after to", ErrInvariant, m.ID)
		}
		if i > 0 {
			prev := all[i-1]
			if bytes.Compare(prev.To, m.From) >= 0 {
				return fmt.Errorf("%w: partitions %d and %d overlap", ErrInvariant, prev.ID, m.ID)
			}
		}
	}
	return nil
}
