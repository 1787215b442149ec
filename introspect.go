package searchkv

import (
	"context"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/lexical"
)

// SegmentInfo describes one segment of a partition.
type SegmentInfo struct {
	Name             string
	NumDocs          int
	LiveDocs         int
	StoredFieldsKeys int
}

// Segments returns the segments of one partition in ordinal order, with
// their total and live document counts and the number of per-document
// stored-fields keys currently present.
func (i *Index) Segments(ctx context.Context, group tuple.Tuple, id int32) ([]SegmentInfo, error) {
	txn, err := i.db.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Cancel()
	dir := i.newDirectory(agile.NonAgile(txn), group, id)

	names, err := lexical.ListSegments(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]SegmentInfo, 0, len(names))
	for _, name := range names {
		seg, err := lexical.LoadSegment(ctx, dir, name)
		if err != nil {
			return nil, err
		}
		stored, err := dir.ScanStoredFields(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, SegmentInfo{
			Name:             name,
			NumDocs:          seg.NumDocs(),
			LiveDocs:         seg.LiveCount(),
			StoredFieldsKeys: len(stored),
		})
	}
	return out, nil
}
