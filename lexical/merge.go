package lexical

import (
	"context"
	"fmt"

	"github.com/hupe1980/searchkv/storedfields"
)

// ForceMerge drops segments with no live documents and, when at least
// segmentsPerTier live segments remain, rewrites them into one fresh
// segment. Stored-fields of merged-away segments are removed in bulk. The
// caller runs this under the agility context with the directory lock held.
func (w *Writer) ForceMerge(ctx context.Context) error {
	names, err := ListSegments(ctx, w.dir)
	if err != nil {
		return err
	}

	var live []*Segment
	for _, name := range names {
		seg, err := LoadSegment(ctx, w.dir, name)
		if err != nil {
			return err
		}
		if seg.LiveCount() == 0 {
			if err := w.dropSegment(ctx, seg.Name); err != nil {
				return err
			}
			continue
		}
		live = append(live, seg)
	}

	if float64(len(live)) < w.segmentsPerTier {
		return nil
	}
	return w.mergeSegments(ctx, live)
}

// mergeSegments rewrites the live documents of the given segments into a
// new segment, reading each source's stored fields in bulk.
func (w *Writer) mergeSegments(ctx context.Context, sources []*Segment) error {
	name := segmentName(w.nextSeg)

	var (
		pks        []int64
		timestamps []int64
		fieldNames []string
		records    []storedfields.Record
		postings   = make(map[string][]int32)
		nextDocID  int32
	)

	for _, seg := range sources {
		if len(seg.FieldNames) > len(fieldNames) {
			fieldNames = seg.FieldNames
		}
		sourceRecords, err := loadStoredRecords(ctx, w.dir, seg.Name)
		if err != nil {
			return err
		}

		// Old docID -> merged docID, for live docs only.
		remap := make(map[int32]int32, seg.LiveCount())
		for docID := range seg.PKs {
			if !seg.Live.Contains(uint32(docID)) {
				continue
			}
			oldID := int32(docID)
			rec, ok := sourceRecords[oldID]
			if !ok {
				return fmt.Errorf("lexical: segment %q has no stored fields for doc %d", seg.Name, oldID)
			}
			remap[oldID] = nextDocID
			records = append(records, rec)
			pks = append(pks, seg.PKs[docID])
			timestamps = append(timestamps, seg.Timestamps[docID])
			nextDocID++
		}

		for term, ids := range seg.Postings {
			for _, oldID := range ids {
				if mapped, ok := remap[oldID]; ok {
					postings[term] = append(postings[term], mapped)
				}
			}
		}
	}

	if err := w.flushSegment(ctx, name, fieldNames, pks, timestamps, postings, records); err != nil {
		return err
	}
	w.nextSeg++

	for _, seg := range sources {
		if err := w.dropSegment(ctx, seg.Name); err != nil {
			return err
		}
	}
	w.logger.Debug("merged segments", "merged", len(sources), "into", name, "docs", nextDocID)
	return nil
}

// dropSegment deletes a segment's files and clears its stored-fields.
func (w *Writer) dropSegment(ctx context.Context, name string) error {
	if err := w.dir.DeleteFile(ctx, name+postingsExt); err != nil {
		return err
	}
	if err := w.dir.DeleteFile(ctx, name+livenessExt); err != nil {
		return err
	}
	if err := deleteFileIfExists(ctx, w.dir, name+storedExt); err != nil {
		return err
	}
	if err := deleteFileIfExists(ctx, w.dir, name+pkIndexExt); err != nil {
		return err
	}
	return w.dir.ClearStoredFields(ctx, name)
}
