package storedfields

import (
	"context"
	"fmt"

	"github.com/hupe1980/searchkv/directory"
)

// Reader reads stored-fields records of one segment. Safe for concurrent
// use; every read is an independent key or range fetch.
type Reader struct {
	dir     *directory.Directory
	segment string
}

// NewReader creates a Reader for the given segment.
func NewReader(dir *directory.Directory, segment string) *Reader {
	return &Reader{dir: dir, segment: segment}
}

// Document fetches one document's record and dispatches it to the visitor.
func (r *Reader) Document(ctx context.Context, docID int32, v Visitor) error {
	rec, err := r.Record(ctx, docID)
	if err != nil {
		return err
	}
	return rec.Visit(v)
}

// Record fetches and decodes one document's record.
func (r *Reader) Record(ctx context.Context, docID int32) (Record, error) {
	data, err := r.dir.ReadStoredFields(ctx, r.segment, docID)
	if err != nil {
		return nil, err
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, fmt.Errorf("storedfields: doc %d: %w", docID, err)
	}
	return rec, nil
}

// Scan reads every record of the segment in one range read, in docID
// order, and invokes fn per document. Bulk merges use this to avoid
// per-document round trips.
func (r *Reader) Scan(ctx context.Context, fn func(docID int32, rec Record) error) error {
	pairs, err := r.dir.ScanStoredFields(ctx, r.segment)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		rec, err := UnmarshalRecord(pair.Data)
		if err != nil {
			return fmt.Errorf("storedfields: doc %d: %w", pair.DocID, err)
		}
		if err := fn(pair.DocID, rec); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes every record of the segment. Called when a merge drops
// the segment.
func (r *Reader) Delete(ctx context.Context) error {
	return r.dir.ClearStoredFields(ctx, r.segment)
}
