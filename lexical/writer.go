package lexical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/storedfields"
)

// Document is one document to index: its primary key, partitioning
// timestamp, the stored-fields record persisted for retrieval, and the
// text indexed for search.
type Document struct {
	PrimaryKey int64
	Timestamp  int64
	Stored     storedfields.Record
	FieldNames []string
	Text       string
}

// Tokenize lowercases and splits text on whitespace. Both the write and
// the query path use it, so the two agree on term boundaries.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// Writer buffers documents and flushes one segment per Commit. Deletes
// against committed segments flip liveness bits. A Writer is single-owner
// per partition directory; cross-actor exclusion comes from the directory
// lock held by the caller.
type Writer struct {
	dir             *directory.Directory
	logger          *slog.Logger
	segmentsPerTier float64
	storedInFile    bool
	pkIndexV2       bool

	pending []Document
	nextSeg int
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Logger *slog.Logger
	// SegmentsPerTier is the merge-policy fan-in: a merge rewrites the
	// live segments whenever at least this many exist. Must be >= 2.
	SegmentsPerTier float64
	// StoredFieldsInFile selects the segment-file stored-fields format
	// instead of the per-document KV codec.
	StoredFieldsInFile bool
	// PrimaryKeyIndexV2 writes a sorted primary-key lookup table per
	// segment.
	PrimaryKeyIndexV2 bool
}

// NewWriter creates a Writer over the partition directory.
func NewWriter(ctx context.Context, dir *directory.Directory, optFns ...func(o *WriterOptions)) (*Writer, error) {
	opts := WriterOptions{
		Logger:          slog.Default(),
		SegmentsPerTier: 10,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.SegmentsPerTier < 2 {
		return nil, fmt.Errorf("lexical: segments per tier must be >= 2.0, got %v", opts.SegmentsPerTier)
	}

	segments, err := ListSegments(ctx, dir)
	if err != nil {
		return nil, err
	}
	next := 0
	for _, name := range segments {
		if n := segmentOrdinal(name); n >= next {
			next = n + 1
		}
	}
	return &Writer{
		dir:             dir,
		logger:          opts.Logger,
		segmentsPerTier: opts.SegmentsPerTier,
		storedInFile:    opts.StoredFieldsInFile,
		pkIndexV2:       opts.PrimaryKeyIndexV2,
		nextSeg:         next,
	}, nil
}

// AddDocument buffers a document for the next Commit.
func (w *Writer) AddDocument(doc Document) {
	w.pending = append(w.pending, doc)
}

// DeleteByPrimaryKey removes a document. A buffered document is dropped;
// a committed one has its liveness bit cleared, leaving the stored-fields
// record in place until a merge drops the segment. Returns the deleted
// document's timestamp.
func (w *Writer) DeleteByPrimaryKey(ctx context.Context, pk int64) (int64, bool, error) {
	for i, doc := range w.pending {
		if doc.PrimaryKey == pk {
			ts := doc.Timestamp
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return ts, true, nil
		}
	}
	segments, err := ListSegments(ctx, w.dir)
	if err != nil {
		return 0, false, err
	}
	// Newest segment first: an updated document's latest version lives in
	// the newest segment containing its key.
	for i := len(segments) - 1; i >= 0; i-- {
		seg, err := LoadSegment(ctx, w.dir, segments[i])
		if err != nil {
			return 0, false, err
		}
		docID := seg.DocByPrimaryKey(pk)
		if docID < 0 {
			continue
		}
		seg.Live.Remove(uint32(docID))
		if err := w.rewriteLiveness(ctx, seg); err != nil {
			return 0, false, err
		}
		return seg.Timestamps[docID], true, nil
	}
	return 0, false, nil
}

func (w *Writer) rewriteLiveness(ctx context.Context, seg *Segment) error {
	name := seg.Name + livenessExt
	if err := w.dir.DeleteFile(ctx, name); err != nil {
		return err
	}
	data, err := seg.Live.MarshalBinary()
	if err != nil {
		return fmt.Errorf("lexical: marshal liveness: %w", err)
	}
	return writeFile(ctx, w.dir, name, data)
}

// HasPending reports whether documents are buffered for commit.
func (w *Writer) HasPending() bool { return len(w.pending) > 0 }

// Commit flushes the buffered documents as one new segment: the
// stored-fields records, the postings file, and an all-live liveness
// bitmap. Returns the segment name, or "" when nothing was buffered.
func (w *Writer) Commit(ctx context.Context) (string, error) {
	if len(w.pending) == 0 {
		return "", nil
	}
	name := segmentName(w.nextSeg)

	var (
		pks        []int64
		timestamps []int64
		fieldNames []string
		records    []storedfields.Record
		postings   = make(map[string][]int32)
	)
	for docID, doc := range w.pending {
		pks = append(pks, doc.PrimaryKey)
		timestamps = append(timestamps, doc.Timestamp)
		records = append(records, doc.Stored)
		if len(doc.FieldNames) > len(fieldNames) {
			fieldNames = doc.FieldNames
		}
		for _, term := range uniqueTokens(doc.Text) {
			postings[term] = append(postings[term], int32(docID))
		}
	}
	if err := w.flushSegment(ctx, name, fieldNames, pks, timestamps, postings, records); err != nil {
		return "", err
	}

	w.logger.Debug("committed segment", "segment", name, "docs", len(w.pending))
	w.nextSeg++
	w.pending = nil
	return name, nil
}

// flushSegment writes one complete segment: stored fields through the
// configured codec, the postings file, the optional primary-key index,
// and the liveness bitmap.
func (w *Writer) flushSegment(ctx context.Context, name string, fieldNames []string, pks, timestamps []int64, postings map[string][]int32, records []storedfields.Record) error {
	if w.storedInFile {
		raw := make([][]byte, len(records))
		for i, rec := range records {
			data, err := rec.Marshal()
			if err != nil {
				return err
			}
			raw[i] = data
		}
		if err := writeStoredFile(ctx, w.dir, name, raw); err != nil {
			return err
		}
	} else {
		sfw := storedfields.NewWriter(w.dir, name)
		for _, rec := range records {
			sfw.StartDocument()
			for _, f := range rec {
				if err := sfw.WriteField(f.Number, f.Value); err != nil {
					return err
				}
			}
			if err := sfw.FinishDocument(ctx); err != nil {
				return err
			}
		}
		if err := sfw.Finish(ctx, len(records)); err != nil {
			return err
		}
	}

	if err := writeFile(ctx, w.dir, name+postingsExt, encodePostings(fieldNames, pks, timestamps, postings)); err != nil {
		return err
	}
	if w.pkIndexV2 {
		if err := writePKIndex(ctx, w.dir, name, pks); err != nil {
			return err
		}
	}
	live := roaring.New()
	live.AddRange(0, uint64(len(records)))
	liveData, err := live.MarshalBinary()
	if err != nil {
		return fmt.Errorf("lexical: marshal liveness: %w", err)
	}
	return writeFile(ctx, w.dir, name+livenessExt, liveData)
}

func uniqueTokens(text string) []string {
	tokens := Tokenize(text)
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
