// Package lexical implements a small segment-oriented inverted index on
// top of the virtual directory. Each commit produces one immutable
// segment: a postings file, a liveness bitmap, and one stored-fields
// record per document. Deletes flip liveness bits; merges rewrite the
// surviving documents into a fresh segment and drop the old ones.
package lexical

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/searchkv/directory"
)

const (
	postingsExt = ".pst"
	livenessExt = ".liv"
)

// Segment is the decoded read-side view of one segment.
type Segment struct {
	Name       string
	FieldNames []string
	PKs        []int64
	Timestamps []int64
	Postings   map[string][]int32
	Live       *roaring.Bitmap

	// pkIndex is the sorted primary-key lookup table, present when the
	// segment was written with the v2 primary-key index.
	pkIndex []pkEntry
}

// NumDocs returns the number of documents written to the segment,
// including deleted ones.
func (s *Segment) NumDocs() int { return len(s.PKs) }

// LiveCount returns the number of live documents.
func (s *Segment) LiveCount() int { return int(s.Live.GetCardinality()) }

// DocByPrimaryKey returns the docID of pk, or -1 when absent or deleted.
// With the v2 primary-key index loaded, the lookup is a binary search;
// otherwise it scans the doc table.
func (s *Segment) DocByPrimaryKey(pk int64) int32 {
	if s.pkIndex != nil {
		i := sort.Search(len(s.pkIndex), func(i int) bool { return s.pkIndex[i].PK >= pk })
		if i < len(s.pkIndex) && s.pkIndex[i].PK == pk && s.Live.Contains(uint32(s.pkIndex[i].DocID)) {
			return s.pkIndex[i].DocID
		}
		return -1
	}
	for docID, p := range s.PKs {
		if p == pk && s.Live.Contains(uint32(docID)) {
			return int32(docID)
		}
	}
	return -1
}

// segmentName formats the canonical segment name for ordinal n.
func segmentName(n int) string {
	return "_" + strconv.Itoa(n)
}

// segmentOrdinal parses a segment name back to its ordinal, or -1.
func segmentOrdinal(name string) int {
	if !strings.HasPrefix(name, "_") {
		return -1
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// encodePostings serializes the write-side segment data:
// [numDocs][fields][docs: pk,ts][terms: term,count,docID deltas].
func encodePostings(fieldNames []string, pks, timestamps []int64, postings map[string][]int32) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp[:], v)
		buf.Write(tmp[:n])
	}
	writeVarint := func(v int64) {
		n := binary.PutVarint(tmp[:], v)
		buf.Write(tmp[:n])
	}
	writeBytes := func(b []byte) {
		writeUvarint(uint64(len(b)))
		buf.Write(b)
	}

	writeUvarint(uint64(len(pks)))
	writeUvarint(uint64(len(fieldNames)))
	for _, name := range fieldNames {
		writeBytes([]byte(name))
	}
	for i := range pks {
		writeVarint(pks[i])
		writeVarint(timestamps[i])
	}

	terms := make([]string, 0, len(postings))
	for t := range postings {
		terms = append(terms, t)
	}
	sort.Strings(terms)
	writeUvarint(uint64(len(terms)))
	for _, t := range terms {
		writeBytes([]byte(t))
		ids := postings[t]
		writeUvarint(uint64(len(ids)))
		prev := int32(0)
		for _, id := range ids {
			writeUvarint(uint64(id - prev))
			prev = id
		}
	}
	return buf.Bytes()
}

func decodePostings(data []byte) (fieldNames []string, pks, timestamps []int64, postings map[string][]int32, err error) {
	r := bytes.NewReader(data)
	readBytes := func() ([]byte, error) {
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		b := make([]byte, size)
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		return b, nil
	}

	numDocs, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("lexical: postings header: %w", err)
	}
	numFields, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("lexical: postings header: %w", err)
	}
	fieldNames = make([]string, numFields)
	for i := range fieldNames {
		b, err := readBytes()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("lexical: field name: %w", err)
		}
		fieldNames[i] = string(b)
	}
	pks = make([]int64, numDocs)
	timestamps = make([]int64, numDocs)
	for i := range pks {
		if pks[i], err = binary.ReadVarint(r); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("lexical: doc table: %w", err)
		}
		if timestamps[i], err = binary.ReadVarint(r); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("lexical: doc table: %w", err)
		}
	}

	numTerms, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("lexical: term table: %w", err)
	}
	postings = make(map[string][]int32, numTerms)
	for i := uint64(0); i < numTerms; i++ {
		term, err := readBytes()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("lexical: term: %w", err)
		}
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("lexical: postings count: %w", err)
		}
		ids := make([]int32, count)
		prev := int32(0)
		for j := range ids {
			delta, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("lexical: postings delta: %w", err)
			}
			prev += int32(delta)
			ids[j] = prev
		}
		postings[string(term)] = ids
	}
	return fieldNames, pks, timestamps, postings, nil
}

// readFile reads a whole directory file into memory.
func readFile(ctx context.Context, dir *directory.Directory, name string) ([]byte, error) {
	in, err := dir.OpenInput(ctx, name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, in.Length())
	if len(data) == 0 {
		return data, nil
	}
	if _, err := in.ReadAt(ctx, data, 0); err != nil {
		return nil, fmt.Errorf("lexical: read %q: %w", name, err)
	}
	return data, nil
}

// writeFile writes data as a new directory file.
func writeFile(ctx context.Context, dir *directory.Directory, name string, data []byte) error {
	out, err := dir.CreateOutput(ctx, name)
	if err != nil {
		return err
	}
	if _, err := out.Write(ctx, data); err != nil {
		return err
	}
	return out.Close(ctx)
}

// LoadSegment reads and decodes one segment.
func LoadSegment(ctx context.Context, dir *directory.Directory, name string) (*Segment, error) {
	pst, err := readFile(ctx, dir, name+postingsExt)
	if err != nil {
		return nil, err
	}
	fieldNames, pks, timestamps, postings, err := decodePostings(pst)
	if err != nil {
		return nil, fmt.Errorf("lexical: segment %q: %w", name, err)
	}
	liv, err := readFile(ctx, dir, name+livenessExt)
	if err != nil {
		return nil, err
	}
	live := roaring.New()
	if err := live.UnmarshalBinary(liv); err != nil {
		return nil, fmt.Errorf("lexical: segment %q liveness: %w", name, err)
	}
	pkIndex, err := loadPKIndex(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	return &Segment{
		Name:       name,
		FieldNames: fieldNames,
		PKs:        pks,
		Timestamps: timestamps,
		Postings:   postings,
		Live:       live,
		pkIndex:    pkIndex,
	}, nil
}

// ListSegments returns the directory's segment names in ordinal order.
func ListSegments(ctx context.Context, dir *directory.Directory) ([]string, error) {
	names, err := dir.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var ordinals []int
	for _, name := range names {
		if !strings.HasSuffix(name, postingsExt) {
			continue
		}
		if n := segmentOrdinal(strings.TrimSuffix(name, postingsExt)); n >= 0 {
			ordinals = append(ordinals, n)
		}
	}
	sort.Ints(ordinals)
	out := make([]string, len(ordinals))
	for i, n := range ordinals {
		out[i] = segmentName(n)
	}
	return out, nil
}
