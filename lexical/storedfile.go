package lexical

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/storedfields"
)

const (
	storedExt  = ".fld"
	pkIndexExt = ".pky"
)

// writeStoredFile persists all of a segment's stored-fields records into
// one segment file, the non-optimized codec: [numDocs] then per document
// a length-delimited record.
func writeStoredFile(ctx context.Context, dir *directory.Directory, segment string, records [][]byte) error {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(records)))
	buf.Write(tmp[:n])
	for _, rec := range records {
		n = binary.PutUvarint(tmp[:], uint64(len(rec)))
		buf.Write(tmp[:n])
		buf.Write(rec)
	}
	return writeFile(ctx, dir, segment+storedExt, buf.Bytes())
}

// loadStoredRecords reads every stored-fields record of a segment,
// regardless of which codec wrote it: the segment file when present,
// otherwise one range read over the per-document keys.
func loadStoredRecords(ctx context.Context, dir *directory.Directory, segment string) (map[int32]storedfields.Record, error) {
	data, err := readFile(ctx, dir, segment+storedExt)
	if errors.Is(err, directory.ErrFileNotFound) {
		out := make(map[int32]storedfields.Record)
		reader := storedfields.NewReader(dir, segment)
		if err := reader.Scan(ctx, func(docID int32, rec storedfields.Record) error {
			out[docID] = rec
			return nil
		}); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	numDocs, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("lexical: stored file header: %w", err)
	}
	out := make(map[int32]storedfields.Record, numDocs)
	for docID := int32(0); docID < int32(numDocs); docID++ {
		size, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lexical: stored file doc %d: %w", docID, err)
		}
		raw := make([]byte, size)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("lexical: stored file doc %d: %w", docID, err)
		}
		rec, err := storedfields.UnmarshalRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("lexical: stored file doc %d: %w", docID, err)
		}
		out[docID] = rec
	}
	return out, nil
}

// pkEntry maps a primary key to its docID within one segment.
type pkEntry struct {
	PK    int64
	DocID int32
}

// writePKIndex persists the sorted primary-key lookup table of a segment.
func writePKIndex(ctx context.Context, dir *directory.Directory, segment string, pks []int64) error {
	entries := make([]pkEntry, len(pks))
	for docID, pk := range pks {
		entries[docID] = pkEntry{PK: pk, DocID: int32(docID)}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PK < entries[j].PK })

	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(entries)))
	buf.Write(tmp[:n])
	for _, e := range entries {
		n = binary.PutVarint(tmp[:], e.PK)
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(e.DocID))
		buf.Write(tmp[:n])
	}
	return writeFile(ctx, dir, segment+pkIndexExt, buf.Bytes())
}

func loadPKIndex(ctx context.Context, dir *directory.Directory, segment string) ([]pkEntry, error) {
	data, err := readFile(ctx, dir, segment+pkIndexExt)
	if errors.Is(err, directory.ErrFileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("lexical: pk index header: %w", err)
	}
	out := make([]pkEntry, count)
	for i := range out {
		pk, err := binary.ReadVarint(r)
		if err != nil {
			return nil, fmt.Errorf("lexical: pk index entry %d: %w", i, err)
		}
		docID, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("lexical: pk index entry %d: %w", i, err)
		}
		out[i] = pkEntry{PK: pk, DocID: int32(docID)}
	}
	return out, nil
}

// LoadStoredRecord reads one document's stored-fields record, regardless
// of which codec wrote the segment: a single-key fetch for the optimized
// codec, or a decode of the segment file otherwise.
func LoadStoredRecord(ctx context.Context, dir *directory.Directory, segment string, docID int32) (storedfields.Record, error) {
	_, err := dir.FileLength(ctx, segment+storedExt)
	if errors.Is(err, directory.ErrFileNotFound) {
		return storedfields.NewReader(dir, segment).Record(ctx, docID)
	}
	if err != nil {
		return nil, err
	}
	records, err := loadStoredRecords(ctx, dir, segment)
	if err != nil {
		return nil, err
	}
	rec, ok := records[docID]
	if !ok {
		return nil, fmt.Errorf("lexical: segment %q has no stored fields for doc %d", segment, docID)
	}
	return rec, nil
}

// deleteFileIfExists removes a directory file, tolerating absence.
func deleteFileIfExists(ctx context.Context, dir *directory.Directory, name string) error {
	err := dir.DeleteFile(ctx, name)
	if errors.Is(err, directory.ErrFileNotFound) {
		return nil
	}
	return err
}
