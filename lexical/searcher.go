package lexical

import (
	"context"
	"sort"

	"github.com/hupe1980/searchkv/directory"
)

// Hit is one matching document.
type Hit struct {
	Segment    string
	DocID      int32
	PrimaryKey int64
	Timestamp  int64
	FieldNames []string
}

// Searcher runs term queries over the live segments of one partition
// directory.
type Searcher struct {
	dir *directory.Directory
}

// NewSearcher creates a Searcher over the partition directory.
func NewSearcher(dir *directory.Directory) *Searcher {
	return &Searcher{dir: dir}
}

// Search returns the live documents containing any query term, ordered by
// primary key. An updated document appears once, from the newest segment
// holding its live version.
func (s *Searcher) Search(ctx context.Context, text string) ([]Hit, error) {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return nil, nil
	}
	names, err := ListSegments(ctx, s.dir)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	seen := make(map[int64]bool)
	// Newest segment first, so the latest version of a key wins.
	for i := len(names) - 1; i >= 0; i-- {
		seg, err := LoadSegment(ctx, s.dir, names[i])
		if err != nil {
			return nil, err
		}
		matched := make(map[int32]bool)
		for _, term := range terms {
			for _, docID := range seg.Postings[term] {
				matched[docID] = true
			}
		}
		for docID := range matched {
			if !seg.Live.Contains(uint32(docID)) {
				continue
			}
			pk := seg.PKs[docID]
			if seen[pk] {
				continue
			}
			seen[pk] = true
			hits = append(hits, Hit{
				Segment:    seg.Name,
				DocID:      docID,
				PrimaryKey: pk,
				Timestamp:  seg.Timestamps[docID],
				FieldNames: seg.FieldNames,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].PrimaryKey < hits[j].PrimaryKey
	})
	return hits, nil
}

// AllDocuments returns every live document of the directory, ordered by
// ascending timestamp. The rebalancer uses this to find a partition's
// oldest documents.
func (s *Searcher) AllDocuments(ctx context.Context) ([]Hit, error) {
	names, err := ListSegments(ctx, s.dir)
	if err != nil {
		return nil, err
	}
	var hits []Hit
	seen := make(map[int64]bool)
	for i := len(names) - 1; i >= 0; i-- {
		seg, err := LoadSegment(ctx, s.dir, names[i])
		if err != nil {
			return nil, err
		}
		for docID := range seg.PKs {
			if !seg.Live.Contains(uint32(docID)) {
				continue
			}
			pk := seg.PKs[docID]
			if seen[pk] {
				continue
			}
			seen[pk] = true
			hits = append(hits, Hit{
				Segment:    seg.Name,
				DocID:      int32(docID),
				PrimaryKey: pk,
				Timestamp:  seg.Timestamps[docID],
				FieldNames: seg.FieldNames,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Timestamp != hits[j].Timestamp {
			return hits[i].Timestamp < hits[j].Timestamp
		}
		return hits[i].PrimaryKey < hits[j].PrimaryKey
	})
	return hits, nil
}
