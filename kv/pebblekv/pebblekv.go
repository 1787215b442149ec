// Package pebblekv implements the kv contracts on top of cockroachdb/pebble.
//
// A transaction reads through a pebble snapshot taken at creation, merged
// with its own buffered writes. Commit applies the buffered mutations as one
// atomic batch after an optimistic write-conflict check against transactions
// committed since the snapshot was taken.
package pebblekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/hupe1980/searchkv/kv"
)

// Options configures Open.
type Options struct {
	// FS is the filesystem pebble stores its files on. Defaults to the OS
	// filesystem; use MemFS for tests.
	FS vfs.FS
	// CacheSize is the pebble block cache size in bytes. Zero uses the
	// pebble default.
	CacheSize int64
}

// MemFS configures an in-memory filesystem.
func MemFS(o *Options) {
	o.FS = vfs.NewMem()
}

// DB is a pebble-backed kv.Database.
type DB struct {
	db *pebble.DB

	mu      sync.Mutex
	closed  bool
	seq     uint64
	live    map[*Txn]uint64
	history []commitRecord
}

type span struct {
	begin, end []byte
}

func (s span) contains(key []byte) bool {
	return bytes.Compare(s.begin, key) <= 0 && bytes.Compare(key, s.end) < 0
}

func (s span) overlaps(o span) bool {
	return bytes.Compare(s.begin, o.end) < 0 && bytes.Compare(o.begin, s.end) < 0
}

type commitRecord struct {
	seq    uint64
	points [][]byte
	spans  []span
}

var _ kv.Database = (*DB)(nil)

// Open opens (or creates) a database at path.
func Open(path string, optFns ...func(o *Options)) (*DB, error) {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	popts := &pebble.Options{}
	if opts.FS != nil {
		popts.FS = opts.FS
	}
	if opts.CacheSize > 0 {
		c := pebble.NewCache(opts.CacheSize)
		defer c.Unref()
		popts.Cache = c
	}

	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("pebblekv: open: %w", err)
	}
	return &DB{
		db:   db,
		live: make(map[*Txn]uint64),
	}, nil
}

// CreateTransaction implements kv.Database.
func (d *DB) CreateTransaction(ctx context.Context) (kv.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, kv.ErrClosed
	}
	t := &Txn{
		db:     d,
		snap:   d.db.NewSnapshot(),
		start:  d.seq,
		writes: make(map[string]write),
	}
	d.live[t] = d.seq
	return t, nil
}

// Close implements kv.Database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// commit applies t's buffered mutations under the conflict check.
func (d *DB) commit(t *Txn) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kv.ErrClosed
	}

	mine := t.commitRecord()
	for _, h := range d.history {
		if h.seq > t.start && conflicts(h, mine) {
			return kv.ErrConflict
		}
	}

	batch := d.db.NewBatch()
	for _, s := range t.cleared {
		if err := batch.DeleteRange(s.begin, s.end, nil); err != nil {
			return fmt.Errorf("pebblekv: delete range: %w", err)
		}
	}
	// Deterministic apply order.
	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w := t.writes[k]
		var err error
		if w.deleted {
			err = batch.Delete([]byte(k), nil)
		} else {
			err = batch.Set([]byte(k), w.value, nil)
		}
		if err != nil {
			return fmt.Errorf("pebblekv: batch: %w", err)
		}
	}
	if err := d.db.Apply(batch, pebble.Sync); err != nil {
		return fmt.Errorf("pebblekv: apply: %w", err)
	}

	d.seq++
	mine.seq = d.seq
	d.history = append(d.history, mine)
	return nil
}

func conflicts(a, b commitRecord) bool {
	for _, p := range b.points {
		for _, q := range a.points {
			if bytes.Equal(p, q) {
				return true
			}
		}
		for _, s := range a.spans {
			if s.contains(p) {
				return true
			}
		}
	}
	for _, s := range b.spans {
		for _, q := range a.points {
			if s.contains(q) {
				return true
			}
		}
		for _, o := range a.spans {
			if s.overlaps(o) {
				return true
			}
		}
	}
	return false
}

// release drops t from the live set and prunes history no live transaction
// can still conflict with.
func (d *DB) release(t *Txn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, t)
	if len(d.live) == 0 {
		d.history = nil
		return
	}
	min := d.seq
	for _, start := range d.live {
		if start < min {
			min = start
		}
	}
	kept := d.history[:0]
	for _, h := range d.history {
		if h.seq > min {
			kept = append(kept, h)
		}
	}
	d.history = kept
}

type write struct {
	value   []byte
	deleted bool
}

// Txn is a pebble-backed kv.Transaction.
type Txn struct {
	db    *DB
	snap  *pebble.Snapshot
	start uint64

	mu      sync.Mutex
	writes  map[string]write
	cleared []span
	done    bool
}

var _ kv.Transaction = (*Txn)(nil)

// Get implements kv.Transaction.
func (t *Txn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, kv.ErrTransactionDone
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.deleted {
			return nil, nil
		}
		return append([]byte(nil), w.value...), nil
	}
	for _, s := range t.cleared {
		if s.contains(key) {
			return nil, nil
		}
	}
	val, closer, err := t.snap.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebblekv: get: %w", err)
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("pebblekv: get close: %w", err)
	}
	return out, nil
}

// GetRange implements kv.Transaction.
func (t *Txn) GetRange(ctx context.Context, begin, end []byte, opts kv.RangeOptions) ([]kv.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, kv.ErrTransactionDone
	}

	iter, err := t.snap.NewIter(&pebble.IterOptions{LowerBound: begin, UpperBound: end})
	if err != nil {
		return nil, fmt.Errorf("pebblekv: iter: %w", err)
	}
	merged := make(map[string][]byte)
	for valid := iter.First(); valid; valid = iter.Next() {
		key := string(iter.Key())
		if t.shadowedLocked([]byte(key)) {
			continue
		}
		merged[key] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebblekv: iter close: %w", err)
	}

	for k, w := range t.writes {
		if w.deleted {
			continue
		}
		bk := []byte(k)
		if bytes.Compare(begin, bk) <= 0 && bytes.Compare(bk, end) < 0 {
			merged[k] = append([]byte(nil), w.value...)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if opts.Reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	out := make([]kv.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, kv.KeyValue{Key: []byte(k), Value: merged[k]})
	}
	return out, nil
}

// shadowedLocked reports whether a snapshot key is hidden by the
// transaction's own writes or range clears.
func (t *Txn) shadowedLocked(key []byte) bool {
	if _, ok := t.writes[string(key)]; ok {
		return true
	}
	for _, s := range t.cleared {
		if s.contains(key) {
			return true
		}
	}
	return false
}

// Set implements kv.Transaction.
func (t *Txn) Set(key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes[string(key)] = write{value: append([]byte(nil), value...)}
}

// Clear implements kv.Transaction.
func (t *Txn) Clear(key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.writes[string(key)] = write{deleted: true}
}

// ClearRange implements kv.Transaction.
func (t *Txn) ClearRange(begin, end []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	s := span{begin: append([]byte(nil), begin...), end: append([]byte(nil), end...)}
	for k := range t.writes {
		if s.contains([]byte(k)) {
			delete(t.writes, k)
		}
	}
	t.cleared = append(t.cleared, s)
}

// Commit implements kv.Transaction.
func (t *Txn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return kv.ErrTransactionDone
	}
	if err := t.db.commit(t); err != nil {
		return err
	}
	t.finishLocked()
	return nil
}

// Cancel implements kv.Transaction.
func (t *Txn) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.finishLocked()
}

func (t *Txn) finishLocked() {
	t.done = true
	_ = t.snap.Close()
	t.db.release(t)
}

func (t *Txn) commitRecord() commitRecord {
	rec := commitRecord{spans: t.cleared}
	for k := range t.writes {
		rec.points = append(rec.points, []byte(k))
	}
	return rec
}
