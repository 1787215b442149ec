// Package searchkv layers a full-text search index on top of a
// transactional ordered key-value store. Every byte of the
// segment-oriented index persists into KV keys: virtual directory files
// as compressed blocks, stored fields as per-document records, advisory
// locks as heartbeat cells, and partition metadata as range-readable
// timestamp keys.
package searchkv

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/internal/cache"
	"github.com/hupe1980/searchkv/internal/lazy"
	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/lexical"
	"github.com/hupe1980/searchkv/partition"
	"github.com/hupe1980/searchkv/stats"
)

// WriteLockName is the directory lock name guarding single-writer access
// to one partition.
const WriteLockName = "write.lock"

// Result is one query match: the document's primary key and its stored
// fields, keyed by flat dot-separated field path.
type Result struct {
	PrimaryKey int64
	Fields     map[string]any
}

// Index is a logical full-text index rooted at a key prefix. Writes
// buffer in a session transaction until Commit; queries run in their own
// read transactions. An Index is safe for concurrent use, but writes
// within one session are serialized.
type Index struct {
	db          kv.Database
	subspace    tuple.Subspace
	opts        options
	partitioner *partition.Partitioner
	blockCache  *cache.BlockCache
	logger      *Logger
	recorder    stats.Recorder

	mu      sync.Mutex
	closed  bool
	txn     kv.Transaction
	actx    agile.Context
	writers map[string]*lazy.Handle[*partitionWriter]
	touched map[string]groupPartition
}

type groupPartition struct {
	group tuple.Tuple
	id    int32
}

// partitionWriter bundles the open state of one partition during a write
// session: its directory, the segment writer, and the held write lock.
type partitionWriter struct {
	group  tuple.Tuple
	id     int32
	dir    *directory.Directory
	writer *lexical.Writer
	lock   *directory.Lock
}

// Open creates an Index over db, rooted at the given raw key prefix.
func Open(db kv.Database, prefix []byte, optFns ...Option) (*Index, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.mergeSegmentsPerTier < 2 {
		return nil, fmt.Errorf("merge segments per tier must be >= 2.0, got %v", opts.mergeSegmentsPerTier)
	}

	idx := &Index{
		db:         db,
		subspace:   tuple.NewSubspace(prefix),
		opts:       opts,
		blockCache: cache.NewBlockCache(opts.blockCacheSize),
		logger:     opts.logger,
		recorder:   opts.recorder,
		writers:    make(map[string]*lazy.Handle[*partitionWriter]),
		touched:    make(map[string]groupPartition),
	}
	if opts.partitionField != "" {
		p, err := partition.New(idx.subspace, opts.partitionField, func(o *partition.Options) {
			o.HighWatermark = opts.partitionHighWater
			o.Logger = opts.logger.Logger
			o.Recorder = opts.recorder
			o.MoveLimit = opts.mergeRateLimit
		})
		if err != nil {
			return nil, err
		}
		idx.partitioner = p
	}
	return idx, nil
}

// dataSubspace returns the virtual-directory subspace of one partition.
func (i *Index) dataSubspace(group tuple.Tuple, id int32) tuple.Subspace {
	return i.subspace.Sub(group.Add(partition.DataSubspace).Add(id)...)
}

// newDirectory opens a directory over one partition's data subspace,
// driven by the given agility context.
func (i *Index) newDirectory(actx agile.Context, group tuple.Tuple, id int32) *directory.Directory {
	return directory.New(actx, i.dataSubspace(group, id), func(o *directory.Options) {
		o.BlockSize = i.opts.blockSize
		o.Compression = i.opts.compression
		o.Cache = i.blockCache
		o.Logger = i.logger.Logger
		o.Recorder = i.recorder
		o.LockTimeWindow = i.opts.lockTimeWindow
	})
}

func (i *Index) newLexicalWriter(ctx context.Context, dir *directory.Directory) (*lexical.Writer, error) {
	return lexical.NewWriter(ctx, dir, func(o *lexical.WriterOptions) {
		o.Logger = i.logger.Logger
		o.SegmentsPerTier = i.opts.mergeSegmentsPerTier
		o.StoredFieldsInFile = !i.opts.optimizedStoredFields
		o.PrimaryKeyIndexV2 = i.opts.primaryKeyIndexV2
	})
}

// ensureSessionLocked lazily opens the session transaction.
func (i *Index) ensureSessionLocked(ctx context.Context) error {
	if i.closed {
		return ErrIndexClosed
	}
	if i.txn != nil {
		return nil
	}
	txn, err := i.db.CreateTransaction(ctx)
	if err != nil {
		return err
	}
	i.txn = txn
	i.actx = agile.NonAgile(txn)
	return nil
}

// writerFor returns the session's writer for (group, id), opening the
// directory, obtaining the write lock, and reading the segment listing
// exactly once per session, even under concurrent first access.
func (i *Index) writerFor(group tuple.Tuple, id int32) *lazy.Handle[*partitionWriter] {
	key := string(i.dataSubspace(group, id).Bytes())
	handle, ok := i.writers[key]
	if !ok {
		actx := i.actx
		handle = lazy.New(func(ctx context.Context) (*partitionWriter, error) {
			dir := i.newDirectory(actx, group, id)
			lock, err := dir.ObtainLock(ctx, WriteLockName)
			if err != nil {
				return nil, err
			}
			writer, err := i.newLexicalWriter(ctx, dir)
			if err != nil {
				return nil, err
			}
			return &partitionWriter{group: group, id: id, dir: dir, writer: writer, lock: lock}, nil
		})
		i.writers[key] = handle
		i.touched[key] = groupPartition{group: group, id: id}
	}
	return handle
}

// routeInsert assigns the document's partition, updating its metadata.
func (i *Index) routeInsert(ctx context.Context, doc Document) (int32, int64, error) {
	if i.partitioner == nil {
		return 0, 0, nil
	}
	ts, err := i.partitioner.Timestamp(doc.Fields)
	if err != nil {
		return 0, 0, err
	}
	id, err := i.partitioner.AddToAndSave(ctx, i.actx, doc.Group, ts)
	if err != nil {
		return 0, 0, err
	}
	return id, ts, nil
}

// SaveRecord indexes a document in the current session. The partition
// metadata updates ride the session transaction; the document itself is
// buffered until Commit.
func (i *Index) SaveRecord(ctx context.Context, doc Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ensureSessionLocked(ctx); err != nil {
		return err
	}

	id, ts, err := i.routeInsert(ctx, doc)
	if err != nil {
		return err
	}
	pw, err := i.writerFor(doc.Group, id).Get(ctx)
	if err != nil {
		return err
	}
	names, rec, text, err := buildStored(doc.Fields)
	if err != nil {
		return err
	}
	pw.writer.AddDocument(lexical.Document{
		PrimaryKey: doc.PrimaryKey,
		Timestamp:  ts,
		Stored:     rec,
		FieldNames: names,
		Text:       text,
	})
	return nil
}

// DeleteRecord removes a document in the current session. With
// partitioning enabled, the owning partition's count is decremented and
// the delete fails when the document's group has no partition.
func (i *Index) DeleteRecord(ctx context.Context, doc Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.ensureSessionLocked(ctx); err != nil {
		return err
	}

	var id int32
	if i.partitioner != nil {
		ts, err := i.partitioner.Timestamp(doc.Fields)
		if err != nil {
			return err
		}
		if id, err = i.partitioner.RemoveFromAndSave(ctx, i.actx, doc.Group, ts); err != nil {
			return err
		}
	}
	pw, err := i.writerFor(doc.Group, id).Get(ctx)
	if err != nil {
		return err
	}
	_, _, err = pw.writer.DeleteByPrimaryKey(ctx, doc.PrimaryKey)
	return err
}

// UpdateRecord replaces a document: the old version is deleted and the
// new one indexed, rewriting its stored fields.
func (i *Index) UpdateRecord(ctx context.Context, old, new Document) error {
	if err := i.DeleteRecord(ctx, old); err != nil {
		return err
	}
	return i.SaveRecord(ctx, new)
}

// Commit flushes every buffered partition segment, releases the write
// locks, and commits the session transaction. With auto-merge or
// auto-repartition enabled, the corresponding maintenance passes run
// afterwards under an agile commit driver.
func (i *Index) Commit(ctx context.Context) error {
	i.mu.Lock()
	if i.txn == nil {
		i.mu.Unlock()
		return nil
	}

	err := func() error {
		for _, handle := range i.writers {
			if !handle.Initialized() {
				continue
			}
			pw, err := handle.Get(ctx)
			if err != nil {
				return err
			}
			if _, err := pw.writer.Commit(ctx); err != nil {
				return err
			}
			if err := pw.lock.Close(ctx); err != nil {
				return err
			}
		}
		return i.txn.Commit(ctx)
	}()

	touched := make([]groupPartition, 0, len(i.touched))
	for _, gp := range i.touched {
		touched = append(touched, gp)
	}
	i.txn.Cancel()
	i.txn = nil
	i.actx = nil
	i.writers = make(map[string]*lazy.Handle[*partitionWriter])
	i.touched = make(map[string]groupPartition)
	i.mu.Unlock()

	if err != nil {
		return err
	}

	if i.opts.autoMerge {
		if err := i.merge(ctx, touched); err != nil {
			return err
		}
	}
	if i.opts.autoRepartition && i.partitioner != nil {
		if err := i.rebalance(ctx, groupsOf(touched)); err != nil {
			return err
		}
	}
	return nil
}

// Rollback discards the current session without committing.
func (i *Index) Rollback() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.txn != nil {
		i.txn.Cancel()
		i.txn = nil
		i.actx = nil
	}
	i.writers = make(map[string]*lazy.Handle[*partitionWriter])
	i.touched = make(map[string]groupPartition)
}

func groupsOf(touched []groupPartition) []tuple.Tuple {
	seen := make(map[string]bool, len(touched))
	var out []tuple.Tuple
	for _, gp := range touched {
		key := string(gp.group.Pack())
		if !seen[key] {
			seen[key] = true
			out = append(out, gp.group)
		}
	}
	return out
}

// Query searches the default query partition of the ungrouped index.
func (i *Index) Query(ctx context.Context, text string) ([]Result, error) {
	return i.QueryGroup(ctx, nil, text)
}

// QueryGroup searches within one grouping key. With partitioning enabled
// the newest partition is searched; use QueryGroupSorted to influence the
// choice, or QueryAllPartitions to span every partition.
func (i *Index) QueryGroup(ctx context.Context, group tuple.Tuple, text string) ([]Result, error) {
	return i.QueryGroupSorted(ctx, group, text, nil)
}

// QueryGroupSorted searches one partition of a group, selected by the
// query's sort criterion.
func (i *Index) QueryGroupSorted(ctx context.Context, group tuple.Tuple, text string, sort *partition.Sort) ([]Result, error) {
	txn, err := i.db.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Cancel()
	actx := agile.NonAgile(txn)

	id := int32(0)
	if i.partitioner != nil {
		meta, err := i.partitioner.SelectQueryPartition(ctx, actx, group, sort)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, nil
		}
		id = meta.ID
	}
	return i.queryPartition(ctx, actx, group, id, text)
}

// QueryAllPartitions searches every partition of a group, newest first.
func (i *Index) QueryAllPartitions(ctx context.Context, group tuple.Tuple, text string) ([]Result, error) {
	txn, err := i.db.CreateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Cancel()
	actx := agile.NonAgile(txn)

	if i.partitioner == nil {
		return i.queryPartition(ctx, actx, group, 0, text)
	}

	var results []Result
	var meta *partition.Meta
	for {
		meta, err = i.partitioner.NextOlderPartition(ctx, actx, group, meta)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return results, nil
		}
		part, err := i.queryPartition(ctx, actx, group, meta.ID, text)
		if err != nil {
			return nil, err
		}
		results = append(results, part...)
	}
}

func (i *Index) queryPartition(ctx context.Context, actx agile.Context, group tuple.Tuple, id int32, text string) ([]Result, error) {
	dir := i.newDirectory(actx, group, id)
	hits, err := lexical.NewSearcher(dir).Search(ctx, text)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		rec, err := lexical.LoadStoredRecord(ctx, dir, hit.Segment, hit.DocID)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			PrimaryKey: hit.PrimaryKey,
			Fields:     fieldsFromRecord(hit.FieldNames, rec),
		})
	}
	return results, nil
}

// DeleteGroup removes everything under one grouping key: every partition
// meta and every physical key, in one range clear.
func (i *Index) DeleteGroup(ctx context.Context, group tuple.Tuple) error {
	txn, err := i.db.CreateTransaction(ctx)
	if err != nil {
		return err
	}
	defer txn.Cancel()
	actx := agile.NonAgile(txn)

	// Collect the partition directories first so their cached blocks can
	// be dropped after the clear.
	var handles []uint64
	if i.partitioner != nil {
		metas, err := i.partitioner.AllPartitions(ctx, actx, group)
		if err != nil {
			return err
		}
		for _, m := range metas {
			handles = append(handles, i.newDirectory(actx, group, m.ID).Handle())
		}
	} else {
		handles = append(handles, i.newDirectory(actx, group, 0).Handle())
	}

	begin, end := i.subspace.Sub(group...).Range()
	txn.ClearRange(begin, end)
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	i.blockCache.Invalidate(func(key cache.Key) bool {
		for _, h := range handles {
			if key.Handle == h {
				return true
			}
		}
		return false
	})
	return nil
}

// LockPartition acquires the write lock of one partition in its own
// committed transaction, for cross-actor exclusion tests and manual
// maintenance. The caller must Close the returned lock.
func (i *Index) LockPartition(ctx context.Context, group tuple.Tuple, id int32) (*directory.Lock, error) {
	actx := agile.Agile(i.db, func(o *agile.Options) {
		o.Logger = i.logger.Logger
		o.Recorder = i.recorder
	})
	dir := i.newDirectory(actx, group, id)
	return dir.ObtainLock(ctx, WriteLockName)
}

// Partitioner exposes the partition metadata manager, nil when
// partitioning is disabled.
func (i *Index) Partitioner() *partition.Partitioner {
	return i.partitioner
}

// Close discards any open session and closes the index. The database is
// owned by the caller and stays open.
func (i *Index) Close() error {
	i.Rollback()
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}
