// Package directory presents a file-like namespace backed by keys of a
// transactional ordered KV store. Files are chunked into fixed-size,
// optionally compressed blocks, each stored under its own key; file
// metadata, stored-fields records, and advisory locks live in sibling
// key subtrees of the same partition subspace.
package directory

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/internal/cache"
	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/stats"
)

// Key subtree tags within one partition's data subspace.
const (
	fileRefTag      = 0
	blockTag        = 1
	storedFieldsTag = 2
	lockTag         = 3
	sequenceTag     = 4
)

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize = 16 * 1024

var (
	// ErrFileNotFound is returned when opening or inspecting a name that
	// does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrFileExists is returned when creating a name that already exists.
	ErrFileExists = errors.New("file already exists")
	// ErrChecksum is returned when a block fails checksum verification.
	ErrChecksum = errors.New("block checksum mismatch")
)


// FileRef is the per-name file metadata record.
type FileRef struct {
	ID          int64
	Length      int64
	BlockSize   int32
	Compression Compression
}

const fileRefSize = 8 + 8 + 4 + 1

func (r FileRef) marshal() []byte {
	b := make([]byte, fileRefSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(r.ID))
	binary.LittleEndian.PutUint64(b[8:], uint64(r.Length))
	binary.LittleEndian.PutUint32(b[16:], uint32(r.BlockSize))
	b[20] = byte(r.Compression)
	return b
}

func unmarshalFileRef(b []byte) (FileRef, error) {
	if len(b) < fileRefSize {
		return FileRef{}, fmt.Errorf("file reference truncated: %d bytes", len(b))
	}
	return FileRef{
		ID:          int64(binary.LittleEndian.Uint64(b[0:])),
		Length:      int64(binary.LittleEndian.Uint64(b[8:])),
		BlockSize:   int32(binary.LittleEndian.Uint32(b[16:])),
		Compression: Compression(b[20]),
	}, nil
}

// Options configures a Directory.
type Options struct {
	BlockSize      int
	Compression    Compression
	Cache          *cache.BlockCache
	Logger         *slog.Logger
	Recorder       stats.Recorder
	LockTimeWindow time.Duration
}

// Directory is a virtual file directory over one partition's data subspace.
// All key-value traffic flows through the supplied agility context; in
// non-agile mode that is the caller's transaction.
type Directory struct {
	actx     agile.Context
	files    tuple.Subspace
	blocks   tuple.Subspace
	stored   tuple.Subspace
	locks    tuple.Subspace
	seqKey   []byte
	handle   uint64
	logger   *slog.Logger
	recorder stats.Recorder

	blockSize   int
	compression Compression
	cache       *cache.BlockCache
	timeWindow  time.Duration
}

// New creates a Directory over subspace, the partition's data subspace.
func New(actx agile.Context, subspace tuple.Subspace, optFns ...func(o *Options)) *Directory {
	opts := Options{
		BlockSize:      DefaultBlockSize,
		Compression:    CompressionNone,
		Logger:         slog.Default(),
		Recorder:       stats.NoopRecorder{},
		LockTimeWindow: DefaultLockTimeWindow,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewBlockCache(64 * 1024 * 1024)
	}
	if opts.LockTimeWindow < MinLockTimeWindow {
		opts.LockTimeWindow = DefaultLockTimeWindow
	}
	return &Directory{
		actx:        actx,
		files:       subspace.Sub(fileRefTag),
		blocks:      subspace.Sub(blockTag),
		stored:      subspace.Sub(storedFieldsTag),
		locks:       subspace.Sub(lockTag),
		seqKey:      subspace.Pack(tuple.From(sequenceTag)),
		// Stable across instances of the same subspace, so directories
		// opened by different transactions share decoded blocks.
		handle: xxhash.Sum64(subspace.Bytes()),
		logger:      opts.Logger,
		recorder:    opts.Recorder,
		blockSize:   opts.BlockSize,
		compression: opts.Compression,
		cache:       opts.Cache,
		timeWindow:  opts.LockTimeWindow,
	}
}

// AgilityContext returns the context all directory IO flows through.
func (d *Directory) AgilityContext() agile.Context {
	return d.actx
}

// Handle returns the directory's block-cache handle, stable per subspace.
func (d *Directory) Handle() uint64 {
	return d.handle
}

// Cache returns the shared decoded-block cache.
func (d *Directory) Cache() *cache.BlockCache {
	return d.cache
}

// Close releases the directory. It holds no OS resources; all IO flows
// through the agility context, which the caller owns and flushes.
func (d *Directory) Close() error {
	return nil
}

// Recorder returns the stats recorder.
func (d *Directory) Recorder() stats.Recorder {
	return d.recorder
}

// ListAll returns the names of all files in the directory, sorted.
func (d *Directory) ListAll(ctx context.Context) ([]string, error) {
	begin, end := d.files.Range()
	kvs, err := d.actx.GetRange(ctx, begin, end, kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kvs))
	for _, pair := range kvs {
		t, err := d.files.Unpack(pair.Key)
		if err != nil || len(t) != 1 {
			return nil, fmt.Errorf("malformed file reference key: %w", err)
		}
		name, ok := t[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed file reference key type %T", t[0])
		}
		names = append(names, name)
	}
	return names, nil
}

func (d *Directory) fileRefKey(name string) []byte {
	return d.files.Pack(tuple.From(name))
}

func (d *Directory) blockKey(id, blockNo int64) []byte {
	return d.blocks.Pack(tuple.From(id, blockNo))
}

// fileRef loads the file reference for name, or ErrFileNotFound.
func (d *Directory) fileRef(ctx context.Context, name string) (FileRef, error) {
	val, err := d.actx.Get(ctx, d.fileRefKey(name))
	if err != nil {
		return FileRef{}, err
	}
	if val == nil {
		return FileRef{}, fmt.Errorf("%w: %q", ErrFileNotFound, name)
	}
	return unmarshalFileRef(val)
}

// nextFileID allocates a fresh 64-bit file id. Callers are serialized by
// the directory lock, so a read-modify-write suffices.
func (d *Directory) nextFileID(ctx context.Context) (int64, error) {
	var id int64
	err := d.actx.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		val, err := txn.Get(ctx, d.seqKey)
		if err != nil {
			return err
		}
		if val != nil {
			id = int64(binary.LittleEndian.Uint64(val))
		}
		next := make([]byte, 8)
		binary.LittleEndian.PutUint64(next, uint64(id+1))
		txn.Set(d.seqKey, next)
		return nil
	})
	return id, err
}

// CreateOutput creates a new file and returns a writer for it. The file
// reference is created immediately with zero length and finalized on Close.
func (d *Directory) CreateOutput(ctx context.Context, name string) (*Output, error) {
	existing, err := d.actx.Get(ctx, d.fileRefKey(name))
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrFileExists, name)
	}
	id, err := d.nextFileID(ctx)
	if err != nil {
		return nil, err
	}
	ref := FileRef{ID: id, BlockSize: int32(d.blockSize), Compression: d.compression}
	if err := d.actx.Set(ctx, d.fileRefKey(name), ref.marshal()); err != nil {
		return nil, err
	}
	return &Output{
		dir:  d,
		name: name,
		ref:  ref,
		buf:  make([]byte, 0, d.blockSize),
	}, nil
}

// OpenInput opens a file for reading.
func (d *Directory) OpenInput(ctx context.Context, name string) (*Input, error) {
	ref, err := d.fileRef(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Input{
		dir:      d,
		name:     name,
		ref:      ref,
		sliceLen: ref.Length,
	}, nil
}

// DeleteFile removes a file: its reference and all of its blocks. Decoded
// blocks are dropped from the shared cache.
func (d *Directory) DeleteFile(ctx context.Context, name string) error {
	ref, err := d.fileRef(ctx, name)
	if err != nil {
		return err
	}
	if err := d.actx.Clear(ctx, d.fileRefKey(name)); err != nil {
		return err
	}
	blockSub := d.blocks.Sub(ref.ID)
	begin, end := blockSub.Range()
	if err := d.actx.ClearRange(ctx, begin, end); err != nil {
		return err
	}
	d.cache.Invalidate(func(key cache.Key) bool {
		return key.Handle == d.handle && key.FileID == ref.ID
	})
	return nil
}

// Rename moves a file reference from old to new without touching block
// data. Executed as one operation on the current transaction.
func (d *Directory) Rename(ctx context.Context, old, new string) error {
	return d.actx.Apply(ctx, func(ctx context.Context, txn kv.Transaction) error {
		val, err := txn.Get(ctx, d.fileRefKey(old))
		if err != nil {
			return err
		}
		if val == nil {
			return fmt.Errorf("%w: %q", ErrFileNotFound, old)
		}
		txn.Set(d.fileRefKey(new), val)
		txn.Clear(d.fileRefKey(old))
		return nil
	})
}

// FileLength returns the length of the named file.
func (d *Directory) FileLength(ctx context.Context, name string) (int64, error) {
	ref, err := d.fileRef(ctx, name)
	if err != nil {
		return 0, err
	}
	return ref.Length, nil
}

// writeBlock stores one block: checksum of the plain bytes, then the
// compressed payload. Blocks are immutable after first write.
func (d *Directory) writeBlock(ctx context.Context, id, blockNo int64, plain []byte) error {
	compressed, err := compressBlock(d.compression, plain)
	if err != nil {
		return err
	}
	val := make([]byte, 8+len(compressed))
	binary.LittleEndian.PutUint64(val, xxhash.Sum64(plain))
	copy(val[8:], compressed)
	return d.actx.Set(ctx, d.blockKey(id, blockNo), val)
}

// readBlock fetches and decodes one block, consulting the shared cache
// first. Concurrent misses on the same block coalesce onto one fetch.
func (d *Directory) readBlock(ctx context.Context, ref FileRef, blockNo int64) ([]byte, error) {
	key := cache.Key{Handle: d.handle, FileID: ref.ID, BlockNo: blockNo}
	return d.cache.Fetch(key, func() ([]byte, error) {
		val, err := d.actx.Get(ctx, d.blockKey(ref.ID, blockNo))
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, fmt.Errorf("%w: block %d of file id %d", ErrFileNotFound, blockNo, ref.ID)
		}
		if len(val) < 8 {
			return nil, fmt.Errorf("block %d of file id %d truncated", blockNo, ref.ID)
		}
		sum := binary.LittleEndian.Uint64(val)
		plainSize := blockPlainSize(ref, blockNo)
		plain, err := decompressBlock(val[8:], plainSize)
		if err != nil {
			return nil, err
		}
		if xxhash.Sum64(plain) != sum {
			return nil, fmt.Errorf("%w: block %d of file id %d", ErrChecksum, blockNo, ref.ID)
		}
		return plain, nil
	})
}

// blockPlainSize returns the uncompressed size of blockNo given the file's
// final length. The last block may be short.
func blockPlainSize(ref FileRef, blockNo int64) int {
	bs := int64(ref.BlockSize)
	remaining := ref.Length - blockNo*bs
	if remaining > bs || remaining < 0 {
		return int(bs)
	}
	return int(remaining)
}
