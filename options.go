package searchkv

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/partition"
	"github.com/hupe1980/searchkv/stats"
)

const (
	// DefaultRepartitionDocumentCount bounds documents moved per
	// repartition step.
	DefaultRepartitionDocumentCount = 16
	// DefaultMergeSegmentsPerTier is the merge-policy fan-in.
	DefaultMergeSegmentsPerTier = 10.0
	// DefaultBlockCacheSize bounds the shared decoded-block cache.
	DefaultBlockCacheSize = 64 * 1024 * 1024
)

type options struct {
	optimizedStoredFields bool
	primaryKeyIndexV2     bool

	partitionField        string
	partitionHighWater    int
	repartitionDocCount   int
	repartitionMaxDocs    int
	autoMerge             bool
	autoRepartition       bool
	mergeSegmentsPerTier  float64
	mergeRateLimit        *rate.Limiter

	agileTimeQuota time.Duration
	agileSizeQuota int64

	lockTimeWindow time.Duration

	blockSize      int
	compression    directory.Compression
	blockCacheSize int64

	logger   *Logger
	recorder stats.Recorder
}

func defaultOptions() options {
	return options{
		optimizedStoredFields: true,
		partitionHighWater:    partition.DefaultHighWatermark,
		repartitionDocCount:   DefaultRepartitionDocumentCount,
		autoMerge:             true,
		autoRepartition:       true,
		mergeSegmentsPerTier:  DefaultMergeSegmentsPerTier,
		agileTimeQuota:        agile.DefaultTimeQuota,
		agileSizeQuota:        agile.DefaultSizeQuota,
		lockTimeWindow:        directory.DefaultLockTimeWindow,
		blockSize:             directory.DefaultBlockSize,
		compression:           directory.CompressionNone,
		blockCacheSize:        DefaultBlockCacheSize,
		logger:                NoopLogger(),
		recorder:              stats.NoopRecorder{},
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithOptimizedStoredFields selects the per-document KV stored-fields
// codec (default) versus the segment-file format.
func WithOptimizedStoredFields(enabled bool) Option {
	return func(o *options) { o.optimizedStoredFields = enabled }
}

// WithPrimaryKeySegmentIndexV2 enables the sorted primary-key lookup table
// written per segment.
func WithPrimaryKeySegmentIndexV2(enabled bool) Option {
	return func(o *options) { o.primaryKeyIndexV2 = enabled }
}

// WithPartitionField enables time-based partitioning on the named field.
// Nested fields use a dot-separated path.
func WithPartitionField(fieldName string) Option {
	return func(o *options) { o.partitionField = fieldName }
}

// WithPartitionHighWatermark caps the document count per partition.
func WithPartitionHighWatermark(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.partitionHighWater = n
		}
	}
}

// WithRepartitionDocumentCount bounds documents moved per repartition step.
func WithRepartitionDocumentCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.repartitionDocCount = n
		}
	}
}

// WithRepartitionMaxDocs hard-caps documents moved in one repartitioning
// run. Zero means no cap.
func WithRepartitionMaxDocs(n int) Option {
	return func(o *options) { o.repartitionMaxDocs = n }
}

// WithAutoMerge controls whether Commit triggers a merge pass.
func WithAutoMerge(enabled bool) Option {
	return func(o *options) { o.autoMerge = enabled }
}

// WithAutoRepartition controls whether Commit triggers rebalancing.
func WithAutoRepartition(enabled bool) Option {
	return func(o *options) { o.autoRepartition = enabled }
}

// WithMergeSegmentsPerTier tunes the merge policy fan-in. Must be >= 2.0.
func WithMergeSegmentsPerTier(n float64) Option {
	return func(o *options) { o.mergeSegmentsPerTier = n }
}

// WithMergeRateLimit throttles documents moved during repartitioning.
func WithMergeRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) { o.mergeRateLimit = rate.NewLimiter(limit, burst) }
}

// WithAgileTimeQuota bounds the wall time of one agile sub-transaction.
func WithAgileTimeQuota(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.agileTimeQuota = d
		}
	}
}

// WithAgileSizeQuota bounds the written bytes of one agile sub-transaction.
func WithAgileSizeQuota(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.agileSizeQuota = n
		}
	}
}

// WithLockTimeWindow sets the file-lock staleness window. Values below the
// 10 s floor fall back to the default.
func WithLockTimeWindow(d time.Duration) Option {
	return func(o *options) { o.lockTimeWindow = d }
}

// WithBlockSize sets the virtual-file block size in bytes.
func WithBlockSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.blockSize = n
		}
	}
}

// WithBlockCompression selects the per-block compression algorithm.
func WithBlockCompression(c directory.Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithBlockCacheSize bounds the shared decoded-block cache in bytes.
func WithBlockCacheSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.blockCacheSize = n
		}
	}
}

// WithLogger configures the logger. Pass nil to disable logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithRecorder configures the stats recorder. Pass nil to disable.
func WithRecorder(r stats.Recorder) Option {
	return func(o *options) {
		if r == nil {
			r = stats.NoopRecorder{}
		}
		o.recorder = r
	}
}
