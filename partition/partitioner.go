package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/stats"
)

var (
	// ErrNotFound is returned when a delete finds no partition at all in
	// its group. A timestamp older than every partition is assigned to the
	// oldest partition instead.
	ErrNotFound = errors.New("partition metadata not found")
	// ErrInvariant marks fatal metadata invariant breaches. Never
	// swallowed.
	ErrInvariant = errors.New("partition invariant violation")
	// ErrInvalidField is returned for a missing or blank partitioning
	// field name.
	ErrInvalidField = errors.New("invalid partition timestamp field name")
)

// Sort describes the first sort criterion of a query, used to pick the
// partition a query should start in.
type Sort struct {
	Field   string
	Reverse bool
}

// Options configures a Partitioner.
type Options struct {
	HighWatermark int
	Logger        *slog.Logger
	Recorder      stats.Recorder
	// MoveLimit throttles documents moved during rebalancing. Nil means
	// no throttle.
	MoveLimit *rate.Limiter
}

// Partitioner routes documents among partitions within a grouping key and
// maintains the per-partition metadata records.
type Partitioner struct {
	subspace      tuple.Subspace
	fieldName     string
	fieldPath     []string
	highWatermark int
	logger        *slog.Logger
	recorder      stats.Recorder
	moveLimit     *rate.Limiter
}

// New creates a Partitioner over the logical index subspace. fieldName is
// the dot-separated path of the partitioning timestamp field.
func New(subspace tuple.Subspace, fieldName string, optFns ...func(o *Options)) (*Partitioner, error) {
	if strings.TrimSpace(fieldName) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidField, fieldName)
	}
	opts := Options{
		HighWatermark: DefaultHighWatermark,
		Logger:        slog.Default(),
		Recorder:      stats.NoopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Partitioner{
		subspace:      subspace,
		fieldName:     fieldName,
		fieldPath:     fieldPathFor(fieldName),
		highWatermark: opts.HighWatermark,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		moveLimit:     opts.MoveLimit,
	}, nil
}

// FieldName returns the partitioning field path.
func (p *Partitioner) FieldName() string { return p.fieldName }

// HighWatermark returns the per-partition document cap.
func (p *Partitioner) HighWatermark() int { return p.highWatermark }

// Timestamp extracts the partitioning timestamp from a document's fields.
func (p *Partitioner) Timestamp(fields map[string]any) (int64, error) {
	return extractTimestamp(p.fieldPath, fields)
}

func (p *Partitioner) metaSubspace(group tuple.Tuple) tuple.Subspace {
	return p.subspace.Sub(group.Add(MetaSubspace)...)
}

func (p *Partitioner) metaKey(group tuple.Tuple, ts int64) []byte {
	return p.subspace.Pack(group.Add(MetaSubspace).Add(ts))
}

// save writes the meta record under its from-timestamp key.
func (p *Partitioner) save(ctx context.Context, actx agile.Context, group tuple.Tuple, m *Meta) error {
	return actx.Set(ctx, p.metaKey(group, m.FromTimestamp()), m.marshal())
}

// AddToAndSave assigns a partition for an inserted document and updates
// the partition metadata: the count is incremented and the bounds widened
// when the timestamp falls outside them. When the bound that is also the
// key changes, the old key is cleared first. Returns the assigned id.
func (p *Partitioner) AddToAndSave(ctx context.Context, actx agile.Context, group tuple.Tuple, ts int64) (int32, error) {
	assigned, err := p.getOrCreate(ctx, actx, group, ts)
	if err != nil {
		return 0, err
	}
	assigned.Count++
	if ts < assigned.FromTimestamp() {
		if err := actx.Clear(ctx, p.metaKey(group, assigned.FromTimestamp())); err != nil {
			return 0, err
		}
		assigned.From = packTimestamp(ts)
	}
	if ts > assigned.ToTimestamp() {
		assigned.To = packTimestamp(ts)
	}
	if err := p.save(ctx, actx, group, assigned); err != nil {
		return 0, err
	}
	return assigned.ID, nil
}

// RemoveFromAndSave assigns the partition of a deleted document and
// decrements its count. The bounds are not narrowed; they remain a valid
// bounding interval. A resulting negative count is a fatal invariant
// breach.
func (p *Partitioner) RemoveFromAndSave(ctx context.Context, actx agile.Context, group tuple.Tuple, ts int64) (int32, error) {
	assigned, err := p.assign(ctx, actx, group, ts, false)
	if err != nil {
		return 0, err
	}
	assigned.Count--
	if assigned.Count < 0 {
		return 0, fmt.Errorf("%w: partition %d count below zero", ErrInvariant, assigned.ID)
	}
	if err := p.save(ctx, actx, group, assigned); err != nil {
		return 0, err
	}
	return assigned.ID, nil
}

// getOrCreate returns the partition that should receive a document with
// timestamp ts. When the assigned partition is full and the document
// belongs before its from bound, a new partition is created instead, to
// avoid an immediate rebalance of the full partition.
func (p *Partitioner) getOrCreate(ctx context.Context, actx agile.Context, group tuple.Tuple, ts int64) (*Meta, error) {
	assigned, err := p.assign(ctx, actx, group, ts, true)
	if err != nil {
		return nil, err
	}
	if assigned.Count >= int64(p.highWatermark) && ts < assigned.FromTimestamp() {
		all, err := p.AllPartitions(ctx, actx, group)
		if err != nil {
			return nil, err
		}
		return newMeta(ts, maxPartitionID(all)+1), nil
	}
	return assigned, nil
}

// assign finds the partition with the greatest from <= ts. With no such
// partition, the oldest partition is returned; with none at all, a new
// partition id 0 is created when createIfNotExists, otherwise ErrNotFound.
func (p *Partitioner) assign(ctx context.Context, actx agile.Context, group tuple.Tuple, ts int64, createIfNotExists bool) (*Meta, error) {
	begin, _ := p.metaSubspace(group).Range()
	end := p.metaKey(group, ts+1)
	kvs, err := actx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: 1, Reverse: true})
	if err != nil {
		return nil, err
	}
	if len(kvs) > 0 {
		return unmarshalMeta(kvs[0].Value)
	}
	oldest, err := p.OldestPartition(ctx, actx, group)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		return oldest, nil
	}
	if !createIfNotExists {
		return nil, fmt.Errorf("%w: timestamp %d", ErrNotFound, ts)
	}
	return newMeta(ts, 0), nil
}

// FindPartition returns the partition whose interval should contain ts,
// or nil when there is no partition with from < ts.
func (p *Partitioner) FindPartition(ctx context.Context, actx agile.Context, group tuple.Tuple, ts int64) (*Meta, error) {
	begin, _ := p.metaSubspace(group).Range()
	end := p.metaKey(group, ts)
	kvs, err := actx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: 1, Reverse: true})
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return unmarshalMeta(kvs[0].Value)
}

// NewestPartition returns the partition with the greatest from bound, or
// nil when the group has none.
func (p *Partitioner) NewestPartition(ctx context.Context, actx agile.Context, group tuple.Tuple) (*Meta, error) {
	return p.edgePartition(ctx, actx, group, true)
}

// OldestPartition returns the partition with the smallest from bound, or
// nil when the group has none.
func (p *Partitioner) OldestPartition(ctx context.Context, actx agile.Context, group tuple.Tuple) (*Meta, error) {
	return p.edgePartition(ctx, actx, group, false)
}

func (p *Partitioner) edgePartition(ctx context.Context, actx agile.Context, group tuple.Tuple, newest bool) (*Meta, error) {
	begin, end := p.metaSubspace(group).Range()
	kvs, err := actx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: 1, Reverse: newest})
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return unmarshalMeta(kvs[0].Value)
}

// NextOlderPartition returns the partition immediately older than
// previous, or the newest partition when previous is nil. Queries iterate
// across partitions with this helper.
func (p *Partitioner) NextOlderPartition(ctx context.Context, actx agile.Context, group tuple.Tuple, previous *Meta) (*Meta, error) {
	if previous == nil {
		return p.NewestPartition(ctx, actx, group)
	}
	begin, _ := p.metaSubspace(group).Range()
	end := p.metaKey(group, previous.FromTimestamp())
	kvs, err := actx.GetRange(ctx, begin, end, kv.RangeOptions{Limit: 1, Reverse: true})
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	return unmarshalMeta(kvs[0].Value)
}

// SelectQueryPartition returns the partition a query should run in: the
// newest partition, unless the query sorts ascending by the partitioning
// field, in which case the oldest.
func (p *Partitioner) SelectQueryPartition(ctx context.Context, actx agile.Context, group tuple.Tuple, sort *Sort) (*Meta, error) {
	if sort != nil && sort.Field == p.fieldName && !sort.Reverse {
		return p.OldestPartition(ctx, actx, group)
	}
	return p.NewestPartition(ctx, actx, group)
}

// AllPartitions returns every partition meta of the group, newest first.
func (p *Partitioner) AllPartitions(ctx context.Context, actx agile.Context, group tuple.Tuple) ([]*Meta, error) {
	begin, end := p.metaSubspace(group).Range()
	kvs, err := actx.GetRange(ctx, begin, end, kv.RangeOptions{Reverse: true})
	if err != nil {
		return nil, err
	}
	out := make([]*Meta, 0, len(kvs))
	for _, pair := range kvs {
		m, err := unmarshalMeta(pair.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// PartitionByID returns the group's partition with the given id, or nil.
func (p *Partitioner) PartitionByID(ctx context.Context, actx agile.Context, group tuple.Tuple, id int32) (*Meta, error) {
	all, err := p.AllPartitions(ctx, actx, group)
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, nil
}

// ClearGroup removes every partition meta of the group.
func (p *Partitioner) ClearGroup(ctx context.Context, actx agile.Context, group tuple.Tuple) error {
	begin, end := p.metaSubspace(group).Range()
	return actx.ClearRange(ctx, begin, end)
}

func maxPartitionID(all []*Meta) int32 {
	var maxID int32
	for _, m := range all {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	return maxID
}
