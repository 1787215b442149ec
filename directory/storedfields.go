package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/searchkv/kv"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/stats"
)

// StoredFieldsKV is one decoded stored-fields key/value pair.
type StoredFieldsKV struct {
	DocID int32
	Data  []byte
}

func (d *Directory) storedFieldsKey(segment string, docID int32) []byte {
	return d.stored.Pack(tuple.From(segment, docID))
}

// WriteStoredFields asynchronously puts one document's serialized
// stored-fields record under (segment, docID). The returned channel
// receives the write result exactly once.
func (d *Directory) WriteStoredFields(ctx context.Context, segment string, docID int32, data []byte) <-chan error {
	ch := make(chan error, 1)
	go func() {
		err := d.actx.Set(ctx, d.storedFieldsKey(segment, docID), data)
		if err == nil {
			d.recorder.Add(stats.SizeStoredFieldsWrite, int64(len(data)))
		}
		ch <- err
	}()
	return ch
}

// ReadStoredFields fetches one document's serialized stored-fields record.
func (d *Directory) ReadStoredFields(ctx context.Context, segment string, docID int32) ([]byte, error) {
	start := time.Now()
	defer func() {
		d.recorder.Observe(stats.WaitStoredFieldsGet, time.Since(start))
	}()
	val, err := d.actx.Get(ctx, d.storedFieldsKey(segment, docID))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, fmt.Errorf("%w: stored fields %s/%d", ErrFileNotFound, segment, docID)
	}
	return val, nil
}

// ScanStoredFields reads every stored-fields record of a segment in a
// single range read, in docID order.
func (d *Directory) ScanStoredFields(ctx context.Context, segment string) ([]StoredFieldsKV, error) {
	sub := d.stored.Sub(segment)
	begin, end := sub.Range()
	kvs, err := d.actx.GetRange(ctx, begin, end, kv.RangeOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]StoredFieldsKV, 0, len(kvs))
	for _, pair := range kvs {
		t, err := sub.Unpack(pair.Key)
		if err != nil || len(t) != 1 {
			return nil, fmt.Errorf("malformed stored fields key: %w", err)
		}
		id, ok := t[0].(int64)
		if !ok {
			return nil, fmt.Errorf("malformed stored fields doc id type %T", t[0])
		}
		out = append(out, StoredFieldsKV{DocID: int32(id), Data: pair.Value})
	}
	return out, nil
}

// ClearStoredFields removes every stored-fields record of a segment.
func (d *Directory) ClearStoredFields(ctx context.Context, segment string) error {
	sub := d.stored.Sub(segment)
	begin, end := sub.Range()
	kvs, err := d.actx.GetRange(ctx, begin, end, kv.RangeOptions{})
	if err != nil {
		return err
	}
	if err := d.actx.ClearRange(ctx, begin, end); err != nil {
		return err
	}
	d.recorder.Add(stats.CounterStoredFieldsDeletes, int64(len(kvs)))
	return nil
}
