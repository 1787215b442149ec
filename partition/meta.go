// Package partition maintains the time-based sharding of one logical
// index into physical sub-indexes. Every partition covers a bounding
// interval [from, to] over a monotone document field; partition metadata
// records are keyed by their from timestamp so that a reverse range read
// finds the owning partition of any timestamp in one round trip.
package partition

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/searchkv/kv/tuple"
)

// Subspace tags under the logical index prefix, after the grouping key.
const (
	// MetaSubspace holds partition metadata records keyed by from-timestamp.
	MetaSubspace = 0
	// DataSubspace holds each partition's virtual directory, keyed by id.
	DataSubspace = 1
)

// DefaultHighWatermark is the per-partition document cap used when none is
// configured.
const DefaultHighWatermark = 400_000

// Meta is one partition's metadata record. From and To are tuple-packed
// timestamps bounding the documents resident in the partition; Count is
// the exact number of resident documents.
type Meta struct {
	ID    int32
	Count int64
	From  []byte
	To    []byte
}

// FromTimestamp decodes the from bound.
func (m *Meta) FromTimestamp() int64 { return mustTimestamp(m.From) }

// ToTimestamp decodes the to bound.
func (m *Meta) ToTimestamp() int64 { return mustTimestamp(m.To) }

func mustTimestamp(packed []byte) int64 {
	t, err := tuple.Unpack(packed)
	if err != nil || len(t) != 1 {
		panic(fmt.Sprintf("partition: malformed packed timestamp %x", packed))
	}
	ts, ok := t[0].(int64)
	if !ok {
		panic(fmt.Sprintf("partition: packed timestamp has type %T", t[0]))
	}
	return ts
}

func packTimestamp(ts int64) []byte {
	return tuple.From(ts).Pack()
}

// marshal serializes the meta record:
// [id:4][count:8][fromLen:uvarint][from][toLen:uvarint][to].
func (m *Meta) marshal() []byte {
	var tmp [binary.MaxVarintLen64]byte
	out := make([]byte, 0, 12+len(m.From)+len(m.To)+4)
	out = binary.LittleEndian.AppendUint32(out, uint32(m.ID))
	out = binary.LittleEndian.AppendUint64(out, uint64(m.Count))
	n := binary.PutUvarint(tmp[:], uint64(len(m.From)))
	out = append(out, tmp[:n]...)
	out = append(out, m.From...)
	n = binary.PutUvarint(tmp[:], uint64(len(m.To)))
	out = append(out, tmp[:n]...)
	out = append(out, m.To...)
	return out
}

func unmarshalMeta(b []byte) (*Meta, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("partition: meta record truncated: %d bytes", len(b))
	}
	m := &Meta{
		ID:    int32(binary.LittleEndian.Uint32(b)),
		Count: int64(binary.LittleEndian.Uint64(b[4:])),
	}
	b = b[12:]
	var err error
	if m.From, b, err = readDelimited(b); err != nil {
		return nil, err
	}
	if m.To, _, err = readDelimited(b); err != nil {
		return nil, err
	}
	return m, nil
}

func readDelimited(b []byte) ([]byte, []byte, error) {
	size, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) < size {
		return nil, nil, fmt.Errorf("partition: meta record truncated")
	}
	out := append([]byte(nil), b[n:n+int(size)]...)
	return out, b[n+int(size):], nil
}

func newMeta(ts int64, id int32) *Meta {
	packed := packTimestamp(ts)
	return &Meta{
		ID:    id,
		Count: 0,
		From:  packed,
		To:    append([]byte(nil), packed...),
	}
}
