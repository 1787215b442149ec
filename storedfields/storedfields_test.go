package storedfields

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/searchkv/agile"
	"github.com/hupe1980/searchkv/directory"
	"github.com/hupe1980/searchkv/kv/tuple"
	"github.com/hupe1980/searchkv/testutil"
)

func newTestDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	db := testutil.NewMemDB(t)
	actx := agile.Agile(db)
	t.Cleanup(func() { _ = actx.FlushAndClose(context.Background()) })
	sub := tuple.NewSubspace([]byte{0x03}).Sub("idx", int64(1), int64(0))
	return directory.New(actx, sub)
}

func sampleRecord() Record {
	return Record{
		{Number: 0, Value: Int32Value(-7)},
		{Number: 1, Value: Int64Value(1 << 40)},
		{Number: 2, Value: Float32Value(1.5)},
		{Number: 3, Value: Float64Value(-2.25)},
		{Number: 4, Value: BytesValue([]byte{0x00, 0xFF, 0x42})},
		{Number: 5, Value: StringValue("Document 1")},
	}
}

func TestRecord_MarshalRoundTrip(t *testing.T) {
	rec := sampleRecord()
	data, err := rec.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	require.Len(t, got, len(rec))
	for i := range rec {
		assert.Equal(t, rec[i].Number, got[i].Number)
		assert.Equal(t, rec[i].Value.Type(), got[i].Value.Type())
	}
	assert.Equal(t, int32(-7), got[0].Value.Int32())
	assert.Equal(t, int64(1<<40), got[1].Value.Int64())
	assert.Equal(t, float32(1.5), got[2].Value.Float32())
	assert.Equal(t, -2.25, got[3].Value.Float64())
	assert.Equal(t, []byte{0x00, 0xFF, 0x42}, got[4].Value.Bytes())
	assert.Equal(t, "Document 1", got[5].Value.String())
}

func TestRecord_TypesStayExact(t *testing.T) {
	// An int32 field stays int32; no widening on the read side.
	rec := Record{{Number: 0, Value: Int32Value(5)}}
	data, err := rec.Marshal()
	require.NoError(t, err)
	got, err := UnmarshalRecord(data)
	require.NoError(t, err)
	assert.Equal(t, TypeInt32, got[0].Value.Type())
}

func TestRecord_UnmarshalMalformed(t *testing.T) {
	_, err := UnmarshalRecord([]byte{0x00})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = UnmarshalRecord([]byte{0x00, byte(TypeInt64), 0x01})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = UnmarshalRecord([]byte{0x00, 0x77, 0x01})
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestWriter_RoundTripThroughDirectory(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	w := NewWriter(dir, "_0")
	const numDocs = 5
	for i := 0; i < numDocs; i++ {
		w.StartDocument()
		require.NoError(t, w.WriteField(0, Int64Value(int64(1000+i))))
		require.NoError(t, w.WriteField(1, StringValue("doc text")))
		require.NoError(t, w.FinishDocument(ctx))
	}
	require.NoError(t, w.Finish(ctx, numDocs))

	r := NewReader(dir, "_0")
	for i := int32(0); i < numDocs; i++ {
		rec, err := r.Record(ctx, i)
		require.NoError(t, err)
		require.Len(t, rec, 2)
		assert.Equal(t, int64(1000+int(i)), rec[0].Value.Int64())
	}
}

func TestWriter_AssignsContiguousDocIDs(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	w := NewWriter(dir, "_0")
	const numDocs = 8
	for i := 0; i < numDocs; i++ {
		w.StartDocument()
		require.NoError(t, w.WriteField(0, Int32Value(int32(i))))
		require.NoError(t, w.FinishDocument(ctx))
	}
	require.NoError(t, w.Finish(ctx, numDocs))

	var ids []int32
	require.NoError(t, NewReader(dir, "_0").Scan(ctx, func(docID int32, rec Record) error {
		ids = append(ids, docID)
		return nil
	}))
	require.Len(t, ids, numDocs)
	for i, id := range ids {
		assert.Equal(t, int32(i), id, "docIDs must be contiguous from zero")
	}
}

func TestWriter_FinishRejectsCountMismatch(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	w := NewWriter(dir, "_0")
	w.StartDocument()
	require.NoError(t, w.WriteField(0, Int32Value(1)))
	require.NoError(t, w.FinishDocument(ctx))

	assert.Error(t, w.Finish(ctx, 3))
}

func TestWriter_QueueBackpressure(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	// A queue of two forces the writer to await older writes while
	// producing many documents; every record must still land.
	w := NewWriter(dir, "_0", WithQueueSize(2))
	const numDocs = 40
	for i := 0; i < numDocs; i++ {
		w.StartDocument()
		require.NoError(t, w.WriteField(0, Int64Value(int64(i))))
		require.NoError(t, w.FinishDocument(ctx))
	}
	require.NoError(t, w.Finish(ctx, numDocs))

	count := 0
	require.NoError(t, NewReader(dir, "_0").Scan(ctx, func(int32, Record) error {
		count++
		return nil
	}))
	assert.Equal(t, numDocs, count)
}

func TestReader_ScanMatchesWrittenCount(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	for seg, n := range map[string]int{"_0": 3, "_1": 4} {
		w := NewWriter(dir, seg)
		for i := 0; i < n; i++ {
			w.StartDocument()
			require.NoError(t, w.WriteField(0, StringValue("x")))
			require.NoError(t, w.FinishDocument(ctx))
		}
		require.NoError(t, w.Finish(ctx, n))
	}

	// Per-segment ranges stay disjoint.
	count0, count1 := 0, 0
	require.NoError(t, NewReader(dir, "_0").Scan(ctx, func(int32, Record) error { count0++; return nil }))
	require.NoError(t, NewReader(dir, "_1").Scan(ctx, func(int32, Record) error { count1++; return nil }))
	assert.Equal(t, 3, count0)
	assert.Equal(t, 4, count1)
}

func TestReader_DeleteClearsSegmentRange(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	w := NewWriter(dir, "_0")
	for i := 0; i < 3; i++ {
		w.StartDocument()
		require.NoError(t, w.WriteField(0, Int32Value(int32(i))))
		require.NoError(t, w.FinishDocument(ctx))
	}
	require.NoError(t, w.Finish(ctx, 3))

	r := NewReader(dir, "_0")
	require.NoError(t, r.Delete(ctx))

	count := 0
	require.NoError(t, r.Scan(ctx, func(int32, Record) error { count++; return nil }))
	assert.Zero(t, count, "the segment's stored-fields range must be empty after delete")
}

type collectVisitor struct {
	strings []string
	ints    []int64
}

func (v *collectVisitor) VisitInt32(_ int32, val int32) error {
	v.ints = append(v.ints, int64(val))
	return nil
}

func (v *collectVisitor) VisitInt64(_ int32, val int64) error {
	v.ints = append(v.ints, val)
	return nil
}

func (v *collectVisitor) VisitFloat32(_ int32, _ float32) error { return nil }
func (v *collectVisitor) VisitFloat64(_ int32, _ float64) error { return nil }
func (v *collectVisitor) VisitBytes(_ int32, _ []byte) error    { return nil }

func (v *collectVisitor) VisitString(_ int32, val string) error {
	v.strings = append(v.strings, val)
	return nil
}

func TestReader_DocumentVisitsFieldsInOrder(t *testing.T) {
	dir := newTestDirectory(t)
	ctx := context.Background()

	w := NewWriter(dir, "_0")
	w.StartDocument()
	require.NoError(t, w.WriteField(0, Int64Value(1623)))
	require.NoError(t, w.WriteField(1, StringValue("Document 1")))
	require.NoError(t, w.FinishDocument(ctx))
	require.NoError(t, w.Finish(ctx, 1))

	var v collectVisitor
	require.NoError(t, NewReader(dir, "_0").Document(ctx, 0, &v))
	assert.Equal(t, []int64{1623}, v.ints)
	assert.Equal(t, []string{"Document 1"}, v.strings)
}
