// Package storedfields implements the storage-optimised stored-fields
// codec: instead of per-segment files, every document's stored (non
// indexed) fields are serialized into one length-delimited binary record
// kept under its own key, keyed by (segment, docID).
package storedfields

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// FieldType tags the value variant of a stored field.
type FieldType byte

const (
	TypeInt32 FieldType = iota + 1
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeBytes
	TypeString
)

// ErrMalformedRecord is returned when decoding malformed record bytes.
var ErrMalformedRecord = errors.New("malformed stored fields record")

// FieldValue is a tagged sum over the supported stored value types. The
// type is fixed by the constructor used; there is no widening.
type FieldValue struct {
	typ FieldType
	i   int64
	f   float64
	b   []byte
	s   string
}

// Int32Value creates an int32 field value.
func Int32Value(v int32) FieldValue { return FieldValue{typ: TypeInt32, i: int64(v)} }

// Int64Value creates an int64 field value.
func Int64Value(v int64) FieldValue { return FieldValue{typ: TypeInt64, i: v} }

// Float32Value creates a float32 field value.
func Float32Value(v float32) FieldValue { return FieldValue{typ: TypeFloat32, f: float64(v)} }

// Float64Value creates a float64 field value.
func Float64Value(v float64) FieldValue { return FieldValue{typ: TypeFloat64, f: v} }

// BytesValue creates a bytes field value.
func BytesValue(v []byte) FieldValue { return FieldValue{typ: TypeBytes, b: v} }

// StringValue creates a string field value.
func StringValue(v string) FieldValue { return FieldValue{typ: TypeString, s: v} }

// Type returns the value's type tag.
func (v FieldValue) Type() FieldType { return v.typ }

// Int32 returns the int32 value.
func (v FieldValue) Int32() int32 { return int32(v.i) }

// Int64 returns the int64 value.
func (v FieldValue) Int64() int64 { return v.i }

// Float32 returns the float32 value.
func (v FieldValue) Float32() float32 { return float32(v.f) }

// Float64 returns the float64 value.
func (v FieldValue) Float64() float64 { return v.f }

// Bytes returns the bytes value.
func (v FieldValue) Bytes() []byte { return v.b }

// String returns the string value.
func (v FieldValue) String() string { return v.s }

// Field is one stored field: a field number and a typed value.
type Field struct {
	Number int32
	Value  FieldValue
}

// Record is the ordered list of a document's stored fields. Fields are
// recorded in insertion order.
type Record []Field

// Marshal serializes the record. Each field is framed as
// [number:uvarint][type:1][payload]; numeric payloads are fixed width,
// bytes and strings are uvarint length-delimited.
func (r Record) Marshal() ([]byte, error) {
	var out []byte
	var tmp [binary.MaxVarintLen64]byte
	for _, f := range r {
		if f.Number < 0 {
			return nil, fmt.Errorf("negative field number %d", f.Number)
		}
		n := binary.PutUvarint(tmp[:], uint64(f.Number))
		out = append(out, tmp[:n]...)
		out = append(out, byte(f.Value.typ))
		switch f.Value.typ {
		case TypeInt32:
			out = binary.LittleEndian.AppendUint32(out, uint32(f.Value.i))
		case TypeInt64:
			out = binary.LittleEndian.AppendUint64(out, uint64(f.Value.i))
		case TypeFloat32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(f.Value.f)))
		case TypeFloat64:
			out = binary.LittleEndian.AppendUint64(out, math.Float64bits(f.Value.f))
		case TypeBytes:
			n = binary.PutUvarint(tmp[:], uint64(len(f.Value.b)))
			out = append(out, tmp[:n]...)
			out = append(out, f.Value.b...)
		case TypeString:
			n = binary.PutUvarint(tmp[:], uint64(len(f.Value.s)))
			out = append(out, tmp[:n]...)
			out = append(out, f.Value.s...)
		default:
			return nil, fmt.Errorf("field %d has no value", f.Number)
		}
	}
	return out, nil
}

// UnmarshalRecord decodes record bytes.
func UnmarshalRecord(b []byte) (Record, error) {
	var rec Record
	for len(b) > 0 {
		number, n := binary.Uvarint(b)
		if n <= 0 || number > math.MaxInt32 {
			return nil, fmt.Errorf("%w: bad field number", ErrMalformedRecord)
		}
		b = b[n:]
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: missing type tag", ErrMalformedRecord)
		}
		typ := FieldType(b[0])
		b = b[1:]

		var val FieldValue
		switch typ {
		case TypeInt32:
			if len(b) < 4 {
				return nil, fmt.Errorf("%w: truncated int32", ErrMalformedRecord)
			}
			val = Int32Value(int32(binary.LittleEndian.Uint32(b)))
			b = b[4:]
		case TypeInt64:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: truncated int64", ErrMalformedRecord)
			}
			val = Int64Value(int64(binary.LittleEndian.Uint64(b)))
			b = b[8:]
		case TypeFloat32:
			if len(b) < 4 {
				return nil, fmt.Errorf("%w: truncated float32", ErrMalformedRecord)
			}
			val = Float32Value(math.Float32frombits(binary.LittleEndian.Uint32(b)))
			b = b[4:]
		case TypeFloat64:
			if len(b) < 8 {
				return nil, fmt.Errorf("%w: truncated float64", ErrMalformedRecord)
			}
			val = Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(b)))
			b = b[8:]
		case TypeBytes, TypeString:
			size, n := binary.Uvarint(b)
			if n <= 0 {
				return nil, fmt.Errorf("%w: bad length", ErrMalformedRecord)
			}
			b = b[n:]
			if uint64(len(b)) < size {
				return nil, fmt.Errorf("%w: truncated payload", ErrMalformedRecord)
			}
			payload := b[:size]
			if typ == TypeBytes {
				val = BytesValue(append([]byte(nil), payload...))
			} else {
				val = StringValue(string(payload))
			}
			b = b[size:]
		default:
			return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformedRecord, typ)
		}
		rec = append(rec, Field{Number: int32(number), Value: val})
	}
	return rec, nil
}

// Visitor receives a document's fields during a read, in recorded order.
type Visitor interface {
	VisitInt32(number int32, v int32) error
	VisitInt64(number int32, v int64) error
	VisitFloat32(number int32, v float32) error
	VisitFloat64(number int32, v float64) error
	VisitBytes(number int32, v []byte) error
	VisitString(number int32, v string) error
}

// Visit dispatches every field of the record to the visitor.
func (r Record) Visit(v Visitor) error {
	for _, f := range r {
		var err error
		switch f.Value.typ {
		case TypeInt32:
			err = v.VisitInt32(f.Number, f.Value.Int32())
		case TypeInt64:
			err = v.VisitInt64(f.Number, f.Value.Int64())
		case TypeFloat32:
			err = v.VisitFloat32(f.Number, f.Value.Float32())
		case TypeFloat64:
			err = v.VisitFloat64(f.Number, f.Value.Float64())
		case TypeBytes:
			err = v.VisitBytes(f.Number, f.Value.Bytes())
		case TypeString:
			err = v.VisitString(f.Number, f.Value.String())
		default:
			err = fmt.Errorf("field %d has no value", f.Number)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
