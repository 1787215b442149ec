// Package tuple implements an order-preserving, self-describing binary
// encoding for key tuples. The packed form of a tuple sorts byte-wise in
// the same order as the tuple sorts element-wise, which makes range reads
// over tuple prefixes well defined.
//
// Supported element types: []byte, string, int, int32, int64 and uint32
// (all stored as int64), and uuid.UUID.
package tuple

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Type codes. Integer codes are arranged so that packed integers sort
// numerically: negative integers take codes below intZero, positives above,
// with the magnitude encoded big-endian.
const (
	typeBytes  = 0x01
	typeString = 0x02
	intZero    = 0x14
	typeUUID   = 0x30

	maxIntBytes = 8
)

var (
	// ErrMalformedTuple is returned when unpacking malformed bytes.
	ErrMalformedTuple = errors.New("malformed tuple")
)

// Tuple is an ordered list of elements.
type Tuple []any

// From builds a Tuple from the given elements. Elements must be one of the
// supported types; Pack panics otherwise.
func From(items ...any) Tuple {
	return Tuple(items)
}

// Add returns a new Tuple with item appended. The receiver is not modified.
func (t Tuple) Add(item any) Tuple {
	out := make(Tuple, len(t), len(t)+1)
	copy(out, t)
	return append(out, item)
}

// Concat returns a new Tuple with other's elements appended.
func (t Tuple) Concat(other Tuple) Tuple {
	out := make(Tuple, len(t), len(t)+len(other))
	copy(out, t)
	return append(out, other...)
}

// Pack encodes the tuple. It panics on unsupported element types, which are
// always programmer errors.
func (t Tuple) Pack() []byte {
	var buf bytes.Buffer
	for _, item := range t {
		encodeElement(&buf, item)
	}
	return buf.Bytes()
}

func encodeElement(buf *bytes.Buffer, item any) {
	switch v := item.(type) {
	case []byte:
		encodeBytes(buf, typeBytes, v)
	case string:
		encodeBytes(buf, typeString, []byte(v))
	case int:
		encodeInt(buf, int64(v))
	case int32:
		encodeInt(buf, int64(v))
	case int64:
		encodeInt(buf, v)
	case uint32:
		encodeInt(buf, int64(v))
	case uuid.UUID:
		buf.WriteByte(typeUUID)
		buf.Write(v[:])
	default:
		panic(fmt.Sprintf("tuple: unsupported element type %T", item))
	}
}

// encodeBytes writes code, then the payload with embedded 0x00 escaped as
// 0x00 0xFF, then a 0x00 terminator. The escape keeps prefix ordering
// intact for payloads containing NUL.
func encodeBytes(buf *bytes.Buffer, code byte, b []byte) {
	buf.WriteByte(code)
	for _, c := range b {
		buf.WriteByte(c)
		if c == 0x00 {
			buf.WriteByte(0xFF)
		}
	}
	buf.WriteByte(0x00)
}

func encodeInt(buf *bytes.Buffer, v int64) {
	switch {
	case v == 0:
		buf.WriteByte(intZero)
	case v > 0:
		n := byteLen(uint64(v))
		buf.WriteByte(intZero + byte(n))
		writeBigEndian(buf, uint64(v), n)
	default:
		// Negative values are offset so that the encoded magnitude
		// sorts ascending: v + (2^(8n) - 1).
		n := byteLen(uint64(-v))
		offset := uint64(1)<<(8*n) - 1
		buf.WriteByte(intZero - byte(n))
		writeBigEndian(buf, uint64(v)+offset, n)
	}
}

func byteLen(u uint64) int {
	n := 1
	for u >= 1<<8 {
		u >>= 8
		n++
	}
	return n
}

func writeBigEndian(buf *bytes.Buffer, u uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		buf.WriteByte(byte(u >> (8 * i)))
	}
}

// Unpack decodes a packed tuple.
func Unpack(b []byte) (Tuple, error) {
	var t Tuple
	for len(b) > 0 {
		item, rest, err := decodeElement(b)
		if err != nil {
			return nil, err
		}
		t = append(t, item)
		b = rest
	}
	return t, nil
}

func decodeElement(b []byte) (any, []byte, error) {
	code := b[0]
	switch {
	case code == typeBytes:
		raw, rest, err := decodeBytes(b[1:])
		return raw, rest, err
	case code == typeString:
		raw, rest, err := decodeBytes(b[1:])
		if err != nil {
			return nil, nil, err
		}
		return string(raw), rest, nil
	case code >= intZero-maxIntBytes && code <= intZero+maxIntBytes:
		return decodeInt(b)
	case code == typeUUID:
		if len(b) < 17 {
			return nil, nil, fmt.Errorf("%w: truncated uuid", ErrMalformedTuple)
		}
		var u uuid.UUID
		copy(u[:], b[1:17])
		return u, b[17:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown type code 0x%02x", ErrMalformedTuple, code)
	}
}

func decodeBytes(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 < len(b) && b[i+1] == 0xFF {
			out = append(out, 0x00)
			i++
			continue
		}
		return out, b[i+1:], nil
	}
	return nil, nil, fmt.Errorf("%w: unterminated byte string", ErrMalformedTuple)
}

func decodeInt(b []byte) (int64, []byte, error) {
	code := b[0]
	if code == intZero {
		return 0, b[1:], nil
	}
	if code > intZero {
		n := int(code - intZero)
		if len(b) < 1+n {
			return 0, nil, fmt.Errorf("%w: truncated integer", ErrMalformedTuple)
		}
		u := readBigEndian(b[1:1+n], n)
		if u > math.MaxInt64 {
			return 0, nil, fmt.Errorf("%w: integer overflow", ErrMalformedTuple)
		}
		return int64(u), b[1+n:], nil
	}
	n := int(intZero - code)
	if len(b) < 1+n {
		return 0, nil, fmt.Errorf("%w: truncated integer", ErrMalformedTuple)
	}
	u := readBigEndian(b[1:1+n], n)
	offset := uint64(1)<<(8*n) - 1
	return int64(u - offset), b[1+n:], nil
}

func readBigEndian(b []byte, n int) uint64 {
	var u uint64
	for i := 0; i < n; i++ {
		u = u<<8 | uint64(b[i])
	}
	return u
}
