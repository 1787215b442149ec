package tuple

import "bytes"

// Subspace is a fixed key prefix under which tuples are packed. All packed
// element encodings start with a type code in (0x00, 0xFF), so the range
// [prefix+0x00, prefix+0xFF) covers exactly the keys of the subspace.
type Subspace struct {
	prefix []byte
}

// NewSubspace creates a Subspace rooted at the given raw prefix.
func NewSubspace(prefix []byte) Subspace {
	return Subspace{prefix: append([]byte(nil), prefix...)}
}

// Sub returns a child subspace with the packed items appended to the prefix.
func (s Subspace) Sub(items ...any) Subspace {
	return Subspace{prefix: append(s.Bytes(), Tuple(items).Pack()...)}
}

// Bytes returns a copy of the raw prefix.
func (s Subspace) Bytes() []byte {
	return append([]byte(nil), s.prefix...)
}

// Pack encodes t under the subspace prefix.
func (s Subspace) Pack(t Tuple) []byte {
	return append(s.Bytes(), t.Pack()...)
}

// Unpack decodes a key previously packed under this subspace.
func (s Subspace) Unpack(key []byte) (Tuple, error) {
	if !s.Contains(key) {
		return nil, ErrMalformedTuple
	}
	return Unpack(key[len(s.prefix):])
}

// Contains reports whether key starts with the subspace prefix.
func (s Subspace) Contains(key []byte) bool {
	return bytes.HasPrefix(key, s.prefix)
}

// Range returns the begin (inclusive) and end (exclusive) keys spanning
// every key packed under the subspace.
func (s Subspace) Range() (begin, end []byte) {
	begin = append(s.Bytes(), 0x00)
	end = append(s.Bytes(), 0xFF)
	return begin, end
}
