package directory

import (
	"context"
	"errors"
	"fmt"
)

// ErrOutputClosed is returned when writing to a closed Output.
var ErrOutputClosed = errors.New("output already closed")

// Output appends bytes to a new file. Bytes accumulate in a buffer; each
// time a block fills it is compressed and written under its block key.
// Close flushes the final partial block and finalizes the file length.
// Output is single-writer; it is not safe for concurrent use.
type Output struct {
	dir    *Directory
	name   string
	ref    FileRef
	buf    []byte
	block  int64
	closed bool
}

// Name returns the file name.
func (o *Output) Name() string { return o.name }

// Write appends p to the file.
func (o *Output) Write(ctx context.Context, p []byte) (int, error) {
	if o.closed {
		return 0, ErrOutputClosed
	}
	written := len(p)
	for len(p) > 0 {
		space := o.dir.blockSize - len(o.buf)
		n := min(space, len(p))
		o.buf = append(o.buf, p[:n]...)
		p = p[n:]
		if len(o.buf) == o.dir.blockSize {
			if err := o.flushBlock(ctx); err != nil {
				return 0, err
			}
		}
	}
	o.ref.Length += int64(written)
	return written, nil
}

// WriteByte appends a single byte.
func (o *Output) WriteByte(ctx context.Context, b byte) error {
	_, err := o.Write(ctx, []byte{b})
	return err
}

func (o *Output) flushBlock(ctx context.Context) error {
	if err := o.dir.writeBlock(ctx, o.ref.ID, o.block, o.buf); err != nil {
		return fmt.Errorf("write block %d of %q: %w", o.block, o.name, err)
	}
	o.block++
	o.buf = o.buf[:0]
	return nil
}

// Length returns the number of bytes written so far.
func (o *Output) Length() int64 {
	return o.ref.Length
}

// Close flushes the final partial block and rewrites the file reference
// with the final length. The length is immutable afterwards.
func (o *Output) Close(ctx context.Context) error {
	if o.closed {
		return nil
	}
	o.closed = true
	if len(o.buf) > 0 {
		if err := o.flushBlock(ctx); err != nil {
			return err
		}
	}
	return o.dir.actx.Set(ctx, o.dir.fileRefKey(o.name), o.ref.marshal())
}
