package directory

import (
	"context"
	"fmt"
	"io"
)

// Input reads a file. Offsets map to blocks by integer division; blocks
// are fetched through the shared cache. Input carries its own cursor, so
// one instance must not be shared between goroutines, but Slice clones are
// independent and concurrent slice reads are safe.
type Input struct {
	dir  *Directory
	name string
	ref  FileRef

	sliceOff int64
	sliceLen int64
	pos      int64
}

// Name returns the file name.
func (in *Input) Name() string { return in.name }

// Length returns the length of this input (the slice length for slices).
func (in *Input) Length() int64 { return in.sliceLen }

// Slice returns an independent reader over [offset, offset+length) of this
// input. The clone shares no cursor state with the receiver.
func (in *Input) Slice(offset, length int64) (*Input, error) {
	if offset < 0 || length < 0 || offset+length > in.sliceLen {
		return nil, fmt.Errorf("slice [%d,%d) out of bounds of %q (length %d)",
			offset, offset+length, in.name, in.sliceLen)
	}
	return &Input{
		dir:      in.dir,
		name:     in.name,
		ref:      in.ref,
		sliceOff: in.sliceOff + offset,
		sliceLen: length,
	}, nil
}

// ReadAt reads len(p) bytes at offset off within the input. Reads past the
// end return io.EOF with the partial count.
func (in *Input) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= in.sliceLen {
		return 0, io.EOF
	}
	n := len(p)
	if avail := in.sliceLen - off; int64(n) > avail {
		n = int(avail)
	}

	abs := in.sliceOff + off
	read := 0
	for read < n {
		blockNo := abs / int64(in.ref.BlockSize)
		blockOff := int(abs % int64(in.ref.BlockSize))
		block, err := in.dir.readBlock(ctx, in.ref, blockNo)
		if err != nil {
			return read, err
		}
		c := copy(p[read:n], block[blockOff:])
		read += c
		abs += int64(c)
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

// Read reads from the cursor position.
func (in *Input) Read(ctx context.Context, p []byte) (int, error) {
	n, err := in.ReadAt(ctx, p, in.pos)
	in.pos += int64(n)
	return n, err
}

// Seek sets the cursor position, following io.Seeker semantics.
func (in *Input) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = in.pos + offset
	case io.SeekEnd:
		next = in.sliceLen + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("negative position %d", next)
	}
	in.pos = next
	return next, nil
}
