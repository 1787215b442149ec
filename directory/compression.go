package directory

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the per-block compression algorithm.
type Compression int8

const (
	// CompressionNone stores blocks raw.
	CompressionNone Compression = iota
	// CompressionLZ4 compresses blocks with LZ4.
	CompressionLZ4
	// CompressionZSTD compresses blocks with zstandard.
	CompressionZSTD
)

// Per-block marker bytes. A compressed block that grows is stored raw, so
// the marker can differ from the directory's configured algorithm.
const (
	blockRaw  byte = 0
	blockLZ4  byte = 1
	blockZSTD byte = 2
)

var (
	zstdEncoderOnce sync.Once
	zstdEncoder     *zstd.Encoder
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
)

func getZstdEncoder() *zstd.Encoder {
	zstdEncoderOnce.Do(func() {
		zstdEncoder, _ = zstd.NewWriter(nil)
	})
	return zstdEncoder
}

func getZstdDecoder() *zstd.Decoder {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, _ = zstd.NewReader(nil)
	})
	return zstdDecoder
}

// compressBlock encodes plain with the configured algorithm, prefixing the
// marker byte. Incompressible blocks fall back to raw storage.
func compressBlock(c Compression, plain []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return append([]byte{blockRaw}, plain...), nil
	case CompressionLZ4:
		dst := make([]byte, 1+lz4.CompressBlockBound(len(plain)))
		dst[0] = blockLZ4
		var compressor lz4.Compressor
		n, err := compressor.CompressBlock(plain, dst[1:])
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(plain) {
			return append([]byte{blockRaw}, plain...), nil
		}
		return dst[:1+n], nil
	case CompressionZSTD:
		dst := getZstdEncoder().EncodeAll(plain, []byte{blockZSTD})
		if len(dst)-1 >= len(plain) {
			return append([]byte{blockRaw}, plain...), nil
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", c)
	}
}

// decompressBlock decodes a stored block. plainSize is the expected
// uncompressed size, known from the file length and block number.
func decompressBlock(stored []byte, plainSize int) ([]byte, error) {
	if len(stored) == 0 {
		return nil, fmt.Errorf("empty block")
	}
	marker, payload := stored[0], stored[1:]
	switch marker {
	case blockRaw:
		return payload, nil
	case blockLZ4:
		dst := make([]byte, plainSize)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return dst[:n], nil
	case blockZSTD:
		dst, err := getZstdDecoder().DecodeAll(payload, make([]byte, 0, plainSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unknown block marker %d", marker)
	}
}
