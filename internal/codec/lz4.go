package codec

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// lz4Codec wraps github.com/pierrec/lz4/v4's block API. Frames are small
// (one serialized leaf, bounded by LEAF_FANOUT), so the simple
// buffer-to-buffer block API is preferred over the streaming Writer/Reader.
type lz4Codec struct{}

func newLZ4Codec() Codec { return lz4Codec{} }

func (lz4Codec) Algorithm() Algorithm { return LZ4 }

// stored/compressed marker byte prepended to the block, since
// CompressBlock declines to compress input it can't shrink and Decode needs
// to know which path Encode took.
const (
	lz4Stored     byte = 0
	lz4Compressed byte = 1
)

func (lz4Codec) Encode(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	buf := make([]byte, bound)

	var c lz4.Compressor

	n, err := c.CompressBlock(src, buf)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 compress: %w", err)
	}

	// CompressBlock returns n == 0 when src is incompressible (the
	// compressed form wouldn't be smaller); store it verbatim instead.
	if n == 0 {
		dst = append(dst, lz4Stored)
		return append(dst, src...), nil
	}

	dst = append(dst, lz4Compressed)
	return append(dst, buf[:n]...), nil
}

func (lz4Codec) Decode(dst, src []byte, decodedLen int) ([]byte, error) {
	if decodedLen == 0 {
		return dst, nil
	}

	if len(src) == 0 {
		return nil, fmt.Errorf("codec: lz4 decompress: empty block")
	}

	marker, body := src[0], src[1:]

	if marker == lz4Stored {
		return append(dst, body...), nil
	}

	out := make([]byte, decodedLen)

	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		return nil, fmt.Errorf("codec: lz4 decompress: %w", err)
	}

	if n != decodedLen {
		return nil, fmt.Errorf("codec: lz4 decompress: got %d bytes, want %d", n, decodedLen)
	}

	return append(dst, out...), nil
}
