package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// zstdCodec wraps github.com/klauspost/compress/zstd. A single encoder and
// decoder pair is reused across calls; both are safe for concurrent use per
// the package's own documentation.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() Codec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		// Only returns an error for invalid options; the defaults used here
		// are always valid.
		panic(fmt.Sprintf("codec: zstd encoder: %v", err))
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd decoder: %v", err))
	}

	return &zstdCodec{enc: enc, dec: dec}
}

func (*zstdCodec) Algorithm() Algorithm { return Zstd }

func (z *zstdCodec) Encode(dst, src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, dst), nil
}

func (z *zstdCodec) Decode(dst, src []byte, decodedLen int) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, dst)
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decompress: %w", err)
	}

	if decodedLen > 0 && len(out)-len(dst) != decodedLen {
		return nil, fmt.Errorf("codec: zstd decompress: got %d bytes, want %d", len(out)-len(dst), decodedLen)
	}

	return out, nil
}
