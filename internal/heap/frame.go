package heap

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/melangedb/melange/internal/codec"
)

// Frame envelope constants. Layout, little-endian, fixed order:
//
//	[magic: 4B][version: 1B][flags: 1B][compression: 1B][reserved: 1B]
//	[payload_len: u32][uncompressed_len: u32][payload: bytes][checksum: u32]
//
// uncompressed_len is an addition beyond the bare envelope: a block-level
// codec (lz4) needs the decoded size up front, and the frame is the only
// place that size is known before the payload's own fields can be parsed.
// See DESIGN.md for the reasoning.
const (
	frameMagic      = "MLF1"
	frameVersion    = 1
	frameFlagCompressed = 1 << 0

	offMagic            = 0
	offVersion          = 4
	offFlags            = 5
	offCompression      = 6
	offReserved         = 7
	offPayloadLen       = 8
	offUncompressedLen  = 12
	frameHeaderSize     = 16
	frameChecksumSize   = 4
)

// FrameSize returns the on-disk size of a frame carrying storedPayloadLen
// bytes of (possibly compressed) payload, used to pick a slab size class.
func FrameSize(storedPayloadLen int) int {
	return frameHeaderSize + storedPayloadLen + frameChecksumSize
}

// EncodeFrame compresses plain (if alg != codec.None) and wraps it in a
// checksummed frame envelope ready to hand to a slab's Write.
func EncodeFrame(plain []byte, alg codec.Algorithm, registry *codec.Registry) ([]byte, error) {
	stored := plain
	flags := byte(0)

	if alg != codec.None {
		c, ok := registry.Lookup(alg)
		if !ok {
			return nil, fmt.Errorf("heap: encode frame: codec %s not registered", alg)
		}

		var err error

		stored, err = c.Encode(nil, plain)
		if err != nil {
			return nil, fmt.Errorf("heap: encode frame: %w", err)
		}

		flags |= frameFlagCompressed
	}

	buf := make([]byte, frameHeaderSize+len(stored)+frameChecksumSize)

	copy(buf[offMagic:], frameMagic)
	buf[offVersion] = frameVersion
	buf[offFlags] = flags
	buf[offCompression] = byte(alg)
	buf[offReserved] = 0
	binary.LittleEndian.PutUint32(buf[offPayloadLen:], uint32(len(stored)))
	binary.LittleEndian.PutUint32(buf[offUncompressedLen:], uint32(len(plain)))
	copy(buf[frameHeaderSize:], stored)

	checksum := crc32.Checksum(buf[:frameHeaderSize+len(stored)], crcTable)
	binary.LittleEndian.PutUint32(buf[frameHeaderSize+len(stored):], checksum)

	return buf, nil
}

// DecodeFrame validates a frame's checksum and returns its decompressed
// payload. A checksum mismatch or malformed header is reported as a plain
// error that the caller wraps as [melange.ErrCorruption]; an unregistered
// codec is reported as [ErrInvalidArgument] instead, since the frame itself
// is intact, and the caller must not treat it as corruption.
func DecodeFrame(buf []byte, registry *codec.Registry) ([]byte, error) {
	if len(buf) < frameHeaderSize+frameChecksumSize {
		return nil, fmt.Errorf("heap: frame too short: %d bytes", len(buf))
	}

	if string(buf[offMagic:offMagic+4]) != frameMagic {
		return nil, fmt.Errorf("heap: bad frame magic %q", buf[offMagic:offMagic+4])
	}

	if buf[offVersion] != frameVersion {
		return nil, fmt.Errorf("heap: unsupported frame version %d", buf[offVersion])
	}

	payloadLen := binary.LittleEndian.Uint32(buf[offPayloadLen:])
	uncompressedLen := binary.LittleEndian.Uint32(buf[offUncompressedLen:])

	end := frameHeaderSize + int(payloadLen)
	if end+frameChecksumSize > len(buf) {
		return nil, fmt.Errorf("heap: frame payload_len %d exceeds buffer", payloadLen)
	}

	wantChecksum := binary.LittleEndian.Uint32(buf[end:])
	gotChecksum := crc32.Checksum(buf[:end], crcTable)

	if wantChecksum != gotChecksum {
		return nil, fmt.Errorf("heap: checksum mismatch: have %08x want %08x", gotChecksum, wantChecksum)
	}

	stored := buf[frameHeaderSize:end]

	if buf[offFlags]&frameFlagCompressed == 0 {
		out := make([]byte, len(stored))
		copy(out, stored)

		return out, nil
	}

	alg := codec.Algorithm(buf[offCompression])

	c, ok := registry.Lookup(alg)
	if !ok {
		return nil, fmt.Errorf("%w: frame uses unregistered codec %s", ErrInvalidArgument, alg)
	}

	plain, err := c.Decode(nil, stored, int(uncompressedLen))
	if err != nil {
		return nil, fmt.Errorf("heap: decode frame: %w", err)
	}

	return plain, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)
