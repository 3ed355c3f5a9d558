// Package metadatalog implements the append-only log of (object_id →
// location, low_key) tuples described in spec §4's MetadataLog component:
// one record per flushed epoch, replayed forward on open to rebuild the
// tree index, with replay stopping at the first corrupt or partial record.
package metadatalog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/melangedb/melange/internal/heap"
)

// Tuple is one (object_id → location, low_key) entry within a record.
type Tuple struct {
	ObjectID uint64
	Loc      heap.Location
	LowKey   []byte
}

// Layout, little-endian, fixed order:
//
//	[record_magic: 4B][epoch: u64][count: u32]
//	  count * [object_id: u64][slab_id: u32][slot_index: u32][low_key_len: u32][low_key: bytes]
//	[record_checksum: u32]
const (
	recordMagic       = "MLR1"
	recordHeaderSize  = 4 + 8 + 4 // magic + epoch + count
	tupleFixedSize    = 8 + 4 + 4 + 4
	recordChecksumSize = 4
)

// EncodeRecord serializes one flush epoch's tuples into a single record,
// ready to append to the log.
func EncodeRecord(epoch uint64, tuples []Tuple) []byte {
	size := recordHeaderSize
	for _, t := range tuples {
		size += tupleFixedSize + len(t.LowKey)
	}

	size += recordChecksumSize

	buf := make([]byte, size)

	copy(buf, recordMagic)
	binary.LittleEndian.PutUint64(buf[4:], epoch)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(tuples)))

	off := recordHeaderSize

	for _, t := range tuples {
		binary.LittleEndian.PutUint64(buf[off:], t.ObjectID)
		binary.LittleEndian.PutUint32(buf[off+8:], t.Loc.SlabID)
		binary.LittleEndian.PutUint32(buf[off+12:], t.Loc.SlotIndex)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(t.LowKey)))
		off += tupleFixedSize
		copy(buf[off:], t.LowKey)
		off += len(t.LowKey)
	}

	checksum := crc32.Checksum(buf[:off], crcTable)
	binary.LittleEndian.PutUint32(buf[off:], checksum)

	return buf
}

// DecodeRecord parses one record from the start of buf, returning the
// number of bytes it consumed. A short buffer (not yet a full record, e.g.
// a torn trailing append) is reported the same as a checksum failure: the
// caller stops replay at this point either way.
func DecodeRecord(buf []byte) (epoch uint64, tuples []Tuple, consumed int, err error) {
	if len(buf) < recordHeaderSize {
		return 0, nil, 0, fmt.Errorf("metadatalog: record header truncated")
	}

	if string(buf[:4]) != recordMagic {
		return 0, nil, 0, fmt.Errorf("metadatalog: bad record magic %q", buf[:4])
	}

	epoch = binary.LittleEndian.Uint64(buf[4:])
	count := binary.LittleEndian.Uint32(buf[12:])

	off := recordHeaderSize
	tuples = make([]Tuple, 0, count)

	for i := uint32(0); i < count; i++ {
		if off+tupleFixedSize > len(buf) {
			return 0, nil, 0, fmt.Errorf("metadatalog: tuple %d truncated", i)
		}

		objectID := binary.LittleEndian.Uint64(buf[off:])
		slabID := binary.LittleEndian.Uint32(buf[off+8:])
		slotIndex := binary.LittleEndian.Uint32(buf[off+12:])
		lowKeyLen := binary.LittleEndian.Uint32(buf[off+16:])
		off += tupleFixedSize

		if off+int(lowKeyLen) > len(buf) {
			return 0, nil, 0, fmt.Errorf("metadatalog: tuple %d low_key truncated", i)
		}

		lowKey := make([]byte, lowKeyLen)
		copy(lowKey, buf[off:off+int(lowKeyLen)])
		off += int(lowKeyLen)

		tuples = append(tuples, Tuple{
			ObjectID: objectID,
			Loc:      heap.Location{SlabID: slabID, SlotIndex: slotIndex},
			LowKey:   lowKey,
		})
	}

	if off+recordChecksumSize > len(buf) {
		return 0, nil, 0, fmt.Errorf("metadatalog: checksum truncated")
	}

	want := binary.LittleEndian.Uint32(buf[off:])
	got := crc32.Checksum(buf[:off], crcTable)

	if want != got {
		return 0, nil, 0, fmt.Errorf("metadatalog: checksum mismatch: have %08x want %08x", got, want)
	}

	return epoch, tuples, off + recordChecksumSize, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)
